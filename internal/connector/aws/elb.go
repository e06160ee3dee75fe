package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// DescribeTags accepts at most this many ARNs per call.
const elbTagBatch = 20

// elbPages lists load balancers and reads their tags in batches. A failed
// tag batch marks every record in it instead of failing the page.
func elbPages(cl *Clients, region string) connector.PageFunc {
	var marker *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.ELBv2.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("describe load balancers: %w", err))
		}

		recs := make([]native.Record, 0, len(output.LoadBalancers))
		byARN := make(map[string]*native.AWSRecord, len(output.LoadBalancers))
		arns := make([]string, 0, len(output.LoadBalancers))
		for _, lb := range output.LoadBalancers {
			r := convertLoadBalancer(region, lb)
			recs = append(recs, r)
			byARN[r.ResourceID] = r
			arns = append(arns, r.ResourceID)
		}

		for start := 0; start < len(arns); start += elbTagBatch {
			batch := arns[start:min(start+elbTagBatch, len(arns))]
			tags, err := loadBalancerTags(ctx, cl.ELBv2, batch)
			for _, arn := range batch {
				if err != nil {
					byARN[arn].TagErr = err
					continue
				}
				byARN[arn].Tags = tags[arn]
			}
		}

		marker = output.NextMarker
		return connector.Page{Records: recs, Done: marker == nil}, nil
	}
}

func convertLoadBalancer(region string, lb elbv2types.LoadBalancer) *native.AWSRecord {
	r := &native.AWSRecord{
		ResourceID:   aws.ToString(lb.LoadBalancerArn),
		ResourceType: TypeELB,
		Region:       region,
		Name:         aws.ToString(lb.LoadBalancerName),
		Attrs: map[string]string{
			"type":   string(lb.Type),
			"scheme": string(lb.Scheme),
			"vpc_id": aws.ToString(lb.VpcId),
		},
	}
	if lb.State != nil {
		r.Attrs["state"] = string(lb.State.Code)
	}
	return r
}

func loadBalancerTags(ctx context.Context, client ELBv2API, arns []string) (map[string][]native.Tag, error) {
	out, err := client.DescribeTags(ctx, &elbv2.DescribeTagsInput{ResourceArns: arns})
	if err != nil {
		return nil, classify(fmt.Errorf("describe load balancer tags: %w", err))
	}
	tags := make(map[string][]native.Tag, len(out.TagDescriptions))
	for _, desc := range out.TagDescriptions {
		set := make([]native.Tag, 0, len(desc.Tags))
		for _, t := range desc.Tags {
			set = append(set, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
		}
		tags[aws.ToString(desc.ResourceArn)] = set
	}
	return tags, nil
}

func singleLoadBalancerTags(ctx context.Context, client ELBv2API, arn string) ([]native.Tag, error) {
	tags, err := loadBalancerTags(ctx, client, []string{arn})
	if err != nil {
		return nil, err
	}
	set, ok := tags[arn]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("load balancer %s not found", arn))
	}
	return set, nil
}

func toELBTags(changes map[string]string) []elbv2types.Tag {
	out := make([]elbv2types.Tag, 0, len(changes))
	for _, k := range sortedChanges(changes) {
		out = append(out, elbv2types.Tag{Key: aws.String(k), Value: aws.String(changes[k])})
	}
	return out
}
