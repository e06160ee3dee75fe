package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// ApplyTags merges changes into the resource's tags in a single call.
// AWS tagging APIs are all-or-nothing, so a failed call fails every key.
func (c *Connector) ApplyTags(ctx context.Context, ref connector.Ref, changes map[string]string) (connector.ApplyResult, error) {
	if len(changes) == 0 {
		return connector.ApplyResult{}, nil
	}
	cl, err := c.clientsFor(clientRegion(ref))
	if err != nil {
		return connector.ApplyResult{}, err
	}

	switch ref.ResourceType {
	case TypeEC2:
		_, err = cl.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{ref.NativeID},
			Tags:      toEC2Tags(changes),
		})
	case TypeS3:
		err = putBucketTags(ctx, cl.S3, ref.NativeID, ref.Region, changes)
	case TypeRDS:
		_, err = cl.RDS.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{
			ResourceName: aws.String(ref.NativeID),
			Tags:         toRDSTags(changes),
		})
	case TypeLambda:
		_, err = cl.Lambda.TagResource(ctx, &lambda.TagResourceInput{
			Resource: aws.String(ref.NativeID),
			Tags:     changes,
		})
	case TypeDynamoDB:
		_, err = cl.DynamoDB.TagResource(ctx, &dynamodb.TagResourceInput{
			ResourceArn: aws.String(ref.NativeID),
			Tags:        toDynamoDBTags(changes),
		})
	case TypeSQS:
		_, err = cl.SQS.TagQueue(ctx, &sqs.TagQueueInput{
			QueueUrl: aws.String(ref.NativeID),
			Tags:     changes,
		})
	case TypeEKS:
		_, err = cl.EKS.TagResource(ctx, &eks.TagResourceInput{
			ResourceArn: aws.String(ref.NativeID),
			Tags:        changes,
		})
	case TypeECS:
		_, err = cl.ECS.TagResource(ctx, &ecs.TagResourceInput{
			ResourceArn: aws.String(ref.NativeID),
			Tags:        toECSTags(changes),
		})
	case TypeELB:
		_, err = cl.ELBv2.AddTags(ctx, &elbv2.AddTagsInput{
			ResourceArns: []string{ref.NativeID},
			Tags:         toELBTags(changes),
		})
	default:
		return connector.ApplyResult{}, retry.Permanent(fmt.Errorf("aws: unsupported resource type %q", ref.ResourceType))
	}

	if err != nil {
		return connector.FailAll(changes, classify(fmt.Errorf("tag %s %s: %w", ref.ResourceType, ref.NativeID, err))), nil
	}
	return connector.AllApplied(changes), nil
}

// FetchTags re-reads the live tags of one resource.
func (c *Connector) FetchTags(ctx context.Context, ref connector.Ref) (map[string]string, error) {
	cl, err := c.clientsFor(clientRegion(ref))
	if err != nil {
		return nil, err
	}

	var tags []native.Tag
	switch ref.ResourceType {
	case TypeEC2:
		out, err := cl.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{ref.NativeID}})
		if err != nil {
			return nil, classify(fmt.Errorf("describe instance %s: %w", ref.NativeID, err))
		}
		found := false
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				tags = ec2Tags(inst.Tags)
				found = true
			}
		}
		if !found {
			return nil, retry.Permanent(fmt.Errorf("instance %s not found", ref.NativeID))
		}
	case TypeS3:
		tags, err = bucketTags(ctx, cl.S3, ref.NativeID, ref.Region)
	case TypeRDS:
		out, err := cl.RDS.ListTagsForResource(ctx, &rds.ListTagsForResourceInput{ResourceName: aws.String(ref.NativeID)})
		if err != nil {
			return nil, classify(fmt.Errorf("list tags %s: %w", ref.NativeID, err))
		}
		tags = rdsTags(out.TagList)
	case TypeLambda:
		tags, err = functionTags(ctx, cl.Lambda, ref.NativeID)
	case TypeDynamoDB:
		tags, err = tableTags(ctx, cl.DynamoDB, ref.NativeID)
	case TypeSQS:
		tags, err = queueTags(ctx, cl.SQS, ref.NativeID)
	case TypeEKS:
		tags, err = eksClusterTags(ctx, cl.EKS, ref.NativeID)
	case TypeECS:
		tags, err = ecsClusterTags(ctx, cl.ECS, ref.NativeID)
	case TypeELB:
		tags, err = singleLoadBalancerTags(ctx, cl.ELBv2, ref.NativeID)
	default:
		return nil, retry.Permanent(fmt.Errorf("aws: unsupported resource type %q", ref.ResourceType))
	}
	if err != nil {
		return nil, err
	}
	return tagMap(tags), nil
}

// clientRegion picks the client set for ref. Buckets are reached through the
// default clients with a per-call region override.
func clientRegion(ref connector.Ref) string {
	if ref.ResourceType == TypeS3 {
		return ""
	}
	return ref.Region
}

func bucketTags(ctx context.Context, client S3API, bucket, region string) ([]native.Tag, error) {
	out, err := client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)}, inRegion(region))
	if err != nil {
		if isCode(err, "NoSuchTagSet") {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("get bucket tagging %s: %w", bucket, err))
	}
	tags := make([]native.Tag, 0, len(out.TagSet))
	for _, t := range out.TagSet {
		tags = append(tags, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return tags, nil
}

// putBucketTags reads the current tag set and writes it back merged,
// since PutBucketTagging replaces the whole set.
func putBucketTags(ctx context.Context, client S3API, bucket, region string, changes map[string]string) error {
	current, err := bucketTags(ctx, client, bucket, region)
	if err != nil {
		return err
	}
	merged := tagMap(current)
	for k, v := range changes {
		merged[k] = v
	}

	set := make([]s3types.Tag, 0, len(merged))
	for _, t := range mapTags(merged) {
		set = append(set, s3types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	_, err = client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &s3types.Tagging{TagSet: set},
	}, inRegion(region))
	return err
}

func functionTags(ctx context.Context, client LambdaAPI, arn string) ([]native.Tag, error) {
	out, err := client.ListTags(ctx, &lambda.ListTagsInput{Resource: aws.String(arn)})
	if err != nil {
		return nil, classify(fmt.Errorf("list tags %s: %w", arn, err))
	}
	return mapTags(out.Tags), nil
}

func tableTags(ctx context.Context, client DynamoDBAPI, arn string) ([]native.Tag, error) {
	var tags []native.Tag
	var nextToken *string
	for {
		out, err := client.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
			ResourceArn: aws.String(arn),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, classify(fmt.Errorf("list tags of resource %s: %w", arn, err))
		}
		for _, t := range out.Tags {
			tags = append(tags, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
		}
		if out.NextToken == nil {
			return tags, nil
		}
		nextToken = out.NextToken
	}
}

func queueTags(ctx context.Context, client SQSAPI, url string) ([]native.Tag, error) {
	out, err := client.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(url)})
	if err != nil {
		return nil, classify(fmt.Errorf("list queue tags %s: %w", url, err))
	}
	return mapTags(out.Tags), nil
}

func sortedChanges(changes map[string]string) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toEC2Tags(changes map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(changes))
	for _, k := range sortedChanges(changes) {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(changes[k])})
	}
	return out
}

func toRDSTags(changes map[string]string) []rdstypes.Tag {
	out := make([]rdstypes.Tag, 0, len(changes))
	for _, k := range sortedChanges(changes) {
		out = append(out, rdstypes.Tag{Key: aws.String(k), Value: aws.String(changes[k])})
	}
	return out
}

func toDynamoDBTags(changes map[string]string) []ddbtypes.Tag {
	out := make([]ddbtypes.Tag, 0, len(changes))
	for _, k := range sortedChanges(changes) {
		out = append(out, ddbtypes.Tag{Key: aws.String(k), Value: aws.String(changes[k])})
	}
	return out
}
