package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// eksPages lists cluster names and describes each one for its ARN and tags.
// A cluster that cannot be described is yielded without an id.
func eksPages(cl *Clients, region string) connector.PageFunc {
	var nextToken *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.EKS.ListClusters(ctx, &eks.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list eks clusters: %w", err))
		}

		recs := make([]native.Record, 0, len(output.Clusters))
		for _, name := range output.Clusters {
			cluster, err := describeEKSCluster(ctx, cl.EKS, name)
			if err != nil {
				recs = append(recs, &native.AWSRecord{
					ResourceType: TypeEKS,
					Region:       region,
					Name:         name,
					TagErr:       err,
				})
				continue
			}
			recs = append(recs, convertEKSCluster(region, cluster))
		}

		nextToken = output.NextToken
		return connector.Page{Records: recs, Done: nextToken == nil}, nil
	}
}

func describeEKSCluster(ctx context.Context, client EKSAPI, name string) (*ekstypes.Cluster, error) {
	out, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if err != nil {
		return nil, classify(fmt.Errorf("describe eks cluster %s: %w", name, err))
	}
	if out.Cluster == nil {
		return nil, retry.Permanent(fmt.Errorf("eks cluster %s not found", name))
	}
	return out.Cluster, nil
}

func convertEKSCluster(region string, cluster *ekstypes.Cluster) *native.AWSRecord {
	return &native.AWSRecord{
		ResourceID:   aws.ToString(cluster.Arn),
		ResourceType: TypeEKS,
		Region:       region,
		Name:         aws.ToString(cluster.Name),
		Tags:         mapTags(cluster.Tags),
		Attrs: map[string]string{
			"status":  string(cluster.Status),
			"version": aws.ToString(cluster.Version),
		},
	}
}

// eksClusterTags reads the tags of the cluster named by the last segment
// of its ARN.
func eksClusterTags(ctx context.Context, client EKSAPI, arn string) ([]native.Tag, error) {
	name := arn[strings.LastIndex(arn, "/")+1:]
	cluster, err := describeEKSCluster(ctx, client, name)
	if err != nil {
		return nil, err
	}
	return mapTags(cluster.Tags), nil
}

// ecsPages lists cluster ARNs and describes each page of them with tags
// included in one call.
func ecsPages(cl *Clients, region string) connector.PageFunc {
	var nextToken *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.ECS.ListClusters(ctx, &ecs.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list ecs clusters: %w", err))
		}

		var recs []native.Record
		if len(output.ClusterArns) > 0 {
			clusters, err := describeECSClusters(ctx, cl.ECS, output.ClusterArns)
			if err != nil {
				return connector.Page{}, err
			}
			recs = make([]native.Record, 0, len(clusters))
			for _, c := range clusters {
				recs = append(recs, convertECSCluster(region, c))
			}
		}

		nextToken = output.NextToken
		return connector.Page{Records: recs, Done: nextToken == nil}, nil
	}
}

func describeECSClusters(ctx context.Context, client ECSAPI, arns []string) ([]ecstypes.Cluster, error) {
	out, err := client.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: arns,
		Include:  []ecstypes.ClusterField{ecstypes.ClusterFieldTags},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("describe ecs clusters: %w", err))
	}
	return out.Clusters, nil
}

func convertECSCluster(region string, cluster ecstypes.Cluster) *native.AWSRecord {
	return &native.AWSRecord{
		ResourceID:   aws.ToString(cluster.ClusterArn),
		ResourceType: TypeECS,
		Region:       region,
		Name:         aws.ToString(cluster.ClusterName),
		Tags:         ecsTags(cluster.Tags),
		Attrs: map[string]string{
			"status":        aws.ToString(cluster.Status),
			"running_tasks": strconv.Itoa(int(cluster.RunningTasksCount)),
		},
	}
}

func ecsClusterTags(ctx context.Context, client ECSAPI, arn string) ([]native.Tag, error) {
	clusters, err := describeECSClusters(ctx, client, []string{arn})
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, retry.Permanent(fmt.Errorf("ecs cluster %s not found", arn))
	}
	return ecsTags(clusters[0].Tags), nil
}

func ecsTags(tags []ecstypes.Tag) []native.Tag {
	out := make([]native.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return out
}

func toECSTags(changes map[string]string) []ecstypes.Tag {
	out := make([]ecstypes.Tag, 0, len(changes))
	for _, k := range sortedChanges(changes) {
		out = append(out, ecstypes.Tag{Key: aws.String(k), Value: aws.String(changes[k])})
	}
	return out
}
