package aws

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// Page functions keep their cursor in the closure and only advance it on
// success, so the paginator can retry a failed page from the same token.

func ec2Pages(cl *Clients, region string) connector.PageFunc {
	var nextToken *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: nextToken})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("describe instances: %w", err))
		}

		var recs []native.Record
		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				if instance.State != nil && instance.State.Name == ec2types.InstanceStateNameTerminated {
					continue
				}
				recs = append(recs, convertEC2Instance(region, instance))
			}
		}

		nextToken = output.NextToken
		return connector.Page{Records: recs, Done: nextToken == nil}, nil
	}
}

func convertEC2Instance(region string, instance ec2types.Instance) *native.AWSRecord {
	r := &native.AWSRecord{
		ResourceID:   aws.ToString(instance.InstanceId),
		ResourceType: TypeEC2,
		Region:       region,
		Tags:         ec2Tags(instance.Tags),
		Attrs:        map[string]string{"instance_type": string(instance.InstanceType)},
	}
	for _, t := range r.Tags {
		if t.Key == "Name" {
			r.Name = t.Value
		}
	}
	if instance.State != nil {
		r.Attrs["state"] = string(instance.State.Name)
	}
	if instance.Placement != nil {
		r.Attrs["az"] = aws.ToString(instance.Placement.AvailabilityZone)
	}
	r.Attrs["vpc_id"] = aws.ToString(instance.VpcId)
	return r
}

// s3Pages lists all buckets in one page and resolves each bucket's region
// before reading its tags from that region.
func s3Pages(cl *Clients) connector.PageFunc {
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.S3.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list buckets: %w", err))
		}

		recs := make([]native.Record, 0, len(output.Buckets))
		for _, bucket := range output.Buckets {
			name := aws.ToString(bucket.Name)
			r := &native.AWSRecord{
				ResourceID:   name,
				ResourceType: TypeS3,
				Name:         name,
				Attrs:        map[string]string{},
			}
			if bucket.CreationDate != nil {
				r.Attrs["created"] = bucket.CreationDate.Format("2006-01-02")
			}

			region, err := bucketRegion(ctx, cl.S3, name)
			if err != nil {
				r.TagErr = err
				recs = append(recs, r)
				continue
			}
			r.Region = region
			tags, err := bucketTags(ctx, cl.S3, name, region)
			if err != nil {
				r.TagErr = err
			}
			r.Tags = tags
			recs = append(recs, r)
		}

		return connector.Page{Records: recs, Done: true}, nil
	}
}

func bucketRegion(ctx context.Context, client S3API, bucket string) (string, error) {
	out, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		return "", classify(fmt.Errorf("get bucket location %s: %w", bucket, err))
	}
	switch loc := string(out.LocationConstraint); loc {
	case "":
		return "us-east-1", nil
	case "EU":
		return "eu-west-1", nil
	default:
		return loc, nil
	}
}

func inRegion(region string) func(*s3.Options) {
	return func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func rdsPages(cl *Clients, region string) connector.PageFunc {
	var marker *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("describe db instances: %w", err))
		}

		recs := make([]native.Record, 0, len(output.DBInstances))
		for _, instance := range output.DBInstances {
			recs = append(recs, convertRDSInstance(region, instance))
		}

		marker = output.Marker
		return connector.Page{Records: recs, Done: marker == nil}, nil
	}
}

func convertRDSInstance(region string, instance rdstypes.DBInstance) *native.AWSRecord {
	return &native.AWSRecord{
		ResourceID:   aws.ToString(instance.DBInstanceArn),
		ResourceType: TypeRDS,
		Region:       region,
		Name:         aws.ToString(instance.DBInstanceIdentifier),
		Tags:         rdsTags(instance.TagList),
		Attrs: map[string]string{
			"engine":         aws.ToString(instance.Engine),
			"instance_class": aws.ToString(instance.DBInstanceClass),
			"status":         aws.ToString(instance.DBInstanceStatus),
			"multi_az":       strconv.FormatBool(aws.ToBool(instance.MultiAZ)),
		},
	}
}

func lambdaPages(cl *Clients, region string) connector.PageFunc {
	var marker *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.Lambda.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list functions: %w", err))
		}

		recs := make([]native.Record, 0, len(output.Functions))
		for _, fn := range output.Functions {
			r := convertLambda(region, fn)
			tags, err := functionTags(ctx, cl.Lambda, r.ResourceID)
			if err != nil {
				r.TagErr = err
			}
			r.Tags = tags
			recs = append(recs, r)
		}

		marker = output.NextMarker
		return connector.Page{Records: recs, Done: marker == nil}, nil
	}
}

func convertLambda(region string, fn lambdatypes.FunctionConfiguration) *native.AWSRecord {
	return &native.AWSRecord{
		ResourceID:   aws.ToString(fn.FunctionArn),
		ResourceType: TypeLambda,
		Region:       region,
		Name:         aws.ToString(fn.FunctionName),
		Attrs: map[string]string{
			"runtime":   string(fn.Runtime),
			"memory_mb": strconv.Itoa(int(aws.ToInt32(fn.MemorySize))),
		},
	}
}

// dynamoDBPages lists tables and describes each to obtain its ARN. A table
// that cannot be described is yielded without an id so the normalizer
// reports it as a per-resource error.
func dynamoDBPages(cl *Clients, region string) connector.PageFunc {
	var lastKey *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.DynamoDB.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastKey})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list tables: %w", err))
		}

		recs := make([]native.Record, 0, len(output.TableNames))
		for _, name := range output.TableNames {
			r := &native.AWSRecord{ResourceType: TypeDynamoDB, Region: region, Name: name, Attrs: map[string]string{}}

			desc, err := cl.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
			if err == nil && desc.Table == nil {
				err = fmt.Errorf("empty description")
			}
			if err != nil {
				r.TagErr = classify(fmt.Errorf("describe table %s: %w", name, err))
				recs = append(recs, r)
				continue
			}
			r.ResourceID = aws.ToString(desc.Table.TableArn)
			r.Attrs["status"] = string(desc.Table.TableStatus)

			tags, err := tableTags(ctx, cl.DynamoDB, r.ResourceID)
			if err != nil {
				r.TagErr = err
			}
			r.Tags = tags
			recs = append(recs, r)
		}

		lastKey = output.LastEvaluatedTableName
		return connector.Page{Records: recs, Done: lastKey == nil}, nil
	}
}

func sqsPages(cl *Clients, region string) connector.PageFunc {
	var nextToken *string
	return func(ctx context.Context) (connector.Page, error) {
		output, err := cl.SQS.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list queues: %w", err))
		}

		recs := make([]native.Record, 0, len(output.QueueUrls))
		for _, url := range output.QueueUrls {
			r := &native.AWSRecord{
				ResourceID:   url,
				ResourceType: TypeSQS,
				Region:       region,
				Name:         url[strings.LastIndex(url, "/")+1:],
			}
			tags, err := queueTags(ctx, cl.SQS, url)
			if err != nil {
				r.TagErr = err
			}
			r.Tags = tags
			recs = append(recs, r)
		}

		nextToken = output.NextToken
		return connector.Page{Records: recs, Done: nextToken == nil}, nil
	}
}

func ec2Tags(tags []ec2types.Tag) []native.Tag {
	out := make([]native.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return out
}

func rdsTags(tags []rdstypes.Tag) []native.Tag {
	out := make([]native.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, native.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return out
}

func mapTags(m map[string]string) []native.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]native.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, native.Tag{Key: k, Value: m[k]})
	}
	return out
}

func tagMap(tags []native.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}
