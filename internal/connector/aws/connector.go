// Package aws implements the AWS connector for tagwarden.
package aws

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Resource types listed by the connector.
const (
	TypeEC2      = "ec2"
	TypeS3       = "s3"
	TypeRDS      = "rds"
	TypeLambda   = "lambda"
	TypeDynamoDB = "dynamodb"
	TypeSQS      = "sqs"
	TypeEKS      = "eks"
	TypeECS      = "ecs"
	TypeELB      = "elb"
)

// SupportedTypes lists every type the connector can list and tag.
var SupportedTypes = []string{TypeEC2, TypeS3, TypeRDS, TypeLambda, TypeDynamoDB, TypeSQS, TypeEKS, TypeECS, TypeELB}

// Config holds AWS connector configuration.
type Config struct {
	Regions       []string
	Profile       string
	ResourceTypes []string
	Page          connector.PageOptions
}

// Connector lists and tags AWS resources across regions.
type Connector struct {
	regions []string
	types   []string
	clients map[string]*Clients
	page    connector.PageOptions
}

// New creates an AWS connector with one set of clients per region.
// The SDK retryer is disabled; retries go through the paginator and the
// remediation engine.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("aws: at least one region required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Regions[0]),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	base, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	clients := make(map[string]*Clients, len(cfg.Regions))
	for _, region := range cfg.Regions {
		rc := base.Copy()
		rc.Region = region
		clients[region] = &Clients{
			EC2:      ec2.NewFromConfig(rc),
			S3:       s3.NewFromConfig(rc),
			RDS:      rds.NewFromConfig(rc),
			Lambda:   lambda.NewFromConfig(rc),
			DynamoDB: dynamodb.NewFromConfig(rc),
			SQS:      sqs.NewFromConfig(rc),
			EKS:      eks.NewFromConfig(rc),
			ECS:      ecs.NewFromConfig(rc),
			ELBv2:    elasticloadbalancingv2.NewFromConfig(rc),
		}
	}

	return NewWithClients(cfg, clients)
}

// NewWithClients creates a connector from prebuilt clients keyed by region.
func NewWithClients(cfg Config, clients map[string]*Clients) (*Connector, error) {
	types := cfg.ResourceTypes
	if len(types) == 0 {
		types = SupportedTypes
	}
	for _, t := range types {
		if !slices.Contains(SupportedTypes, t) {
			return nil, fmt.Errorf("aws: unsupported resource type %q", t)
		}
	}
	for _, r := range cfg.Regions {
		if clients[r] == nil {
			return nil, fmt.Errorf("aws: no clients for region %q", r)
		}
	}

	page := cfg.Page
	if page.Name == "" {
		page.Name = "aws"
	}
	return &Connector{
		regions: slices.Clone(cfg.Regions),
		types:   slices.Clone(types),
		clients: clients,
		page:    page,
	}, nil
}

// Provider returns the provider identifier.
func (c *Connector) Provider() string { return "aws" }

// KeyMode returns the tag key semantics: AWS keys are case-sensitive.
func (c *Connector) KeyMode() resource.KeyMode { return resource.KeyExact }

// ResourceTypes returns the configured resource types.
func (c *Connector) ResourceTypes() []string { return slices.Clone(c.types) }

// Regions returns the regions to list. S3 buckets are listed once globally.
func (c *Connector) Regions(resourceType string) []string {
	if resourceType == TypeS3 {
		return []string{""}
	}
	return slices.Clone(c.regions)
}

func (c *Connector) clientsFor(region string) (*Clients, error) {
	if region == "" {
		region = c.regions[0]
	}
	cl, ok := c.clients[region]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("aws: region %q not configured", region))
	}
	return cl, nil
}

// List lazily yields native records of one type in one region.
func (c *Connector) List(ctx context.Context, resourceType, region string) iter.Seq2[native.Record, error] {
	cl, err := c.clientsFor(region)
	if err != nil {
		return failed(err)
	}

	var fetch connector.PageFunc
	switch resourceType {
	case TypeEC2:
		fetch = ec2Pages(cl, region)
	case TypeS3:
		fetch = s3Pages(cl)
	case TypeRDS:
		fetch = rdsPages(cl, region)
	case TypeLambda:
		fetch = lambdaPages(cl, region)
	case TypeDynamoDB:
		fetch = dynamoDBPages(cl, region)
	case TypeSQS:
		fetch = sqsPages(cl, region)
	case TypeEKS:
		fetch = eksPages(cl, region)
	case TypeECS:
		fetch = ecsPages(cl, region)
	case TypeELB:
		fetch = elbPages(cl, region)
	default:
		return failed(retry.Permanent(fmt.Errorf("aws: unsupported resource type %q", resourceType)))
	}

	opts := c.page
	opts.Name = fmt.Sprintf("%s %s %s", c.page.Name, resourceType, region)
	log.Debug().Str("type", resourceType).Str("region", region).Msg("listing aws resources")
	return connector.Paginate(ctx, fetch, opts)
}

func failed(err error) iter.Seq2[native.Record, error] {
	return func(yield func(native.Record, error) bool) {
		yield(nil, err)
	}
}

var _ connector.Connector = (*Connector)(nil)
