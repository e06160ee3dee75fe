package gcp

import (
	"context"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"
)

// InstancesAPI is the subset of the Compute API used by the connector.
type InstancesAPI interface {
	AggregatedList(ctx context.Context, project, pageToken string) (*compute.InstanceAggregatedList, error)
	Get(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	SetLabels(ctx context.Context, project, zone, name string, req *compute.InstancesSetLabelsRequest) error
}

// BucketsAPI is the subset of the Cloud Storage JSON API used by the connector.
type BucketsAPI interface {
	List(ctx context.Context, project, pageToken string) (*storage.Buckets, error)
	Get(ctx context.Context, bucket string) (*storage.Bucket, error)
	Patch(ctx context.Context, bucket string, labels map[string]string) error
}

type computeInstances struct {
	svc *compute.Service
}

func (c computeInstances) AggregatedList(ctx context.Context, project, pageToken string) (*compute.InstanceAggregatedList, error) {
	call := c.svc.Instances.AggregatedList(project).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (c computeInstances) Get(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return c.svc.Instances.Get(project, zone, name).Context(ctx).Do()
}

func (c computeInstances) SetLabels(ctx context.Context, project, zone, name string, req *compute.InstancesSetLabelsRequest) error {
	_, err := c.svc.Instances.SetLabels(project, zone, name, req).Context(ctx).Do()
	return err
}

type storageBuckets struct {
	svc *storage.Service
}

func (s storageBuckets) List(ctx context.Context, project, pageToken string) (*storage.Buckets, error) {
	call := s.svc.Buckets.List(project).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (s storageBuckets) Get(ctx context.Context, bucket string) (*storage.Bucket, error) {
	return s.svc.Buckets.Get(bucket).Context(ctx).Do()
}

// Patch sends only the labels field; the API merges label maps on patch.
func (s storageBuckets) Patch(ctx context.Context, bucket string, labels map[string]string) error {
	_, err := s.svc.Buckets.Patch(bucket, &storage.Bucket{Labels: labels}).Context(ctx).Do()
	return err
}

func newClients(ctx context.Context, opts ...option.ClientOption) (InstancesAPI, BucketsAPI, error) {
	csvc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	ssvc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return computeInstances{svc: csvc}, storageBuckets{svc: ssvc}, nil
}
