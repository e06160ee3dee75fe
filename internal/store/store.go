// Package store defines the persistence contract of tagwarden. The engines
// depend only on these interfaces; internal/store/bolt is the embedded
// implementation.
package store

import (
	"context"
	"errors"

	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/scan"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write-if-unchanged finds a newer version.
	ErrConflict = errors.New("version conflict")
	// ErrOpenWorkflowExists is returned when a resource already has a
	// non-terminal workflow.
	ErrOpenWorkflowExists = errors.New("resource has an open workflow")
	// ErrImmutable is returned when updating a finished scan run.
	ErrImmutable = errors.New("record is immutable")
)

// ResourceFilter selects resources. Empty fields match everything.
type ResourceFilter struct {
	Provider     string
	Type         string
	IncludeStale bool
}

// ComplianceFilter selects compliance records.
type ComplianceFilter struct {
	Status   compliance.Status
	Provider string
}

// WorkflowFilter selects workflows.
type WorkflowFilter struct {
	State      workflow.State
	ResourceID string
}

// ResourceStore persists canonical resources keyed by resource.Key.
type ResourceStore interface {
	GetResource(ctx context.Context, key string) (resource.Resource, error)
	ListResources(ctx context.Context, f ResourceFilter) ([]resource.Resource, error)
	// PutResource writes r if the stored version equals expectedVersion
	// (0 means the resource must not exist yet) and returns it with its
	// new version.
	PutResource(ctx context.Context, r resource.Resource, expectedVersion int64) (resource.Resource, error)
	DeleteResource(ctx context.Context, key string) error
}

// PolicyStore persists tagging policies.
type PolicyStore interface {
	ListPolicies(ctx context.Context, activeOnly bool) ([]policy.Policy, error)
	GetPolicy(ctx context.Context, id string) (policy.Policy, error)
	PutPolicies(ctx context.Context, policies ...policy.Policy) error
	DeletePolicy(ctx context.Context, id string) error
	// SubscribePolicies returns a channel that receives after every policy
	// change, and a function that ends the subscription.
	SubscribePolicies() (<-chan struct{}, func())
}

// ComplianceStore persists compliance records and the latest summary.
type ComplianceStore interface {
	GetCompliance(ctx context.Context, resourceID string) (compliance.Record, error)
	PutCompliance(ctx context.Context, rec compliance.Record) error
	ListCompliance(ctx context.Context, f ComplianceFilter) ([]compliance.Record, error)
	DeleteCompliance(ctx context.Context, resourceID string) error
	PutSummary(ctx context.Context, s compliance.Summary) error
	GetSummary(ctx context.Context) (compliance.Summary, error)
}

// WorkflowStore persists remediation workflows.
type WorkflowStore interface {
	// CreateWorkflow stores a new workflow at version 1. It fails with
	// ErrOpenWorkflowExists if the resource has a non-terminal workflow.
	CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error)
	// UpdateWorkflow writes wf if the stored version equals expectedVersion.
	UpdateWorkflow(ctx context.Context, wf workflow.Workflow, expectedVersion int64) (workflow.Workflow, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]workflow.Workflow, error)
	// OpenWorkflow returns the non-terminal workflow of a resource.
	OpenWorkflow(ctx context.Context, resourceID string) (workflow.Workflow, error)
}

// ScanRunStore persists scan run audit records.
type ScanRunStore interface {
	CreateScanRun(ctx context.Context, run scan.Run) error
	// UpdateScanRun fails with ErrImmutable once the stored run is finished.
	UpdateScanRun(ctx context.Context, run scan.Run) error
	GetScanRun(ctx context.Context, id string) (scan.Run, error)
	// ListScanRuns returns runs newest first, optionally for one provider.
	ListScanRuns(ctx context.Context, provider string) ([]scan.Run, error)
}

// Store is the complete persistence contract.
type Store interface {
	ResourceStore
	PolicyStore
	ComplianceStore
	WorkflowStore
	ScanRunStore
	Close() error
}
