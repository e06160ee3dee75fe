package bolt

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

// CreateWorkflow stores wf at version 1. The open_workflows bucket maps a
// resource to its single non-terminal workflow.
func (s *Store) CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	if err := checkCtx(ctx); err != nil {
		return workflow.Workflow{}, err
	}
	if wf.ID == "" {
		return workflow.Workflow{}, errors.New("create workflow: empty id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		open := tx.Bucket(bucketOpenWorkflows)

		if b.Get([]byte(wf.ID)) != nil {
			return fmt.Errorf("workflow %s already exists", wf.ID)
		}
		if wf.Open() {
			if existing := open.Get([]byte(wf.ResourceID)); existing != nil {
				return fmt.Errorf("%w: %s", store.ErrOpenWorkflowExists, existing)
			}
			if err := open.Put([]byte(wf.ResourceID), []byte(wf.ID)); err != nil {
				return err
			}
		}

		wf.Version = 1
		return put(b, wf.ID, wf)
	})
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("create workflow for %s: %w", wf.ResourceID, err)
	}
	return wf, nil
}

// GetWorkflow returns a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	if err := checkCtx(ctx); err != nil {
		return workflow.Workflow{}, err
	}
	var wf workflow.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketWorkflows), id, &wf)
	})
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// UpdateWorkflow writes wf if the stored version equals expectedVersion and
// releases the resource's open slot once wf is terminal.
func (s *Store) UpdateWorkflow(ctx context.Context, wf workflow.Workflow, expectedVersion int64) (workflow.Workflow, error) {
	if err := checkCtx(ctx); err != nil {
		return workflow.Workflow{}, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)

		var stored workflow.Workflow
		if err := get(b, wf.ID, &stored); err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: stored version %d, expected %d", store.ErrConflict, stored.Version, expectedVersion)
		}

		if !wf.Open() {
			open := tx.Bucket(bucketOpenWorkflows)
			if string(open.Get([]byte(wf.ResourceID))) == wf.ID {
				if err := open.Delete([]byte(wf.ResourceID)); err != nil {
					return err
				}
			}
		}

		wf.Version = stored.Version + 1
		return put(b, wf.ID, wf)
	})
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("update workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}

// ListWorkflows returns workflows matching f, oldest first.
func (s *Store) ListWorkflows(ctx context.Context, f store.WorkflowFilter) ([]workflow.Workflow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []workflow.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket(bucketWorkflows), func(wf workflow.Workflow) error {
			if (f.State == "" || wf.State == f.State) && (f.ResourceID == "" || wf.ResourceID == f.ResourceID) {
				out = append(out, wf)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// OpenWorkflow returns the non-terminal workflow of a resource.
func (s *Store) OpenWorkflow(ctx context.Context, resourceID string) (workflow.Workflow, error) {
	if err := checkCtx(ctx); err != nil {
		return workflow.Workflow{}, err
	}
	var wf workflow.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketOpenWorkflows).Get([]byte(resourceID))
		if id == nil {
			return store.ErrNotFound
		}
		return get(tx.Bucket(bucketWorkflows), string(id), &wf)
	})
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("open workflow of %s: %w", resourceID, err)
	}
	return wf, nil
}
