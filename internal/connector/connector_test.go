package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func rec(id string) native.Record {
	return &native.AWSRecord{ResourceID: id, ResourceType: "ec2"}
}

// pager serves fixed pages and fails the listed page numbers once.
type pager struct {
	pages   [][]native.Record
	cursor  int
	failing map[int]bool
	calls   int
}

func (p *pager) fetch(_ context.Context) (Page, error) {
	p.calls++
	if p.failing[p.cursor] {
		delete(p.failing, p.cursor)
		return Page{}, retry.Transient(errors.New("Throttling"))
	}
	page := Page{Records: p.pages[p.cursor], Done: p.cursor == len(p.pages)-1}
	p.cursor++
	return page, nil
}

func ids(recs []native.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID())
	}
	return out
}

func TestPaginate_YieldsAllPages(t *testing.T) {
	p := &pager{pages: [][]native.Record{{rec("a"), rec("b")}, {rec("c")}}}

	got, err := Collect(Paginate(context.Background(), p.fetch, PageOptions{Retry: fastRetry}))

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestPaginate_RetriesFailedPageFromSameCursor(t *testing.T) {
	p := &pager{
		pages:   [][]native.Record{{rec("a")}, {rec("b")}, {rec("c")}},
		failing: map[int]bool{1: true},
	}

	got, err := Collect(Paginate(context.Background(), p.fetch, PageOptions{Retry: fastRetry}))

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, 4, p.calls)
}

func TestPaginate_PermanentErrorEndsSequence(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (Page, error) {
		calls++
		if calls == 1 {
			return Page{Records: []native.Record{rec("a")}}, nil
		}
		return Page{}, retry.Permanent(errors.New("AccessDenied"))
	}

	got, err := Collect(Paginate(context.Background(), fetch, PageOptions{Retry: fastRetry}))

	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestPaginate_CancelCommitsInFlightPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	fetch := func(callCtx context.Context) (Page, error) {
		calls.Add(1)
		cancel()
		// The call context is detached from the caller.
		if callCtx.Err() != nil {
			return Page{}, callCtx.Err()
		}
		return Page{Records: []native.Record{rec("in-flight")}}, nil
	}

	got, err := Collect(Paginate(ctx, fetch, PageOptions{Retry: fastRetry}))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"in-flight"}, ids(got))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPaginate_StopsWhenConsumerStops(t *testing.T) {
	p := &pager{pages: [][]native.Record{{rec("a"), rec("b")}, {rec("c")}}}

	var seen []string
	for r, err := range Paginate(context.Background(), p.fetch, PageOptions{Retry: fastRetry}) {
		require.NoError(t, err)
		seen = append(seen, r.ID())
		break
	}

	assert.Equal(t, []string{"a"}, seen)
	assert.Equal(t, 1, p.calls)
}

func TestApplyResult_Helpers(t *testing.T) {
	changes := map[string]string{"b": "2", "a": "1"}

	assert.Equal(t, []string{"a", "b"}, AllApplied(changes).Applied)

	failed := FailAll(changes, errors.New("boom"))
	assert.Equal(t, []string{"a", "b"}, failed.FailedKeys())
}
