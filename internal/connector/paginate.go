package connector

import (
	"context"
	"errors"
	"iter"
	"time"

	"golang.org/x/time/rate"

	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// DefaultCallTimeout bounds a single page fetch.
const DefaultCallTimeout = 2 * time.Minute

// Page is one page of native records.
type Page struct {
	Records []native.Record
	Done    bool
}

// PageFunc fetches the next page. It must only advance its cursor when it
// succeeds, so that a retried call re-fetches the same page.
type PageFunc func(ctx context.Context) (Page, error)

// PageOptions tunes Paginate.
type PageOptions struct {
	Name        string
	Limiter     *rate.Limiter
	Retry       retry.Policy
	CallTimeout time.Duration
}

// Paginate turns a PageFunc into a lazy record sequence.
//
// Each fetch waits on the limiter and runs under its own timeout on a
// context that ignores cancellation of ctx, so a call already in flight
// completes and its records are still yielded. Cancellation is observed
// between pages: the sequence yields ctx's error and stops.
func Paginate(ctx context.Context, fetch PageFunc, opts PageOptions) iter.Seq2[native.Record, error] {
	timeout := opts.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	return func(yield func(native.Record, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := retry.Do(ctx, opts.Retry, opts.Name, func() (Page, error) {
				if opts.Limiter != nil {
					if err := opts.Limiter.Wait(ctx); err != nil {
						return Page{}, err
					}
				}
				callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
				defer cancel()

				p, err := fetch(callCtx)
				if errors.Is(err, context.DeadlineExceeded) {
					return p, retry.Transient(err)
				}
				return p, err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if page.Done {
				return
			}
		}
	}
}

// Collect drains a sequence, returning the records read before the first error.
func Collect(seq iter.Seq2[native.Record, error]) ([]native.Record, error) {
	var out []native.Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
