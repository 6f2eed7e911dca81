package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stravasync/internal/record"
)

// Sentinel errors returned by collaborators.
var (
	// ErrBudgetExhausted means the call budget ran out. Callers treat this as
	// partial progress, never as a failed run.
	ErrBudgetExhausted = errors.New("upstream call budget exhausted")

	// ErrNotFound means the upstream no longer has the entity.
	ErrNotFound = errors.New("upstream entity not found")

	// ErrResponseTooLarge means a response body exceeded the client's limit.
	ErrResponseTooLarge = errors.New("response too large")
)

// FetchError is an upstream failure the core cannot recover from locally
// (rate limit, expired credentials, server error). Published state is never
// touched on this path; the run is retried wholesale later.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt may succeed without operator
// action. Auth failures need a new token first.
func (e *FetchError) Retryable() bool {
	switch {
	case e.Status == 401 || e.Status == 403:
		return false
	case e.Status == 429, e.Status >= 500, e.Status == 0:
		return true
	}
	return false
}

// IsFetchError reports whether err is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// ListQuery selects one page of summary activities.
type ListQuery struct {
	// After restricts results to activities starting strictly after it.
	After *time.Time

	// Page is 1-based.
	Page int

	// PerPage is clamped to 1..200 by the client.
	PerPage int
}

// ActivityLister returns pages of summary activities, newest-first or
// oldest-first as the upstream chooses. An empty page ends the listing.
type ActivityLister interface {
	ListActivities(ctx context.Context, q ListQuery) ([]record.Row, error)
}

// DetailFetcher returns the richer detail record for one activity.
// Returns ErrNotFound if the upstream has no such activity.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, id int64, includeEfforts bool) (record.Row, error)
}

// OwnerResolver returns the authenticated owner's id.
type OwnerResolver interface {
	OwnerID(ctx context.Context) (int64, error)
}

// ClampPerPage bounds a page size to the range the upstream accepts.
func ClampPerPage(n int) int {
	if n < 1 {
		return 1
	}
	if n > 200 {
		return 200
	}
	return n
}

// budgetedFetcher spends one budget call per fetch.
type budgetedFetcher struct {
	inner  DetailFetcher
	budget *Budget
}

// WithBudget wraps f so every fetch first acquires a call from b.
// Returns ErrBudgetExhausted without calling f once b is spent.
func WithBudget(f DetailFetcher, b *Budget) DetailFetcher {
	return &budgetedFetcher{inner: f, budget: b}
}

func (f *budgetedFetcher) FetchDetail(ctx context.Context, id int64, includeEfforts bool) (record.Row, error) {
	if err := f.budget.Acquire(ctx); err != nil {
		return nil, err
	}
	return f.inner.FetchDetail(ctx, id, includeEfforts)
}

// budgetedLister spends one budget call per page.
type budgetedLister struct {
	inner  ActivityLister
	budget *Budget
}

// ListWithBudget wraps l so every page first acquires a call from b.
func ListWithBudget(l ActivityLister, b *Budget) ActivityLister {
	return &budgetedLister{inner: l, budget: b}
}

func (l *budgetedLister) ListActivities(ctx context.Context, q ListQuery) ([]record.Row, error) {
	if err := l.budget.Acquire(ctx); err != nil {
		return nil, err
	}
	return l.inner.ListActivities(ctx, q)
}
