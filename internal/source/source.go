// Package source defines the MetricSource capability the aggregator fans out against.
package source

import (
	"context"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// Account is an opaque handle proving an authenticated provider session.
// The zero value means no session exists.
type Account string

// Request asks for one metric kind, or for session data when Session is set.
type Request struct {
	Kind    model.MetricKind // Metric to aggregate; ignored for session requests
	Session bool             // Request session-level samples instead of buckets
	Window  model.TimeWindow // Half-open time range
}

// Name identifies the request in logs, metrics and error messages.
func (r Request) Name() string {
	if r.Session {
		return "session"
	}
	return string(r.Kind)
}

// Result carries either day buckets or sessions.
type Result struct {
	Buckets  []model.DailyBucket
	Sessions []model.Session
}

// Empty reports whether the result holds no data at all.
func (r Result) Empty() bool {
	if len(r.Sessions) > 0 {
		return false
	}
	for _, b := range r.Buckets {
		if b.HasData() {
			return false
		}
	}
	return true
}

// MetricSource answers metric queries for an account. Implementations must be safe
// for concurrent use; the aggregator issues every request in parallel.
type MetricSource interface {
	Query(ctx context.Context, account Account, req Request) (Result, error)
}

// PermissionChecker re-checks the provider scopes granted to an account.
type PermissionChecker interface {
	Recheck(ctx context.Context, account Account) error
}

// PermissionCheckerFunc adapts a function to PermissionChecker.
type PermissionCheckerFunc func(ctx context.Context, account Account) error

// Recheck implements PermissionChecker.
func (f PermissionCheckerFunc) Recheck(ctx context.Context, account Account) error {
	return f(ctx, account)
}
