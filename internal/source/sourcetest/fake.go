// Package sourcetest provides an in-memory MetricSource for tests.
package sourcetest

import (
	"context"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
)

// Response is the canned answer for one request name.
type Response struct {
	Result source.Result
	Err    error
	Delay  time.Duration  // Wait before answering; respects ctx
	Gate   <-chan struct{} // Block until closed, when set
}

// Fake is a scripted MetricSource. Unscripted requests return an empty result.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     map[string]int
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		responses: make(map[string]Response),
		calls:     make(map[string]int),
	}
}

// On scripts the response for a metric kind.
func (f *Fake) On(kind model.MetricKind, resp Response) *Fake {
	return f.set(string(kind), resp)
}

// OnSession scripts the response for the session request.
func (f *Fake) OnSession(resp Response) *Fake {
	return f.set("session", resp)
}

func (f *Fake) set(name string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[name] = resp
	return f
}

// Query implements source.MetricSource.
func (f *Fake) Query(ctx context.Context, _ source.Account, req source.Request) (source.Result, error) {
	f.mu.Lock()
	f.calls[req.Name()]++
	resp := f.responses[req.Name()]
	f.mu.Unlock()

	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return source.Result{}, ctx.Err()
		}
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return source.Result{}, ctx.Err()
		}
	}
	return resp.Result, resp.Err
}

// Calls returns how many times the named request was issued.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// TotalCalls returns the number of requests issued.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Bucket builds a one-metric bucket for day.
func Bucket(day time.Time, kind model.MetricKind, v float64) model.DailyBucket {
	return model.DailyBucket{Day: day, Values: map[model.MetricKind]float64{kind: v}}
}

// Buckets wraps buckets in a Response.
func Buckets(b ...model.DailyBucket) Response {
	return Response{Result: source.Result{Buckets: b}}
}

// Sessions wraps sessions in a Response.
func Sessions(s ...model.Session) Response {
	return Response{Result: source.Result{Sessions: s}}
}

// Fail returns a Response that fails with err.
func Fail(err error) Response {
	return Response{Err: err}
}
