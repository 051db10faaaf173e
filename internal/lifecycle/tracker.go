// Package lifecycle tracks the per-subject sync/verify state machine.
//
// Every selection carries a generation number. Work started under one generation
// may only complete under the same generation; a completion that arrives after the
// day changed is dropped with ErrStale.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// State is one node of the state machine.
type State string

const (
	Idle          State = "idle"
	LoadingSync   State = "loading_sync"
	Synced        State = "synced"
	SyncError     State = "sync_error"
	LoadingVerify State = "loading_verify"
	Verified      State = "verified"
	VerifyError   State = "verify_error"
)

// ErrStale reports a completion for a selection that has since been replaced.
var ErrStale = errors.New("lifecycle: stale completion")

// Selection is the state of one subject's currently selected day.
type Selection struct {
	Day        time.Time
	Generation uint64
	State      State
	Record     *model.WorkoutRecord
	Proof      *model.Proof
	Err        error
}

func (s Selection) copy() Selection {
	cp := s
	if s.Record != nil {
		rec := s.Record.Clone()
		cp.Record = &rec
	}
	if s.Proof != nil {
		p := *s.Proof
		p.WorkoutData = append([]byte(nil), s.Proof.WorkoutData...)
		cp.Proof = &p
	}
	return cp
}

// Tracker holds one Selection per subject. It is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	subs map[string]*Selection
	gen  uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{subs: make(map[string]*Selection)}
}

// Select resets subject to idle for day and starts a new generation.
func (t *Tracker) Select(subject string, day time.Time) Selection {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	sel := &Selection{Day: day, Generation: t.gen, State: Idle}
	t.subs[subject] = sel
	return sel.copy()
}

// Current returns the subject's selection, if any.
func (t *Tracker) Current(subject string) (Selection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, ok := t.subs[subject]
	if !ok {
		return Selection{}, false
	}
	return sel.copy(), true
}

func invalid(from State, op string) error {
	return errordefs.NewWithDetails(errordefs.FP_INVALID_TRANSITION,
		fmt.Sprintf("cannot %s from state %s", op, from), "", map[string]string{"state": string(from)})
}

func (t *Tracker) selection(subject string) (*Selection, error) {
	sel, ok := t.subs[subject]
	if !ok {
		return nil, errordefs.New(errordefs.FP_INVALID_TRANSITION, "no day selected", "")
	}
	return sel, nil
}

// BeginSync moves to loading_sync and returns the generation to finish with.
func (t *Tracker) BeginSync(subject string) (Selection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, err := t.selection(subject)
	if err != nil {
		return Selection{}, err
	}
	switch sel.State {
	case Idle, Synced, SyncError, VerifyError:
	default:
		return Selection{}, invalid(sel.State, "sync")
	}
	sel.State = LoadingSync
	sel.Record, sel.Proof, sel.Err = nil, nil, nil
	return sel.copy(), nil
}

// FinishSync records the sync outcome. A nil record with a nil error is treated as an error.
func (t *Tracker) FinishSync(subject string, gen uint64, rec *model.WorkoutRecord, syncErr error) (Selection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, ok := t.subs[subject]
	if !ok || sel.Generation != gen || sel.State != LoadingSync {
		return Selection{}, ErrStale
	}
	if syncErr != nil || rec == nil {
		if syncErr == nil {
			syncErr = errordefs.New(errordefs.FP_INTERNAL, "sync produced no record", "")
		}
		sel.State = SyncError
		sel.Err = syncErr
		// A partial record is still shown.
		if rec != nil {
			r := rec.Clone()
			sel.Record = &r
		}
		return sel.copy(), nil
	}
	r := rec.Clone()
	sel.State = Synced
	sel.Record = &r
	return sel.copy(), nil
}

// BeginVerify moves to loading_verify and hands out a read-only copy of the synced record.
func (t *Tracker) BeginVerify(subject string) (Selection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, err := t.selection(subject)
	if err != nil {
		return Selection{}, err
	}
	switch sel.State {
	case Synced, VerifyError:
	default:
		return Selection{}, invalid(sel.State, "verify")
	}
	if sel.Record == nil {
		return Selection{}, invalid(sel.State, "verify without a record")
	}
	sel.State = LoadingVerify
	sel.Proof, sel.Err = nil, nil
	return sel.copy(), nil
}

// FinishVerify records the verify outcome. A proof may accompany an error when the
// proof was built but publishing failed.
func (t *Tracker) FinishVerify(subject string, gen uint64, p *model.Proof, verifyErr error) (Selection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, ok := t.subs[subject]
	if !ok || sel.Generation != gen || sel.State != LoadingVerify {
		return Selection{}, ErrStale
	}
	if p != nil {
		cp := *p
		cp.WorkoutData = append([]byte(nil), p.WorkoutData...)
		sel.Proof = &cp
	}
	if verifyErr != nil {
		sel.State = VerifyError
		sel.Err = verifyErr
		return sel.copy(), nil
	}
	sel.State = Verified
	return sel.copy(), nil
}
