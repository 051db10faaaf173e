// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL proof archives.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound      = errors.New("not found")      // Returned when a proof is not found
	ErrConflict      = errors.New("conflict")       // Returned when a proof already exists
	ErrInvalidCursor = errors.New("invalid cursor") // Returned when a pagination cursor cannot be decoded
)

// Page size bounds for ListProofs.
const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// Store is the proof archive used by the fitproof service.
// It is implemented by both in-memory and PostgreSQL backends.
type Store interface {
	SaveProof(ctx context.Context, rec model.ProofRecord) error                                   // Archive a new proof
	UpdateProof(ctx context.Context, rec model.ProofRecord) error                                 // Record the publish outcome
	GetProof(ctx context.Context, proofID string) (*model.ProofRecord, error)                     // Fetch one proof
	ListProofs(ctx context.Context, query model.ListProofsQuery) (*model.ListProofsResult, error) // Newest first, paginated
	Ping(ctx context.Context) error                                                               // Readiness check
	Close()
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu        sync.RWMutex                  // Protects concurrent access to maps
	proofs    map[string]*model.ProofRecord // Map of proof ID to record
	bySubject map[string][]string           // Map of subject to proof IDs
}

// NewMemory creates a new in-memory archive.
func NewMemory() Store {
	return &memory{
		proofs:    make(map[string]*model.ProofRecord),
		bySubject: make(map[string][]string),
	}
}

func (m *memory) SaveProof(ctx context.Context, rec model.ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.proofs[rec.ProofID]; exists {
		return ErrConflict
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; cursors must compare equal across backends.
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	cp := copyRecord(rec)
	m.proofs[rec.ProofID] = &cp
	m.bySubject[rec.Subject] = append(m.bySubject[rec.Subject], rec.ProofID)
	return nil
}

func (m *memory) UpdateProof(ctx context.Context, rec model.ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.proofs[rec.ProofID]
	if !exists {
		return ErrNotFound
	}
	// Identity and content are immutable; only the publication outcome changes.
	existing.Verified = rec.Verified
	existing.Published = rec.Published
	existing.RemoteURL = rec.RemoteURL
	existing.MirrorURL = rec.MirrorURL
	existing.PublishError = rec.PublishError
	return nil
}

func (m *memory) GetProof(ctx context.Context, proofID string) (*model.ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.proofs[proofID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := copyRecord(*rec)
	return &cp, nil
}

func (m *memory) ListProofs(ctx context.Context, query model.ListProofsQuery) (*model.ListProofsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySubject[query.Subject]
	recs := make([]*model.ProofRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, m.proofs[id])
	}
	// Sort by createdAt descending, then by proof ID ascending for stable ordering
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ProofID < recs[j].ProofID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	start := 0
	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		start = len(recs)
		for i, rec := range recs {
			if rec.CreatedAt.Before(c.LastCreatedAt) ||
				(rec.CreatedAt.Equal(c.LastCreatedAt) && rec.ProofID > c.LastProofID) {
				start = i
				break
			}
		}
	}

	limit := clampLimit(query.Limit)
	end := start + limit
	if end > len(recs) {
		end = len(recs)
	}

	result := &model.ListProofsResult{Proofs: make([]model.ProofRecord, 0, end-start)}
	for _, rec := range recs[start:end] {
		result.Proofs = append(result.Proofs, copyRecord(*rec))
	}
	if end < len(recs) && len(result.Proofs) > 0 {
		last := result.Proofs[len(result.Proofs)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ProofID)
	}
	return result, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

func copyRecord(rec model.ProofRecord) model.ProofRecord {
	cp := rec
	cp.Proof.WorkoutData = append([]byte(nil), rec.Proof.WorkoutData...)
	return cp
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// cursorData represents the position encoded in a pagination cursor
type cursorData struct {
	LastCreatedAt time.Time `json:"lastCreatedAt"` // Creation time of the last proof returned
	LastProofID   string    `json:"lastProofId"`   // ID of the last proof returned
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastCreatedAt time.Time, lastProofID string) string {
	jsonBytes, _ := json.Marshal(cursorData{LastCreatedAt: lastCreatedAt, LastProofID: lastProofID})
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*cursorData, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrInvalidCursor, err)
	}
	var data cursorData
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, fmt.Errorf("%w: bad payload: %v", ErrInvalidCursor, err)
	}
	return &data, nil
}
