package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-escrow/internal/models"
)

var (
	ErrNotFound = errors.New("ride request not found")
	ErrExists   = errors.New("ride request already exists")
)

// ConflictError reports a failed conditional write. Current is the record as
// it stood at commit time, so the loser of a race can inspect who won.
type ConflictError struct {
	Current *models.RideRequest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: ride %s is %s at version %d", e.Current.ID, e.Current.Status, e.Current.Version)
}

// AsConflict unwraps a ConflictError, returning the current record.
func AsConflict(err error) (*models.RideRequest, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Current, true
	}
	return nil, false
}

// Mutation is the set of fields a transition may change. Zero-valued fields
// are left untouched; Status is always applied. Timestamps are one-shot:
// they are only ever written on the transition that introduces them.
type Mutation struct {
	Status      models.Status
	DriverID    string
	CaptureID   string
	AcceptedAt  *time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
}

// Store is the durable, versioned home of ride requests. CompareAndSwap is
// the only way to mutate an existing record: the write commits only if both
// version and status still match, otherwise a ConflictError carrying the
// current record is returned. No other read-modify-write pattern exists,
// since any gap between read and write reintroduces the claim race.
type Store interface {
	Insert(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	GetByPaymentRef(ctx context.Context, ref string) (*models.RideRequest, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.RideRequest, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, expectedStatus models.Status, mut Mutation) (*models.RideRequest, error)
}

// MemoryStore keeps records in-process. Used in tests and for local runs
// without Postgres; the mutex makes CompareAndSwap atomic the same way the
// conditional UPDATE does in the Postgres implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) Insert(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrExists
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.PaymentRef == ref {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status != status {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, expectedStatus models.Status, mut Mutation) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Version != expectedVersion || r.Status != expectedStatus {
		return nil, &ConflictError{Current: r.Clone()}
	}
	applyMutation(r, mut)
	r.Version++
	return r.Clone(), nil
}

func applyMutation(r *models.RideRequest, mut Mutation) {
	r.Status = mut.Status
	if mut.DriverID != "" {
		r.DriverID = mut.DriverID
	}
	if mut.CaptureID != "" {
		r.CaptureID = mut.CaptureID
	}
	if mut.AcceptedAt != nil {
		r.AcceptedAt = mut.AcceptedAt
	}
	if mut.CompletedAt != nil {
		r.CompletedAt = mut.CompletedAt
	}
	if mut.CanceledAt != nil {
		r.CanceledAt = mut.CanceledAt
	}
}
