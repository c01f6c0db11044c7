package friendloc

import (
	"context"
	"sync"

	"github.com/example/livemap/internal/livemap/domain"
)

// Store keeps the latest published position per user. Implementations stamp
// CapturedAtMillis with their own receipt time so ordering never depends on
// publisher clocks.
type Store interface {
	Put(ctx context.Context, userID string, lat, lon float64) (domain.Position, error)
	Delete(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, ids []string) (map[string]domain.Position, error)
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     domain.Clock
	positions map[string]domain.Position
}

// NewMemoryStore constructs an empty store. A nil clock uses the system clock.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{clock: clock, positions: make(map[string]domain.Position)}
}

// Put overwrites the user's position.
func (m *MemoryStore) Put(_ context.Context, userID string, lat, lon float64) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := domain.Position{
		UserID:           userID,
		Latitude:         lat,
		Longitude:        lon,
		CapturedAtMillis: m.clock.Now().UnixMilli(),
	}
	m.positions[userID] = pos
	return pos, nil
}

// Delete removes the user's position if present.
func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, userID)
	return nil
}

// Snapshot returns the known positions among ids.
func (m *MemoryStore) Snapshot(_ context.Context, ids []string) (map[string]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.Position, len(ids))
	for _, id := range ids {
		if pos, ok := m.positions[id]; ok {
			res[id] = pos
		}
	}
	return res, nil
}
