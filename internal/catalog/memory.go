package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/example/livemap/internal/livemap/domain"
)

// MemoryEvents is an in-memory event catalog.
type MemoryEvents struct {
	mu     sync.RWMutex
	events map[string]domain.Event
}

// NewMemoryEvents seeds a catalog.
func NewMemoryEvents(events ...domain.Event) *MemoryEvents {
	m := &MemoryEvents{events: make(map[string]domain.Event, len(events))}
	for _, ev := range events {
		m.events[ev.UID] = ev
	}
	return m
}

// GetAllVisibleEvents returns events ordered by start time then uid.
func (m *MemoryEvents) GetAllVisibleEvents(context.Context) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

// PutEvent inserts or replaces an event.
func (m *MemoryEvents) PutEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.UID] = ev
	return nil
}

// MemoryFriends is an in-memory social graph.
type MemoryFriends struct {
	mu      sync.RWMutex
	friends map[string]map[string]struct{}
}

// NewMemoryFriends constructs an empty graph.
func NewMemoryFriends() *MemoryFriends {
	return &MemoryFriends{friends: map[string]map[string]struct{}{}}
}

// GetFriends lists the friend ids of userID in id order.
func (m *MemoryFriends) GetFriends(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.friends[userID]))
	for id := range m.friends[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Befriend records a mutual friendship.
func (m *MemoryFriends) Befriend(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link(a, b)
	m.link(b, a)
	return nil
}

// Unfriend removes a friendship in both directions.
func (m *MemoryFriends) Unfriend(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.friends[a], b)
	delete(m.friends[b], a)
	return nil
}

func (m *MemoryFriends) link(from, to string) {
	set, ok := m.friends[from]
	if !ok {
		set = map[string]struct{}{}
		m.friends[from] = set
	}
	set[to] = struct{}{}
}
