package friendloc

import (
	"context"
	"errors"
	"sync"
)

// ErrNotifierClosed is returned by Subscribe after the notifier shut down.
var ErrNotifierClosed = errors.New("notifier closed")

// Notifier fans out "user X changed" signals between publishers and observers.
type Notifier interface {
	Notify(ctx context.Context, userID string) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription delivers changed user ids. Done is closed when the underlying
// transport is lost; the subscriber is expected to subscribe again.
type Subscription interface {
	C() <-chan string
	Done() <-chan struct{}
	Close() error
}

// subscription is the shared Subscription implementation.
type subscription struct {
	ch      chan string
	done    chan struct{}
	once    sync.Once
	release func() error
}

func newSubscription(buffer int, release func() error) *subscription {
	return &subscription{ch: make(chan string, buffer), done: make(chan struct{}), release: release}
}

func (s *subscription) C() <-chan string      { return s.ch }
func (s *subscription) Done() <-chan struct{} { return s.done }

// deliver never blocks. A subscriber whose buffer is full is dropped; its
// observer resubscribes and reloads a full snapshot.
func (s *subscription) deliver(id string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- id:
		return true
	default:
		slowSubscriberDrops.Inc()
		_ = s.Close()
		return false
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

// MemoryNotifier is an in-process broker.
type MemoryNotifier struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewMemoryNotifier constructs the broker.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[*subscription]struct{})}
}

// Notify delivers userID to every live subscription.
func (m *MemoryNotifier) Notify(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		s.deliver(userID)
	}
	return nil
}

// Subscribe registers a new subscription.
func (m *MemoryNotifier) Subscribe(_ context.Context) (Subscription, error) {
	var sub *subscription
	sub = newSubscription(64, func() error {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		return nil
	})
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// Disconnect drops every live subscription as a transport failure would.
func (m *MemoryNotifier) Disconnect() {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

// Subscribers reports the number of live subscriptions.
func (m *MemoryNotifier) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
