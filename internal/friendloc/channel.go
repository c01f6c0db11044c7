// Package friendloc implements the live friend location channel: users publish
// their own position and observe complete snapshots of their friends'.
package friendloc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/domain"
)

// ErrMissingUser is returned when a write has no user id.
var ErrMissingUser = errors.New("user id is required")

// Options tunes resubscription.
type Options struct {
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Channel combines a Store with a Notifier.
type Channel struct {
	store    Store
	notifier Notifier
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	listening bool
	session   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a channel.
func New(store Store, notifier Notifier, opts Options, logger *zap.Logger) *Channel {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.RetryBackoff {
		opts.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("livemap.friendloc"),
	}
}

// StartListening opens a listening session. Calling it while already
// listening does nothing.
func (c *Channel) StartListening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return nil
	}
	c.session, c.cancel = context.WithCancel(context.Background())
	c.listening = true
	c.logger.Debug("friend location channel listening")
	return nil
}

// StopListening ends the session, closing every observer stream. It is safe
// to call repeatedly.
func (c *Channel) StopListening() {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.logger.Debug("friend location channel stopped")
}

// UpdateUserLocation publishes or overwrites the user's own position.
func (c *Channel) UpdateUserLocation(ctx context.Context, userID string, lat, lon float64) error {
	ctx, span := c.tracer.Start(ctx, "friendloc.update")
	defer span.End()
	if userID == "" {
		return ErrMissingUser
	}
	if err := domain.ValidateCoordinate(lat, lon); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("user_id", userID))

	if _, err := c.store.Put(ctx, userID, lat, lon); err != nil {
		publishTotal.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("store position: %w", err)
	}
	publishTotal.WithLabelValues("update", "ok").Inc()
	c.notify(ctx, userID)
	return nil
}

// RemoveUserLocation deletes the user's published position. Removing a
// position that was never published succeeds.
func (c *Channel) RemoveUserLocation(ctx context.Context, userID string) error {
	ctx, span := c.tracer.Start(ctx, "friendloc.remove")
	defer span.End()
	if userID == "" {
		return ErrMissingUser
	}
	span.SetAttributes(attribute.String("user_id", userID))

	if err := c.store.Delete(ctx, userID); err != nil {
		publishTotal.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("delete position: %w", err)
	}
	publishTotal.WithLabelValues("remove", "ok").Inc()
	c.notify(ctx, userID)
	return nil
}

// A lost notification is recovered by the reload observers do after resubscribing.
func (c *Channel) notify(ctx context.Context, userID string) {
	if err := c.notifier.Notify(ctx, userID); err != nil {
		c.logger.Warn("notify position change", zap.String("user_id", userID), zap.Error(err))
	}
}

// ObserveFriendLocations streams complete snapshots of the positions of
// friendIDs, never including selfID. The stream keeps only the latest
// undelivered snapshot and closes when ctx ends or listening stops. Without an
// active listening session the returned channel is already closed.
func (c *Channel) ObserveFriendLocations(ctx context.Context, selfID string, friendIDs []string) <-chan map[string]domain.Position {
	out := make(chan map[string]domain.Position, 1)
	roster := domain.NewRoster(friendIDs...).Without(selfID)

	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		close(out)
		return out
	}
	session := c.session
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer cancel()
		defer stop()
		observersGauge.Inc()
		defer observersGauge.Dec()
		c.observe(ctx, &observer{roster: roster, ids: roster.IDs(), out: out})
	}()
	return out
}

type observer struct {
	roster  domain.Roster
	ids     []string
	out     chan map[string]domain.Position
	known   map[string]domain.Position
	emitted bool
}

func (c *Channel) observe(ctx context.Context, o *observer) {
	backoff := c.opts.RetryBackoff
	for ctx.Err() == nil {
		sub, err := c.notifier.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			resubscribeTotal.Inc()
			c.logger.Warn("subscribe friend locations", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}
		backoff = c.opts.RetryBackoff
		c.pump(ctx, sub, o)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		resubscribeTotal.Inc()
		c.logger.Debug("friend location subscription lost, resubscribing")
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// pump reloads once after subscribing, so changes missed while disconnected
// are picked up, then on every relevant notification.
func (c *Channel) pump(ctx context.Context, sub Subscription, o *observer) {
	var retry <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if timer != nil {
			timer.Stop()
			timer, retry = nil, nil
		}
		if !c.reload(ctx, o) {
			timer = time.NewTimer(c.opts.RetryBackoff)
			retry = timer.C
		}
	}

	reload()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case id := <-sub.C():
			if o.roster.Contains(id) {
				reload()
			}
		case <-retry:
			reload()
		}
	}
}

// reload fetches the roster snapshot. On failure the last known snapshot stays
// in place and nothing is emitted.
func (c *Channel) reload(ctx context.Context, o *observer) bool {
	snap, err := c.store.Snapshot(ctx, o.ids)
	if err != nil {
		if ctx.Err() == nil {
			reloadFailures.Inc()
			c.logger.Warn("reload friend locations", zap.Error(err))
		}
		return false
	}
	next := make(map[string]domain.Position, len(snap))
	for id, pos := range snap {
		if o.roster.Contains(id) {
			next[id] = pos
		}
	}
	if o.emitted && samePositions(o.known, next) {
		return true
	}
	o.known = next
	o.emitted = true
	emitLatest(o.out, copyPositions(next))
	snapshotsEmitted.Inc()
	return true
}

func (c *Channel) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return d
}

// emitLatest replaces an undelivered snapshot with snap. out has a single producer.
func emitLatest(out chan map[string]domain.Position, snap map[string]domain.Position) {
	for {
		select {
		case out <- snap:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func samePositions(a, b map[string]domain.Position) bool {
	if len(a) != len(b) {
		return false
	}
	for id, pos := range a {
		if other, ok := b[id]; !ok || other != pos {
			return false
		}
	}
	return true
}

func copyPositions(in map[string]domain.Position) map[string]domain.Position {
	out := make(map[string]domain.Position, len(in))
	for id, pos := range in {
		out[id] = pos
	}
	return out
}
