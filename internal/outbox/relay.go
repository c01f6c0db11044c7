// Package outbox relays catalog change records written alongside catalog
// updates to NATS, so open map sessions refresh without polling.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventsTopic carries the uid of a changed catalog event.
const EventsTopic = "catalog.events"

// Schema creates the relay table.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE NOT published;
`

var (
	announcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_outbox_announced_total",
		Help: "Catalog changes published to NATS",
	})
	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_outbox_coalesced_total",
		Help: "Outbox rows folded into an earlier change of the same batch",
	})
	announceFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_outbox_fail_total",
		Help: "Catalog changes abandoned after exhausting publish attempts",
	})
	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_outbox_pruned_total",
		Help: "Published outbox rows deleted after the retention period",
	})
	lagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livemap_outbox_lag_seconds",
		Help: "Age of the oldest change in the last relayed batch",
	})
)

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue records a change to announce. Call it inside the transaction that
// makes the change so both commit together.
func Enqueue(ctx context.Context, exec Execer, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("outbox topic required")
	}
	if _, err := exec.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payload); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// RelayConfig tunes the relay. Zero values take defaults; a zero Retention
// keeps published rows forever.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Attempts     int
	Backoff      time.Duration
	Retention    time.Duration
}

// Relay claims unpublished rows, announces each distinct change once and
// marks every claimed row published in the same transaction.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	logger    *zap.Logger
	cfg       RelayConfig
	tracer    trace.Tracer
}

// NewRelay constructs a relay over db.
func NewRelay(db *sql.DB, publisher Publisher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{db: db, publisher: publisher, logger: logger, cfg: cfg, tracer: otel.Tracer("livemap.outbox")}
}

// Run relays batches until ctx is cancelled. A full batch is followed
// immediately by the next one.
func (r *Relay) Run(ctx context.Context) error {
	if r.db == nil || r.publisher == nil {
		return errors.New("outbox relay requires database and publisher")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		claimed, err := r.relayBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("outbox batch failed", zap.Error(err))
		}
		if err == nil && claimed == r.cfg.BatchSize {
			timer.Reset(0)
			continue
		}
		timer.Reset(r.cfg.PollInterval)
	}
}

type row struct {
	id        int64
	topic     string
	payload   []byte
	createdAt time.Time
}

// change is one distinct message and the outbox rows it settles.
type change struct {
	topic   string
	payload []byte
	ids     []int64
	oldest  time.Time
}

// coalesce folds rows with equal topic and payload into one change, in order
// of first appearance. An event edited several times between polls is
// announced once.
func coalesce(rows []row) []change {
	index := make(map[string]int, len(rows))
	out := make([]change, 0, len(rows))
	for _, rw := range rows {
		key := rw.topic + "\x00" + string(rw.payload)
		if i, ok := index[key]; ok {
			out[i].ids = append(out[i].ids, rw.id)
			coalescedTotal.Inc()
			continue
		}
		index[key] = len(out)
		out = append(out, change{topic: rw.topic, payload: rw.payload, ids: []int64{rw.id}, oldest: rw.createdAt})
	}
	return out
}

// relayBatch returns the number of rows claimed. Nothing is marked published
// unless every change in the batch was announced.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := r.claim(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(rows)))
	if len(rows) == 0 {
		return 0, r.finish(ctx, tx)
	}

	settled := make([]int64, 0, len(rows))
	var oldest time.Time
	for _, ch := range coalesce(rows) {
		if err := r.announce(ctx, ch); err != nil {
			return len(rows), err
		}
		settled = append(settled, ch.ids...)
		if oldest.IsZero() || ch.oldest.Before(oldest) {
			oldest = ch.oldest
		}
	}
	lagSeconds.Set(time.Since(oldest).Seconds())
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published = true WHERE id = ANY($1)`, settled); err != nil {
		return len(rows), fmt.Errorf("mark published: %w", err)
	}
	return len(rows), r.finish(ctx, tx)
}

func (r *Relay) claim(ctx context.Context, tx *sql.Tx) ([]row, error) {
	rs, err := tx.QueryContext(ctx, `SELECT id, topic, payload, created_at FROM outbox
WHERE NOT published ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rs.Close()
	var out []row
	for rs.Next() {
		var rw row
		if err := rs.Scan(&rw.id, &rw.topic, &rw.payload, &rw.createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, rw)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// finish prunes expired published rows and commits.
func (r *Relay) finish(ctx context.Context, tx *sql.Tx) error {
	if r.cfg.Retention > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE published AND created_at < $1`, time.Now().Add(-r.cfg.Retention))
		if err != nil {
			return fmt.Errorf("prune outbox: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			prunedTotal.Add(float64(n))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox: %w", err)
	}
	return nil
}

// announce publishes ch, retrying with doubling backoff. The current trace
// context travels in the message headers.
func (r *Relay) announce(ctx context.Context, ch change) error {
	ctx, span := r.tracer.Start(ctx, "outbox.announce", trace.WithAttributes(
		attribute.String("outbox.topic", ch.topic),
		attribute.Int("outbox.rows", len(ch.ids)),
	))
	defer span.End()
	if ch.topic == "" {
		return fmt.Errorf("outbox rows %v missing topic", ch.ids)
	}
	msg := nats.NewMsg(ch.topic)
	msg.Data = ch.payload
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	backoff := r.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := r.publisher.PublishMsg(msg)
		if err == nil {
			announcedTotal.Inc()
			return nil
		}
		r.logger.Warn("announce failed",
			zap.String("topic", ch.topic),
			zap.ByteString("payload", ch.payload),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt >= r.cfg.Attempts {
			announceFailTotal.Inc()
			span.RecordError(err)
			return fmt.Errorf("announce %s %q: %w", ch.topic, ch.payload, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
