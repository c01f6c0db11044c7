package friendloc

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

const defaultUpdatesSubject = "friendloc.updates"

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// NATSNotifier carries change signals over a NATS subject. The payload is the
// changed user id so ids never need to be valid subject tokens.
type NATSNotifier struct {
	conn       natsConn
	subject    string
	checkEvery time.Duration
}

// NewNATSNotifier constructs the notifier.
func NewNATSNotifier(conn *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = defaultUpdatesSubject
	}
	return &NATSNotifier{conn: conn, subject: subject, checkEvery: time.Second}
}

// Notify publishes the changed user id with the caller's trace id.
func (n *NATSNotifier) Notify(ctx context.Context, userID string) error {
	msg := nats.NewMsg(n.subject)
	msg.Data = []byte(userID)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		msg.Header.Set("x-trace-id", sc.TraceID().String())
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe creates a channel subscription. Done fires once the NATS
// subscription is no longer valid, e.g. after the connection closed.
func (n *NATSNotifier) Subscribe(_ context.Context) (Subscription, error) {
	msgs := make(chan *nats.Msg, 64)
	ns, err := n.conn.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	sub := newSubscription(64, func() error {
		if !ns.IsValid() {
			return nil
		}
		return ns.Unsubscribe()
	})
	go func() {
		defer sub.Close() //nolint:errcheck
		ticker := time.NewTicker(n.checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sub.done:
				return
			case <-ticker.C:
				if !ns.IsValid() {
					return
				}
			case msg := <-msgs:
				if !sub.deliver(string(msg.Data)) {
					return
				}
			}
		}
	}()
	return sub, nil
}
