package friendloc_test

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/friendloc"
)

func TestChannelOverNATS(t *testing.T) {
	url := os.Getenv("LIVEMAP_NATS_URL")
	if url == "" {
		t.Skip("LIVEMAP_NATS_URL not set; skipping integration test")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })

	ctx := context.Background()
	ch := newChannel(t, friendloc.NewMemoryStore(nil), friendloc.NewNATSNotifier(nc, "friendloc.test"))

	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1"})
	waitFor(t, stream, hasKeys())

	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 5, 6))
	waitFor(t, stream, hasKeys("f1"))
}
