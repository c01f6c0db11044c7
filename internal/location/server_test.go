package location

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []PositionUpdate
	fail  string
}

func (p *recordingPublisher) UpdateUserLocation(_ context.Context, userID string, lat, lon float64) error {
	if userID == p.fail {
		return errors.New("store down")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, PositionUpdate{UserId: userID, Lat: lat, Lng: lon})
	return nil
}

type fakeStream struct {
	grpc.ServerStream
	msgs []*PositionUpdate
	ack  *IngestAck
}

func (f *fakeStream) Context() context.Context { return context.Background() }

func (f *fakeStream) Recv() (*PositionUpdate, error) {
	if len(f.msgs) == 0 {
		return nil, io.EOF
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeStream) SendAndClose(ack *IngestAck) error {
	f.ack = ack
	return nil
}

func TestStreamPositionsForwardsValidUpdates(t *testing.T) {
	pub := &recordingPublisher{fail: "broken"}
	srv := NewServer(pub, nil)
	stream := &fakeStream{msgs: []*PositionUpdate{
		{UserId: "u1", Lat: 46.5, Lng: 6.6},
		{UserId: "", Lat: 1, Lng: 1},
		{UserId: "u2", Lat: 95, Lng: 0},
		{UserId: "broken", Lat: 1, Lng: 1},
		{UserId: "u3", Lat: -10, Lng: 170},
	}}

	require.NoError(t, srv.StreamPositions(stream))
	require.NotNil(t, stream.ack)
	require.Equal(t, int64(2), stream.ack.Accepted)
	require.Equal(t, int64(3), stream.ack.Rejected)
	require.Len(t, pub.calls, 2)
	require.Equal(t, "u1", pub.calls[0].UserId)
	require.Equal(t, "u3", pub.calls[1].UserId)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	var codec JSONCodec
	data, err := codec.Marshal(&PositionUpdate{UserId: "u1", Lat: 1.5, Lng: 2.5, Ts: 7})
	require.NoError(t, err)
	var out PositionUpdate
	require.NoError(t, codec.Unmarshal(data, &out))
	require.Equal(t, "u1", out.UserId)
	require.Equal(t, "json", codec.Name())
}
