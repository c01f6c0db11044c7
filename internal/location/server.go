package location

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/domain"
)

// Publisher receives positions accepted by the ingest stream.
type Publisher interface {
	UpdateUserLocation(ctx context.Context, userID string, lat, lon float64) error
}

// Server implements the PositionIngestServer interface.
type Server struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewServer constructs a server.
func NewServer(publisher Publisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{publisher: publisher, logger: logger}
}

// StreamPositions forwards device fixes to the friend location channel until
// the client closes the stream.
func (s *Server) StreamPositions(stream PositionIngest_StreamPositionsServer) error {
	var ack IngestAck
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if msg.UserId == "" || domain.ValidateCoordinate(msg.Lat, msg.Lng) != nil {
			ack.Rejected++
			ingestMessages.WithLabelValues("invalid").Inc()
			continue
		}
		if err := s.publisher.UpdateUserLocation(stream.Context(), msg.UserId, msg.Lat, msg.Lng); err != nil {
			ack.Rejected++
			ingestMessages.WithLabelValues("failed").Inc()
			s.logger.Warn("publish streamed position", zap.String("user_id", msg.UserId), zap.Error(err))
			continue
		}
		ack.Accepted++
		ingestMessages.WithLabelValues("accepted").Inc()
	}
}
