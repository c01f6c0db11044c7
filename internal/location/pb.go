package location

import (
	"encoding/json"

	"google.golang.org/grpc"
)

// PositionUpdate is one streamed fix from a device.
type PositionUpdate struct {
	UserId string  `json:"user_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Ts     int64   `json:"ts"`
}

// IngestAck is returned when the client closes the stream.
type IngestAck struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// PositionIngestServer defines the gRPC contract.
type PositionIngestServer interface {
	StreamPositions(PositionIngest_StreamPositionsServer) error
}

// RegisterPositionIngestServer registers service implementation.
func RegisterPositionIngestServer(s *grpc.Server, srv PositionIngestServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "livemap.PositionIngest",
		HandlerType: (*PositionIngestServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamPositions",
			Handler:       _PositionIngest_StreamPositions_Handler,
			ClientStreams: true,
		}},
	}, srv)
}

// PositionIngest_StreamPositionsServer defines the client stream interface.
type PositionIngest_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*IngestAck) error
	Recv() (*PositionUpdate, error)
}

func _PositionIngest_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(PositionIngestServer).StreamPositions(&positionStreamServer{ServerStream: stream})
}

type positionStreamServer struct {
	grpc.ServerStream
}

func (s *positionStreamServer) SendAndClose(ack *IngestAck) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *positionStreamServer) Recv() (*PositionUpdate, error) {
	msg := new(PositionUpdate)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// JSONCodec encodes the ingest messages, which are plain structs rather than
// generated protobuf types. Install it with grpc.ForceServerCodec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }
