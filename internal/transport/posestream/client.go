package posestream

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/OCAP2/markerpose/pkg/core"
)

// Stream is the client side of one Subscribe call.
type Stream struct {
	cs grpc.ClientStream
}

// Subscribe opens a pose stream for markerIDs, or for every marker when the
// list is empty.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, markerIDs []int) (*Stream, error) {
	cs, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("opening pose stream: %w", err)
	}

	ids := make([]any, len(markerIDs))
	for i, id := range markerIDs {
		ids[i] = float64(id)
	}
	req, err := structpb.NewStruct(map[string]any{fieldMarkerIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if err := cs.SendMsg(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing send: %w", err)
	}
	return &Stream{cs: cs}, nil
}

// Recv blocks for the next pose. It returns io.EOF when the server ends the
// stream.
func (s *Stream) Recv() (core.PoseSample, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return core.PoseSample{}, err
	}
	return decodeSample(msg)
}
