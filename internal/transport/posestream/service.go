package posestream

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/OCAP2/markerpose/pkg/core"
	"github.com/OCAP2/markerpose/pkg/streaming"
)

const (
	serviceName         = "markerpose.PoseStream"
	subscribeMethod     = "/" + serviceName + "/Subscribe"
	fieldMarkerIDs      = "markerIds"
	maxRequestedMarkers = 1024
)

// Server is the service implementation registered with grpc.
type Server interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes markerpose.PoseStream. Requests and responses are
// structpb.Struct values carrying streaming envelopes.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "markerpose/posestream",
}

// Register adds the pose stream service to s.
func Register(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Subscribe(req, stream)
}

// Subscribe streams every published pose for the requested markers until
// the client goes away or the publisher stops. An empty marker list
// subscribes to all markers.
func (p *Publisher) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	markers, err := markerIDs(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	c := p.addClient(markers)
	defer p.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case s := <-c.samples.Receive():
			msg, err := sampleMessage(s)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func markerIDs(req *structpb.Struct) ([]int, error) {
	v, ok := req.GetFields()[fieldMarkerIDs]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list", fieldMarkerIDs)
	}
	if len(list.GetValues()) > maxRequestedMarkers {
		return nil, fmt.Errorf("too many marker ids: %d", len(list.GetValues()))
	}
	out := make([]int, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue != float64(int(n.NumberValue)) || n.NumberValue < 0 {
			return nil, fmt.Errorf("invalid marker id %v", item.AsInterface())
		}
		out = append(out, int(n.NumberValue))
	}
	return out, nil
}

func sampleMessage(s core.PoseSample) (*structpb.Struct, error) {
	env, err := streaming.PoseEnvelope(s)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("converting envelope: %w", err)
	}
	return msg, nil
}

func decodeSample(msg *structpb.Struct) (core.PoseSample, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return core.PoseSample{}, fmt.Errorf("converting message: %w", err)
	}
	var env streaming.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return core.PoseSample{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type != streaming.TypePose {
		return core.PoseSample{}, fmt.Errorf("unexpected message type %q", env.Type)
	}
	var payload streaming.PosePayload
	if err := env.Decode(&payload); err != nil {
		return core.PoseSample{}, err
	}
	return payload.ToSample(), nil
}
