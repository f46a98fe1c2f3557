package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/service"
	"github.com/matt-riley/regionflagz/internal/world"
)

const (
	TrackerServiceName = "regionflagz.v1.TrackerService"
	GetValueMethod     = "/" + TrackerServiceName + "/GetValue"
	WatchValueMethod   = "/" + TrackerServiceName + "/WatchValue"
)

// TrackerServiceServer serves flag values over gRPC. Requests and responses
// are google.protobuf.Struct messages: a request carries "player" (UUID) and
// "flag"; a response carries "player", "flag", "type", "present" and "value"
// (null when absent).
type TrackerServiceServer interface {
	GetValue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchValue(*structpb.Struct, TrackerServiceWatchValueServer) error
}

type TrackerServiceWatchValueServer = grpc.ServerStreamingServer[structpb.Struct]

// TrackerServiceDesc describes regionflagz.v1.TrackerService for
// grpc.ServiceRegistrar.
var TrackerServiceDesc = grpc.ServiceDesc{
	ServiceName: TrackerServiceName,
	HandlerType: (*TrackerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetValue", Handler: getValueHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchValue", Handler: watchValueHandler, ServerStreams: true},
	},
	Metadata: "regionflagz/v1/tracker.proto",
}

func RegisterTrackerServiceServer(s grpc.ServiceRegistrar, srv TrackerServiceServer) {
	s.RegisterService(&TrackerServiceDesc, srv)
}

func getValueHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackerServiceServer).GetValue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetValueMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerServiceServer).GetValue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchValueHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrackerServiceServer).WatchValue(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// TrackerServiceClient calls regionflagz.v1.TrackerService.
type TrackerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackerServiceClient(cc grpc.ClientConnInterface) *TrackerServiceClient {
	return &TrackerServiceClient{cc: cc}
}

func (c *TrackerServiceClient) GetValue(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetValueMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrackerServiceClient) WatchValue(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &TrackerServiceDesc.Streams[0], WatchValueMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// GRPCServer implements TrackerServiceServer on top of a Service.
type GRPCServer struct {
	service  Service
	logger   *slog.Logger
	observer Observer
}

type GRPCOption func(*GRPCServer)

func WithGRPCObserver(o Observer) GRPCOption {
	return func(s *GRPCServer) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithGRPCLogger(logger *slog.Logger) GRPCOption {
	return func(s *GRPCServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	s := &GRPCServer{
		service:  svc,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ TrackerServiceServer = (*GRPCServer)(nil)

func (s *GRPCServer) GetValue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tracker, err := s.track(ctx, req)
	if err != nil {
		return nil, err
	}
	v := tracker.Value()
	s.observer.RecordValueRead(v.Present())
	return valueStruct(tracker, v)
}

// WatchValue sends the current value and then every change until the client
// cancels or the tracker is destroyed.
func (s *GRPCServer) WatchValue(req *structpb.Struct, stream TrackerServiceWatchValueServer) error {
	ctx := stream.Context()
	tracker, err := s.track(ctx, req)
	if err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	remove := tracker.AddListener(func(*core.Tracker) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()
	defer s.observer.StreamOpened("grpc")()

	last := tracker.Value()
	send := func(v core.Value) error {
		msg, err := valueStruct(tracker, v)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}
	if err := send(last); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tracker.Done():
			s.logger.Debug("value watch ended by disconnect",
				"player", tracker.Player().String(),
				"flag", tracker.Flag().Name(),
			)
			return status.Error(codes.Unavailable, "player disconnected")
		case <-changed:
		}
		v := tracker.Value()
		if v.Equal(last) {
			continue
		}
		last = v
		if err := send(v); err != nil {
			return err
		}
	}
}

func (s *GRPCServer) track(ctx context.Context, req *structpb.Struct) (*core.Tracker, error) {
	player, flag, err := parseValueRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tracker, err := s.service.Track(ctx, player, flag)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return tracker, nil
}

func parseValueRequest(req *structpb.Struct) (uuid.UUID, string, error) {
	if req == nil {
		return uuid.Nil, "", errors.New("player and flag are required")
	}
	fields := req.GetFields()
	player, err := uuid.Parse(strings.TrimSpace(fields["player"].GetStringValue()))
	if err != nil {
		return uuid.Nil, "", errors.New("player must be a UUID")
	}
	flag := strings.TrimSpace(fields["flag"].GetStringValue())
	if flag == "" {
		return uuid.Nil, "", errors.New("flag is required")
	}
	return player, flag, nil
}

func valueStruct(t *core.Tracker, v core.Value) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"player":  t.Player().String(),
		"flag":    t.Flag().Name(),
		"type":    t.Flag().Type().String(),
		"present": v.Present(),
		"value":   valueJSON(v),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode value")
	}
	return msg, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, world.ErrPlayerNotFound):
		return status.Error(codes.NotFound, "player not found")
	case errors.Is(err, service.ErrFlagNotRegistered), errors.Is(err, world.ErrFlagNotFound):
		return status.Error(codes.NotFound, "flag not found")
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, world.ErrInvalidValue):
		return status.Error(codes.InvalidArgument, "invalid argument")
	case errors.Is(err, world.ErrLoopStopped):
		return status.Error(codes.Unavailable, "shutting down")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
