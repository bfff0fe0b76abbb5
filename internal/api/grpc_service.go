package api

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-reliability/internal/services"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// DashboardsServiceName is the fully-qualified gRPC service name.
const DashboardsServiceName = "mirador.reliability.v1.Dashboards"

// DashboardsServer is served over google.protobuf.Struct request and response messages.
type DashboardsServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceRefresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invalidate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(DashboardsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + DashboardsServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DashboardsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DashboardsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// DashboardsServiceDesc describes the Dashboards service for grpc.Server.RegisterService.
var DashboardsServiceDesc = grpc.ServiceDesc{
	ServiceName: DashboardsServiceName,
	HandlerType: (*DashboardsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler("Get", DashboardsServer.Get)},
		{MethodName: "ForceRefresh", Handler: unaryHandler("ForceRefresh", DashboardsServer.ForceRefresh)},
		{MethodName: "Invalidate", Handler: unaryHandler("Invalidate", DashboardsServer.Invalidate)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", DashboardsServer.Stats)},
		{MethodName: "Cleanup", Handler: unaryHandler("Cleanup", DashboardsServer.Cleanup)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/reliability/v1/dashboards.proto",
}

// RegisterDashboardsServer registers srv on s.
func RegisterDashboardsServer(s grpc.ServiceRegistrar, srv DashboardsServer) {
	s.RegisterService(&DashboardsServiceDesc, srv)
}

// DashboardsClient calls the Dashboards service.
type DashboardsClient struct {
	cc grpc.ClientConnInterface
}

// NewDashboardsClient wraps a client connection.
func NewDashboardsClient(cc grpc.ClientConnInterface) *DashboardsClient {
	return &DashboardsClient{cc: cc}
}

func (c *DashboardsClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+DashboardsServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Get reads a dashboard snapshot.
func (c *DashboardsClient) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Get", in, opts...)
}

// ForceRefresh schedules regeneration.
func (c *DashboardsClient) ForceRefresh(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ForceRefresh", in, opts...)
}

// Invalidate flags a snapshot for regeneration.
func (c *DashboardsClient) Invalidate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Invalidate", in, opts...)
}

// Stats returns operational state.
func (c *DashboardsClient) Stats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Stats", in, opts...)
}

// Cleanup purges superseded snapshots.
func (c *DashboardsClient) Cleanup(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Cleanup", in, opts...)
}

// GRPCService adapts DashboardService to DashboardsServer.
type GRPCService struct {
	logger  *slog.Logger
	service *services.DashboardService
}

var _ DashboardsServer = (*GRPCService)(nil)

// NewGRPCService constructs the gRPC facade.
func NewGRPCService(logger *slog.Logger, service *services.DashboardService) *GRPCService {
	return &GRPCService{logger: utils.OrDefault(logger), service: service}
}

// Get returns {kind, scope, payload, generated_at, age_seconds, is_stale, ...}.
func (s *GRPCService) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := fromStructScope(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.Get(ctx, req.Kind, req.Scope)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.respond(view)
}

// ForceRefresh returns {scope, result}.
func (s *GRPCService) ForceRefresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := fromStructScope(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.ForceRefresh(ctx, req.Kind, req.Scope)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.respond(view)
}

// Invalidate returns {invalidated}.
func (s *GRPCService) Invalidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := fromStructScope(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ok, err := s.service.Invalidate(ctx, req.Kind, req.Scope)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.respond(map[string]bool{"invalidated": ok})
}

// Stats returns the per-scope operational summary.
func (s *GRPCService) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.respond(s.service.Stats(ctx))
}

// Cleanup purges retention and returns the purge counts.
func (s *GRPCService) Cleanup(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.service.Cleanup(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.respond(res)
}

func (s *GRPCService) respond(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		s.logger.Error("encode grpc response", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}
