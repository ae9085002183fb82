// Package service exposes the scheduler over gRPC and HTTP.
package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/job"
)

const (
	ServiceName   = "actiond.v1.ActionService"
	PerformMethod = "/" + ServiceName + "/Perform"
	ActionsMethod = "/" + ServiceName + "/Actions"
)

// Performer runs one decoded client request.
type Performer interface {
	Perform(ctx context.Context, payload map[string]any) job.Response
}

// Catalog renders the registry export document.
type Catalog interface {
	ExportJSON() ([]byte, error)
}

// ActionServiceServer is the server API of actiond.v1.ActionService.
type ActionServiceServer interface {
	Perform(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Actions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ActionServer adapts a Performer and a Catalog to the gRPC service.
type ActionServer struct {
	perf    Performer
	catalog Catalog
}

func NewActionServer(perf Performer, catalog Catalog) *ActionServer {
	return &ActionServer{perf: perf, catalog: catalog}
}

// Perform bridges the gRPC request to the scheduler. Request errors travel in
// the returned struct; only an unusable payload is a status error.
func (s *ActionServer) Perform(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, apperrors.ToGRPC(apperrors.New(apperrors.CodeInvalidParameter, "request payload is required"))
	}
	resp := s.perf.Perform(ctx, req.AsMap())
	out, err := encodeResponse(resp)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return out, nil
}

// Actions returns the canonical registry document.
func (s *ActionServer) Actions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	data, err := s.catalog.ExportJSON()
	if err != nil {
		return nil, apperrors.ToGRPC(apperrors.Wrap(apperrors.CodeInternal, "export actions", err))
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, apperrors.ToGRPC(apperrors.Wrap(apperrors.CodeInternal, "export actions", err))
	}
	return out, nil
}

func encodeResponse(resp job.Response) (*structpb.Struct, error) {
	m, err := resp.AsMap()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "encode response", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "encode response", err)
	}
	return out, nil
}

// RegisterActionServiceServer registers srv on s.
func RegisterActionServiceServer(s grpc.ServiceRegistrar, srv ActionServiceServer) {
	s.RegisterService(&ActionServiceDesc, srv)
}

// ActionServiceDesc describes actiond.v1.ActionService. Messages are the
// well-known Struct and Empty types, so no generated code is needed.
var ActionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ActionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Perform", Handler: performHandler},
		{MethodName: "Actions", Handler: actionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "actiond/v1/action.proto",
}

func performHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ActionServiceServer).Perform(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PerformMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ActionServiceServer).Perform(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func actionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ActionServiceServer).Actions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ActionsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ActionServiceServer).Actions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ActionServiceClient calls actiond.v1.ActionService.
type ActionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewActionServiceClient(cc grpc.ClientConnInterface) *ActionServiceClient {
	return &ActionServiceClient{cc: cc}
}

func (c *ActionServiceClient) Perform(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PerformMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ActionServiceClient) Actions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ActionsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
