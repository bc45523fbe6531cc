package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "marznode.MarzService"

const (
	methodSyncUsers          = "/" + serviceName + "/SyncUsers"
	methodRepopulateUsers    = "/" + serviceName + "/RepopulateUsers"
	methodFetchUsersStats    = "/" + serviceName + "/FetchUsersStats"
	methodFetchBackends      = "/" + serviceName + "/FetchBackends"
	methodRestartBackend     = "/" + serviceName + "/RestartBackend"
	methodFetchBackendConfig = "/" + serviceName + "/FetchBackendConfig"
	methodGetBackendStats    = "/" + serviceName + "/GetBackendStats"
	methodStreamBackendLogs  = "/" + serviceName + "/StreamBackendLogs"
	methodFetchUserDevices   = "/" + serviceName + "/FetchUserDevices"
	methodFetchAllDevices    = "/" + serviceName + "/FetchAllDevices"
)

// NodeServer is the service a node exposes to the control plane.
type NodeServer interface {
	SyncUsers(grpc.ClientStreamingServer[UserData, Empty]) error
	RepopulateUsers(context.Context, *UsersData) (*Empty, error)
	FetchUsersStats(context.Context, *Empty) (*UsersStats, error)
	FetchBackends(context.Context, *Empty) (*BackendsResponse, error)
	RestartBackend(context.Context, *RestartBackendRequest) (*Empty, error)
	FetchBackendConfig(context.Context, *Backend) (*BackendConfig, error)
	GetBackendStats(context.Context, *Backend) (*BackendStats, error)
	StreamBackendLogs(*BackendLogsRequest, grpc.ServerStreamingServer[LogLine]) error
	FetchUserDevices(context.Context, *UserDevicesRequest) (*UserDevicesHistory, error)
	FetchAllDevices(context.Context, *Empty) (*AllUsersDevices, error)
}

// UnimplementedNodeServer answers every call with codes.Unimplemented.
// Embed it to implement a subset of NodeServer.
type UnimplementedNodeServer struct{}

func (UnimplementedNodeServer) SyncUsers(grpc.ClientStreamingServer[UserData, Empty]) error {
	return status.Error(codes.Unimplemented, "SyncUsers not implemented")
}

func (UnimplementedNodeServer) RepopulateUsers(context.Context, *UsersData) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "RepopulateUsers not implemented")
}

func (UnimplementedNodeServer) FetchUsersStats(context.Context, *Empty) (*UsersStats, error) {
	return nil, status.Error(codes.Unimplemented, "FetchUsersStats not implemented")
}

func (UnimplementedNodeServer) FetchBackends(context.Context, *Empty) (*BackendsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "FetchBackends not implemented")
}

func (UnimplementedNodeServer) RestartBackend(context.Context, *RestartBackendRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "RestartBackend not implemented")
}

func (UnimplementedNodeServer) FetchBackendConfig(context.Context, *Backend) (*BackendConfig, error) {
	return nil, status.Error(codes.Unimplemented, "FetchBackendConfig not implemented")
}

func (UnimplementedNodeServer) GetBackendStats(context.Context, *Backend) (*BackendStats, error) {
	return nil, status.Error(codes.Unimplemented, "GetBackendStats not implemented")
}

func (UnimplementedNodeServer) StreamBackendLogs(*BackendLogsRequest, grpc.ServerStreamingServer[LogLine]) error {
	return status.Error(codes.Unimplemented, "StreamBackendLogs not implemented")
}

func (UnimplementedNodeServer) FetchUserDevices(context.Context, *UserDevicesRequest) (*UserDevicesHistory, error) {
	return nil, status.Error(codes.Unimplemented, "FetchUserDevices not implemented")
}

func (UnimplementedNodeServer) FetchAllDevices(context.Context, *Empty) (*AllUsersDevices, error) {
	return nil, status.Error(codes.Unimplemented, "FetchAllDevices not implemented")
}

// RegisterNodeServer registers srv on s.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the node service for both client and server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RepopulateUsers", NodeServer.RepopulateUsers),
		unary("FetchUsersStats", NodeServer.FetchUsersStats),
		unary("FetchBackends", NodeServer.FetchBackends),
		unary("RestartBackend", NodeServer.RestartBackend),
		unary("FetchBackendConfig", NodeServer.FetchBackendConfig),
		unary("GetBackendStats", NodeServer.GetBackendStats),
		unary("FetchUserDevices", NodeServer.FetchUserDevices),
		unary("FetchAllDevices", NodeServer.FetchAllDevices),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SyncUsers",
			Handler:       syncUsersHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamBackendLogs",
			Handler:       streamBackendLogsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marznode.proto",
}

var (
	syncUsersStream         = &ServiceDesc.Streams[0]
	streamBackendLogsStream = &ServiceDesc.Streams[1]
)

func unary[Req, Res any](name string, call func(NodeServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			msg := newWire(wireOf(in))
			if err := dec(msg); err != nil {
				return nil, err
			}
			fromWire(msg, wireOf(in))
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(NodeServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				if out == nil {
					out = new(Res)
				}
				return toWire(wireOf(out)), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func wireOf(v any) wireMessage {
	return v.(wireMessage)
}

func syncUsersHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServer).SyncUsers(&syncUsersServer{ServerStream: stream})
}

type syncUsersServer struct {
	grpc.ServerStream
}

func (s *syncUsersServer) Recv() (*UserData, error) {
	out := new(UserData)
	msg := newWire(out)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	fromWire(msg, out)
	return out, nil
}

func (s *syncUsersServer) SendAndClose(out *Empty) error {
	return s.ServerStream.SendMsg(toWire(out))
}

func streamBackendLogsHandler(srv any, stream grpc.ServerStream) error {
	in := new(BackendLogsRequest)
	msg := newWire(in)
	if err := stream.RecvMsg(msg); err != nil {
		return err
	}
	fromWire(msg, in)
	return srv.(NodeServer).StreamBackendLogs(in, &logLineServer{ServerStream: stream})
}

type logLineServer struct {
	grpc.ServerStream
}

func (s *logLineServer) Send(line *LogLine) error {
	return s.ServerStream.SendMsg(toWire(line))
}
