package service

import (
	"context"

	"github.com/KevoDB/triekv/pkg/grpc/wire"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name the service is registered under
const ServiceName = "triekv.v1.TrieKV"

// Full method names, for clients and interceptors
const (
	MethodGet           = "/" + ServiceName + "/Get"
	MethodPut           = "/" + ServiceName + "/Put"
	MethodDelete        = "/" + ServiceName + "/Delete"
	MethodLongestPrefix = "/" + ServiceName + "/LongestPrefix"
	MethodScan          = "/" + ServiceName + "/Scan"
	MethodFlush         = "/" + ServiceName + "/Flush"
	MethodStats         = "/" + ServiceName + "/Stats"
)

// Handler is the server side of the TrieKV service
type Handler interface {
	Get(context.Context, *wire.GetRequest) (*wire.GetResponse, error)
	Put(context.Context, *wire.PutRequest) (*wire.PutResponse, error)
	Delete(context.Context, *wire.DeleteRequest) (*wire.DeleteResponse, error)
	LongestPrefix(context.Context, *wire.LongestPrefixRequest) (*wire.LongestPrefixResponse, error)
	Scan(*wire.ScanRequest, ScanStream) error
	Flush(context.Context, *wire.FlushRequest) (*wire.FlushResponse, error)
	Stats(context.Context, *wire.StatsRequest) (*wire.StatsResponse, error)
}

// ScanStream is the server end of a Scan call
type ScanStream interface {
	Send(*wire.ScanResponse) error
	Context() context.Context
}

var _ Handler = (*Server)(nil)

// Register adds the service to a gRPC server
func Register(gs grpc.ServiceRegistrar, h Handler) {
	gs.RegisterService(&ServiceDesc, h)
}

// ServiceDesc describes the TrieKV service to gRPC
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "LongestPrefix", Handler: longestPrefixHandler},
		{MethodName: "Flush", Handler: flushHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Scan", Handler: scanHandler, ServerStreams: true},
	},
	Metadata: "triekv/v1/triekv.proto",
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Get(ctx, req.(*wire.GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPut}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Put(ctx, req.(*wire.PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodDelete}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Delete(ctx, req.(*wire.DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func longestPrefixHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.LongestPrefixRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).LongestPrefix(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLongestPrefix}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).LongestPrefix(ctx, req.(*wire.LongestPrefixRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func flushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.FlushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Flush(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodFlush}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Flush(ctx, req.(*wire.FlushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Stats(ctx, req.(*wire.StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type scanServer struct {
	grpc.ServerStream
}

func (s *scanServer) Send(m *wire.ScanResponse) error {
	return s.ServerStream.SendMsg(m)
}

func scanHandler(srv any, stream grpc.ServerStream) error {
	in := new(wire.ScanRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Handler).Scan(in, &scanServer{stream})
}
