package transport

import (
	"context"
	"time"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const (
	metricRPCDuration = "triekv.rpc.duration"
	metricRPCCount    = "triekv.rpc.count"
)

func observe(ctx context.Context, tel telemetry.Telemetry, logger log.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("code", code.String()),
	}
	tel.RecordHistogram(ctx, metricRPCDuration, time.Since(start).Seconds(), attrs...)
	tel.RecordCounter(ctx, metricRPCCount, 1, attrs...)
	if err != nil {
		logger.Debug("%s failed with %s: %v", method, code, err)
	}
}

func unaryInterceptor(tel telemetry.Telemetry, logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := tel.StartSpan(ctx, info.FullMethod)
		defer span.End()

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		observe(ctx, tel, logger, info.FullMethod, start, err)
		return resp, err
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

func streamInterceptor(tel telemetry.Telemetry, logger log.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := tel.StartSpan(ss.Context(), info.FullMethod)
		defer span.End()

		start := time.Now()
		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		observe(ctx, tel, logger, info.FullMethod, start, err)
		return err
	}
}
