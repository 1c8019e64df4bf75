package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/offline-keeper/internal/metrics"
)

// methodName trims "/offline.v1.OfflineStore/Store" to "Store".
func methodName(full string) string {
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		return full[i+1:]
	}
	return full
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// ObserveUnary logs one line per call and records call counts and latency on met.
// Failed calls log at warn level. Request and response bodies are never logged,
// they carry message payloads. met may be nil.
func ObserveUnary(log *zap.Logger, met *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		begin := time.Now()
		resp, err := next(ctx, req)
		took := time.Since(begin)
		code := status.Code(err)
		name := methodName(info.FullMethod)

		if met != nil {
			met.RPCs.WithLabelValues(name, code.String()).Inc()
			met.RPCDuration.WithLabelValues(name).Observe(took.Seconds())
		}

		fields := make([]zap.Field, 0, 6)
		fields = append(fields,
			zap.String("method", name),
			zap.Stringer("code", code),
			zap.Duration("took", took),
			zap.String("peer", peerAddr(ctx)),
		)
		if sub, ok := SubjectFromCtx(ctx); ok {
			fields = append(fields, zap.String("sub", sub))
		}
		if code == codes.OK {
			log.Info("rpc", fields...)
			return resp, nil
		}
		log.Warn("rpc failed", append(fields, zap.Error(err))...)
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(log *zap.Logger, met *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if met != nil {
				met.Panics.Inc()
			}
			log.Error("handler panic",
				zap.String("method", methodName(info.FullMethod)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			resp, err = nil, status.Error(codes.Internal, "internal")
		}()
		return next(ctx, req)
	}
}
