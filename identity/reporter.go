// Identity Report
// Backends answer a health check with their node id in the response header
// gRPC mode
package identity

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// HeaderKey carries the backend identity on every unary response.
const HeaderKey = "x-node-id"

// UnaryInterceptor stamps nodeID on the response header of every unary call.
func UnaryInterceptor(nodeID string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := grpc.SetHeader(ctx, metadata.Pairs(HeaderKey, nodeID)); err != nil {
			logrus.WithFields(logrus.Fields{
				"func_name": "UnaryInterceptor",
				"method":    info.FullMethod,
			}).Warnf("set identity header: %v", err)
		}
		return handler(ctx, req)
	}
}

// Register adds the standard health service to s, reporting SERVING.
func Register(s *grpc.Server, nodeID string) *health.Server {
	logrus.Infof("Register identity reporter for %s", nodeID)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// NewServer returns a gRPC server that reports nodeID.
func NewServer(nodeID string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryInterceptor(nodeID)))
	s := grpc.NewServer(opts...)
	Register(s, nodeID)
	return s
}
