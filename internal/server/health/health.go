// Package health exposes grpc.health.v1 for the relay and keeps its status
// in line with the storage backends.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/postbox/internal/repository"
)

// Service is the name reported for the relay itself; "" covers the whole process.
const Service = "postbox.Relay"

// NewServer builds a gRPC server carrying only the health service.
// Reflection is registered in dev mode.
func NewServer(log *zap.Logger, dev bool) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	return s, hs
}

// Watch pings every probe each interval and flips both service names between
// SERVING and NOT_SERVING. It returns when ctx is done, leaving NOT_SERVING.
func Watch(ctx context.Context, hs *health.Server, interval time.Duration, probes map[string]repository.Pinger, log *zap.Logger) {
	set := func(st healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", st)
		hs.SetServingStatus(Service, st)
	}
	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		for name, p := range probes {
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				log.Warn("backend unhealthy", zap.String("backend", name), zap.Error(err))
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		set(st)
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}
