package server

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service the worker reports in gRPC health checks.
const GRPCServiceName = "schedmq.v1.Worker"

// RunningReporter reports whether the scheduler loops are running.
type RunningReporter interface {
	Running() bool
}

// TrackServingStatus mirrors sched's running state into hs for both the
// worker service and the overall ("") status, checking every interval until
// ctx is done. It returns after the final NOT_SERVING update.
func TrackServingStatus(ctx context.Context, hs *health.Server, sched RunningReporter, every time.Duration) {
	set := func(status healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus(GRPCServiceName, status)
		hs.SetServingStatus("", status)
	}
	update := func() {
		if sched.Running() {
			set(healthpb.HealthCheckResponse_SERVING)
		} else {
			set(healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}

	update()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			update()
		}
	}
}
