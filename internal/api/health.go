package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthCheckTimeout  = 2 * time.Second
	grpcHealthInterval  = 15 * time.Second
	grpcHealthService   = "shsh.forge"
	healthStatusOK      = "ok"
	healthStatusFailing = "unavailable"
)

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		JSON(w, http.StatusOK, map[string]string{"status": healthStatusOK})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": healthStatusFailing, "database": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": healthStatusOK, "database": healthStatusOK})
}

// StartGRPCHealth serves the standard gRPC health service on addr. The
// serving status follows periodic database pings until ctx is done.
func StartGRPCHealth(ctx context.Context, addr string, pinger Pinger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		if err := pinger.Ping(pingCtx); err != nil {
			slog.Warn("gRPC health ping failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(grpcHealthService, status)
	}
	update()

	go func() {
		ticker := time.NewTicker(grpcHealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				update()
			case <-ctx.Done():
				hs.Shutdown()
				return
			}
		}
	}()

	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return srv, nil
}
