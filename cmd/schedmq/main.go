package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/memory"
	"github.com/openjobspec/schedmq/internal/metrics"
	natsstore "github.com/openjobspec/schedmq/internal/nats"
	redisstore "github.com/openjobspec/schedmq/internal/redis"
	"github.com/openjobspec/schedmq/internal/scheduler"
	"github.com/openjobspec/schedmq/internal/server"
)

// backend is what every store implementation offers the worker.
type backend interface {
	core.Store
	core.Pinger
}

func main() {
	cfg := server.LoadConfig()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, nc, err := connectStore(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("failed to connect store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	metrics.Init(core.Version, cfg.Store)

	opts := []scheduler.Option{
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithTickLockTTL(cfg.TickLockTTL),
	}
	if nc != nil {
		broker := natsstore.NewPubSubBroker(nc, cfg.NatsPrefix)
		defer broker.Close()
		opts = append(opts, scheduler.WithEvents(broker))
	}
	sched := scheduler.New(store, opts...)

	if cfg.TasksFile != "" {
		targetConn, err := loadTasks(cfg, sched, nc)
		if err != nil {
			slog.Error("failed to load tasks", "file", cfg.TasksFile, "error", err)
			os.Exit(1)
		}
		if targetConn != nil && targetConn != nc {
			defer targetConn.Close()
		}
	}

	sched.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.NewRouter(sched, store, cfg.Store),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("schedmq HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	trackCtx, stopTracking := context.WithCancel(context.Background())
	tracked := make(chan struct{})
	go func() {
		server.TrackServingStatus(trackCtx, healthSrv, sched, time.Second)
		close(tracked)
	}()

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("schedmq gRPC health listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	stopTracking()
	<-tracked
	sched.Stop()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		slog.Warn("scheduler loops still running at shutdown timeout")
	}

	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// connectStore opens the configured backend. The NATS connection is returned
// alongside when the backend is NATS so events and targets can share it.
func connectStore(ctx context.Context, cfg server.Config) (backend, *nats.Conn, error) {
	switch cfg.Store {
	case server.StoreRedis:
		s, err := redisstore.Connect(ctx, cfg.RedisURL,
			redisstore.WithPrefix(cfg.KeyPrefix),
			redisstore.WithBlockingPoolSize(cfg.RedisBlockingPool),
		)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to Redis", "url", cfg.RedisURL, "prefix", cfg.KeyPrefix)
		return s, nil, nil
	case server.StoreNATS:
		s, err := natsstore.Connect(ctx, cfg.NatsURL,
			natsstore.WithPrefix(cfg.NatsPrefix),
			natsstore.WithTickLockTTL(cfg.TickLockTTL),
		)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to NATS", "url", cfg.NatsURL, "prefix", cfg.NatsPrefix)
		return s, s.Conn(), nil
	case server.StoreMemory:
		slog.Warn("using in-process memory store; executions are not shared or persisted")
		return memory.New(), nil, nil
	default:
		return nil, nil, core.NewInvalidRequestError("Unknown store "+cfg.Store+".", map[string]any{
			"supported": []string{server.StoreRedis, server.StoreNATS, server.StoreMemory},
		})
	}
}

// loadTasks applies the task file. A NATS connection is opened for targets
// when the store does not already provide one.
func loadTasks(cfg server.Config, sched *scheduler.Scheduler, nc *nats.Conn) (*nats.Conn, error) {
	tf, err := server.LoadTaskFile(cfg.TasksFile)
	if err != nil {
		return nil, err
	}
	owned := false
	if tf.NeedsNATS() && nc == nil {
		owned = true
		nc, err = nats.Connect(cfg.NatsURL,
			nats.Name("schedmq-targets"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, err
		}
	}
	if err := tf.Apply(sched, nc); err != nil {
		if owned {
			nc.Close()
		}
		return nil, err
	}
	slog.Info("tasks loaded", "file", cfg.TasksFile,
		"registered", len(sched.Registrations()), "bound", len(sched.Bindings()))
	return nc, nil
}
