package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/maxpoletaev/gossipnode/discovery"
	"github.com/maxpoletaev/gossipnode/internal/telemetry"
	"github.com/maxpoletaev/gossipnode/node"
)

type shutdownFunc func(ctx context.Context) error

var noopShutdown = func(ctx context.Context) error { return nil }

func setupLogger() (kitlog.Logger, shutdownFunc) {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)

	if !opts.Verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger, noopShutdown
}

func setupNode(logger kitlog.Logger) (*node.Node, shutdownFunc, error) {
	conf := node.DefaultConfig()
	conf.BindAddr = bindAddr()
	conf.JoinAddr = joinAddr()
	conf.JoinAttempts = opts.JoinAttempts
	conf.GossipInterval = gossipPeriod()
	conf.Relay = opts.Relay
	conf.Payload = gofakeit.Word
	conf.Logger = logger

	n, err := node.New(conf)
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		level.Info(logger).Log("msg", "stopping node")

		if err := n.Shutdown(); err != nil {
			return fmt.Errorf("failed to stop node: %w", err)
		}

		return nil
	}

	return n, shutdown, nil
}

func setupMetricsServer(wg *sync.WaitGroup, logger kitlog.Logger) (*http.Server, shutdownFunc, error) {
	listener, err := net.Listen("tcp", opts.MetricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "serving metrics", "addr", listener.Addr())

	shutdown := func(ctx context.Context) error {
		level.Info(logger).Log("msg", "shutting down metrics server")

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}

		return nil
	}

	return server, shutdown, nil
}

// setupAdminServer serves the standard grpc health service. The node reports
// NOT_SERVING until it reaches the listening state.
func setupAdminServer(wg *sync.WaitGroup, logger kitlog.Logger) (*health.Server, shutdownFunc, error) {
	listener, err := net.Listen("tcp", opts.AdminAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create admin listener: %w", err)
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := grpcServer.Serve(listener); err != nil {
			level.Error(logger).Log("msg", "admin server failed", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "serving admin api", "addr", listener.Addr())

	shutdown := func(ctx context.Context) error {
		level.Info(logger).Log("msg", "shutting down admin server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()

		return nil
	}

	return healthServer, shutdown, nil
}

// setupDiscovery registers the node in etcd and feeds the addresses of other
// registered nodes into its peer set, both existing and future ones.
func setupDiscovery(wg *sync.WaitGroup, n *node.Node, logger kitlog.Logger) (shutdownFunc, error) {
	conf := discovery.DefaultConfig()
	conf.Endpoints = parseAddrs(opts.Etcd.Endpoints)
	conf.Prefix = opts.Etcd.Prefix
	conf.Logger = logger

	if opts.Verbose {
		zapLogger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client logger: %w", err)
		}

		conf.ClientLogger = zapLogger
	}

	registry, err := discovery.Connect(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	peers, err := registry.Peers(ctx)
	if err == nil {
		err = registry.Register(ctx, n.Addr())
	}

	if err != nil {
		cancel()
		_ = registry.Close(context.Background())

		return nil, err
	}

	if err := n.AddPeers("etcd", peers...); err != nil {
		level.Warn(logger).Log("msg", "failed to add peers from etcd", "err", err)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		err := registry.Watch(ctx, func(addrs []string) {
			_ = n.AddPeers("etcd", addrs...)
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			level.Error(logger).Log("msg", "etcd watch stopped", "err", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		level.Info(logger).Log("msg", "leaving etcd registry")
		cancel()

		_ = conf.ClientLogger.Sync()

		return registry.Close(ctx)
	}

	return shutdown, nil
}
