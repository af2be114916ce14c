package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jessevdk/go-flags"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

func main() {
	p := newParser(flags.Default)

	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Println("cli error:", err)
		os.Exit(2)
	}

	if err := validateOpts(); err != nil {
		fmt.Println("cli error:", err)
		os.Exit(2)
	}

	appctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wg := sync.WaitGroup{}
	logger, closeLogger := setupLogger()

	n, closeNode, err := setupNode(logger)
	if err != nil {
		level.Error(logger).Log("msg", "invalid node configuration", "err", err)
		os.Exit(1)
	}

	// Components must be shut down in a particular order.
	shutdownOrder := []shutdownFunc{
		closeNode,
		closeLogger,
	}

	if opts.MetricsAddr != "" {
		_, closeMetrics, err := setupMetricsServer(&wg, logger)
		if err != nil {
			level.Error(logger).Log("msg", "failed to start metrics server", "err", err)
			os.Exit(1)
		}

		shutdownOrder = append([]shutdownFunc{closeMetrics}, shutdownOrder...)
	}

	var healthServer *health.Server

	if opts.AdminAddr != "" {
		var closeAdmin shutdownFunc

		healthServer, closeAdmin, err = setupAdminServer(&wg, logger)
		if err != nil {
			level.Error(logger).Log("msg", "failed to start admin server", "err", err)
			shutdown(shutdownOrder, logger)
			os.Exit(1)
		}

		shutdownOrder = append([]shutdownFunc{closeAdmin}, shutdownOrder...)
	}

	// A signal received during the bootstrap aborts it.
	if err := n.Start(appctx); err != nil {
		level.Error(logger).Log("msg", "failed to start node", "err", err)
		shutdown(shutdownOrder, logger)
		wg.Wait()
		os.Exit(1)
	}

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	level.Info(logger).Log("msg", "node is running", "addr", n.Addr(), "period", gossipPeriod())

	if opts.Etcd.Endpoints != "" {
		closeDiscovery, err := setupDiscovery(&wg, n, logger)
		if err != nil {
			level.Error(logger).Log("msg", "etcd discovery is unavailable", "err", err)
		} else {
			shutdownOrder = append([]shutdownFunc{closeDiscovery}, shutdownOrder...)
		}
	}

	// Block until we receive a signal to shut down.
	<-appctx.Done()
	level.Info(logger).Log("msg", "received interrupt signal, shutting down")

	shutdown(shutdownOrder, logger)

	// Wait for all components to finish background tasks.
	wg.Wait()
}

func validateOpts() error {
	switch {
	case opts.Period == 0:
		return errors.New("--period must be at least one second")
	case opts.Port == 0:
		return errors.New("--port must not be zero")
	case opts.Connect == opts.Port:
		return errors.New("--connect must differ from --port")
	case opts.JoinAttempts <= 0:
		return errors.New("--join-attempts must be positive")
	}

	return nil
}

func shutdown(order []shutdownFunc, logger kitlog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, f := range order {
		if err := f(ctx); err != nil {
			level.Error(logger).Log("msg", "failed to shutdown component", "err", err)
		}
	}
}
