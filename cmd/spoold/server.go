package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nixpig/opspool/internal/auth"
	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager"
	"github.com/nixpig/opspool/internal/jobmanager/spawn"
	"github.com/nixpig/opspool/internal/metrics"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	// healthService is the service name reported by the health server, next
	// to the overall "" status.
	healthService = "opspool.Registry"

	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
)

var errRegistryStopped = errors.New("registry stopped serving")

type daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *jobmanager.Registry
	metrics  *metrics.Metrics

	grpcServer     *grpc.Server
	health         *health.Server
	healthListener net.Listener

	httpServer      *http.Server
	metricsListener net.Listener
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	spawner, err := spawn.NewSpawner(cfg, "", logger.With("component", "spawner"))
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, spawner, logger)
	if err != nil {
		return err
	}

	return d.run(ctx)
}

// newDaemon initialises the registry and binds every listener, so the
// daemon is reachable once it returns.
func newDaemon(
	cfg config.Config,
	spawner jobmanager.Spawner,
	logger *slog.Logger,
) (*daemon, error) {
	m := metrics.New()

	registry, err := jobmanager.NewRegistry(
		cfg,
		spawner,
		jobmanager.WithLogger(logger.With("component", "registry")),
		jobmanager.WithMetrics(m),
		jobmanager.WithPeerPolicy(auth.NewPeerPolicy(cfg.TrustedUIDs)),
	)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	if err := registry.Init(); err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	d := &daemon{
		cfg:      registry.Config(),
		logger:   logger,
		registry: registry,
		metrics:  m,
	}

	if err := d.listen(); err != nil {
		d.closeListeners()

		if shutdownErr := registry.Shutdown(context.Background()); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}

		return nil, err
	}

	return d, nil
}

func (d *daemon) listen() error {
	if d.cfg.HealthSocket != "" {
		if err := os.Remove(d.cfg.HealthSocket); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale health socket: %w", err)
		}

		l, err := net.Listen("unix", d.cfg.HealthSocket)
		if err != nil {
			return fmt.Errorf("listen on health socket: %w", err)
		}

		d.healthListener = l

		d.health = health.NewServer()
		d.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		d.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

		d.grpcServer = grpc.NewServer(
			grpc.UnaryInterceptor(contextCheckUnaryInterceptor),
		)
		healthpb.RegisterHealthServer(d.grpcServer, d.health)
	}

	if d.cfg.MetricsAddr != "" {
		l, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on metrics addr: %w", err)
		}

		d.metricsListener = l

		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())

		d.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	return nil
}

func (d *daemon) closeListeners() {
	if d.healthListener != nil {
		d.healthListener.Close()
	}

	if d.metricsListener != nil {
		d.metricsListener.Close()
	}
}

// run serves until ctx is done or any server fails, then shuts everything
// down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	d.logger.Info(
		"daemon started",
		"socket", d.cfg.SocketPath,
		"spool_dir", d.cfg.SpoolDir,
		"chunk_size", d.cfg.ChunkSize,
		"kill_timeout", d.cfg.KillTimeout,
	)

	g.Go(func() error {
		if err := d.registry.Serve(gctx); err != nil {
			return fmt.Errorf("serve registry: %w", err)
		}

		if gctx.Err() == nil {
			return errRegistryStopped
		}

		return nil
	})

	if d.grpcServer != nil {
		g.Go(func() error {
			if err := d.grpcServer.Serve(d.healthListener); err != nil &&
				!errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve health: %w", err)
			}

			return nil
		})
	}

	if d.httpServer != nil {
		g.Go(func() error {
			if err := d.httpServer.Serve(d.metricsListener); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.stopSideChannels()

		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if shutdownErr := d.registry.Shutdown(shutdownCtx); shutdownErr != nil {
		d.logger.Warn("shut down registry", "err", shutdownErr)
		err = errors.Join(err, shutdownErr)
	}

	d.logger.Info("daemon stopped")

	return err
}

func (d *daemon) stopSideChannels() {
	if d.health != nil {
		d.health.Shutdown()
	}

	if d.grpcServer != nil {
		d.grpcServer.GracefulStop()

		if err := os.Remove(d.cfg.HealthSocket); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("remove health socket", "err", err)
		}
	}

	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()

		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.logger.Warn("shut down metrics server", "err", err)
		}
	}
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}
