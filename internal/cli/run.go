package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-timer/internal/alarm"
	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/server"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/internal/storage/journal"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Beaver-Timer scheduler daemon",
		Long:  "Load sessions and timers from the store, then serve JSON-RPC, gRPC health and metrics until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

// runSystem wires storage, journal, alarm pool, coordinator and the network
// endpoints, and blocks until ctx is cancelled or an endpoint fails.
func runSystem(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := docstore.Open(cfg.StoragePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if cfg.Seed.Path != "" {
		data, err := snapshot.ReadFile(afero.NewOsFs(), cfg.Seed.Path)
		if err != nil {
			return fmt.Errorf("failed to read seed: %w", err)
		}
		n, err := snapshot.Import(ctx, store, data)
		if err != nil {
			return fmt.Errorf("failed to import seed: %w", err)
		}
		logger.Info("Seed imported", "path", cfg.Seed.Path, "documents", n)
	}

	jr, err := journal.Open(afero.NewOsFs(), cfg.JournalPath(), journal.Options{
		SyncOnAppend: cfg.Journal.SyncOnAppend,
		Archive:      cfg.Journal.Archive,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jr.Close()

	var collector *metrics.Collector
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg)
	}

	pool := alarm.NewPool(newPlayer(cfg), alarm.Options{
		QueueSize: cfg.Alarm.QueueSize,
		Timeout:   cfg.Alarm.Timeout,
		Logger:    logger,
		OnDrop:    func(string) { collector.RecordAlarmDropped() },
	})
	if err := pool.Start(cfg.Alarm.Workers); err != nil {
		return fmt.Errorf("failed to start alarm pool: %w", err)
	}
	defer pool.Stop()

	coord := controller.New(store, controller.Config{
		Clock:           clock.Real(),
		Alarm:           pool,
		TickInterval:    cfg.Timer.TickInterval,
		DefaultDuration: cfg.Timer.DefaultDuration.Milliseconds(),
		Retry:           cfg.RetryConfig(),
		Journal:         jr,
		Metrics:         collector,
		Logger:          logger,
	})
	defer coord.Stop()
	coord.Start()

	rpc := server.New(coord, server.Config{Token: cfg.Server.Token, Version: Version, Logger: logger})
	defer rpc.Close()

	g, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/rpc", rpc.Handler())
	serveHTTP(gctx, g, logger, "rpc", &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(reg))
		serveHTTP(gctx, g, logger, "metrics", &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second})
	}

	if cfg.Health.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Health.Addr, err)
		}
		health := server.NewHealth()
		g.Go(func() error {
			logger.Info("Health server listening", "addr", lis.Addr().String())
			return health.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Stop()
			return nil
		})
		g.Go(func() error {
			if err := health.Track(gctx, coord); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := coord.WaitIdle(gctx); err != nil {
			return nil
		}
		logger.Info("Scheduler ready", "phase", coord.Phase().String())
		return nil
	})

	if cfg.Seed.Path != "" && cfg.Seed.Watch {
		g.Go(func() error {
			return snapshot.Watch(gctx, cfg.Seed.Path, snapshot.DefaultDebounce, logger, func(data types.SnapshotData) {
				if err := coord.Import(gctx, data); err != nil {
					logger.Warn("Seed reload skipped", "error", err)
				}
			})
		})
	}

	logger.Info("Beaver-Timer started", "version", Version, "config", configFile)
	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

// serveHTTP runs srv in g and shuts it down when ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, logger *slog.Logger, name string, srv *http.Server) {
	g.Go(func() error {
		logger.Info("HTTP server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func newPlayer(cfg *config.Config) alarm.Player {
	switch cfg.Alarm.Player {
	case "command":
		return alarm.CommandPlayer{Argv: cfg.Alarm.Command}
	case "none":
		return alarm.NopPlayer{}
	}
	return &alarm.BellPlayer{W: os.Stdout}
}
