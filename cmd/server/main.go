package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"ktrdr/internal/api"
	"ktrdr/internal/cancel"
	"ktrdr/internal/data"
	"ktrdr/internal/dataload"
	"ktrdr/internal/enum"
	"ktrdr/internal/hostsvc"
	"ktrdr/internal/logger"
	"ktrdr/internal/model"
	"ktrdr/internal/ops"
	"ktrdr/internal/pubsub"
	"ktrdr/internal/training"
)

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "ktrdr",
		Usage:   "KTRDR research platform - neuro-fuzzy strategy training and operations",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the operations server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVars: []string{"KTRDR_HOST"}},
					&cli.IntFlag{Name: "port", Value: 8000, EnvVars: []string{"KTRDR_PORT"}},
					&cli.StringFlag{
						Name:    "backend",
						Usage:   "Storage backend: csv or timescale",
						Value:   "csv",
						EnvVars: []string{"KTRDR_BACKEND"},
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Usage:   "Root directory for the CSV backend",
						Value:   "./data/bars",
						EnvVars: []string{"KTRDR_DATA_DIR"},
					},
					&cli.StringFlag{
						Name:    "postgres-dsn",
						Usage:   "Connection string for the timescale backend",
						EnvVars: []string{"KTRDR_POSTGRES_DSN"},
					},
					&cli.StringFlag{
						Name:    "base-timeframe",
						Usage:   "Stored granularity of the timescale backend",
						Value:   "5m",
						EnvVars: []string{"KTRDR_BASE_TIMEFRAME"},
					},
					&cli.StringFlag{
						Name:    "models-dir",
						Value:   "./data/models",
						EnvVars: []string{"KTRDR_MODELS_DIR"},
					},
					&cli.StringFlag{
						Name:    "strategies-dir",
						Value:   "./strategies",
						EnvVars: []string{"KTRDR_STRATEGIES_DIR"},
					},
					&cli.StringFlag{
						Name:    "training-host-url",
						Usage:   "Detached training host URL; empty trains in-process",
						EnvVars: []string{"KTRDR_TRAINING_HOST_URL"},
					},
					&cli.StringFlag{
						Name:    "redis-url",
						Usage:   "Redis URL for the event stream; empty uses in-memory pubsub",
						EnvVars: []string{"KTRDR_REDIS_URL"},
					},
					&cli.DurationFlag{
						Name:    "cleanup-interval",
						Usage:   "How often terminal operations are purged",
						Value:   time.Hour,
						EnvVars: []string{"KTRDR_CLEANUP_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "cleanup-retention",
						Usage:   "How long terminal operations are kept",
						Value:   24 * time.Hour,
						EnvVars: []string{"KTRDR_CLEANUP_RETENTION"},
					},
					&cli.DurationFlag{
						Name:    "training-max-duration",
						Usage:   "Duration budget for training operations; zero disables",
						EnvVars: []string{"KTRDR_TRAINING_MAX_DURATION"},
					},
				},
				Action: runServer,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(c *cli.Context) error {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ctx, zlog := logger.Prepare(ctx)
	defer func() { _ = zlog.Sync() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		zlog.Info("shutdown signal received")
		cancelCtx()
	}()

	backend, resampleBase, err := buildBackend(ctx, c)
	if err != nil {
		return err
	}
	repo := data.NewRepository(backend, resampleBase)
	defer repo.Close()

	store, err := model.NewStorage(c.String("models-dir"))
	if err != nil {
		return err
	}

	events, err := buildPubSub(c, zlog)
	if err != nil {
		return err
	}
	defer events.Close()

	var host hostsvc.Host
	if url := c.String("training-host-url"); url != "" {
		host = hostsvc.NewClient(url)
	}

	registry := ops.NewRegistry(events, host)
	coordinator := cancel.NewCoordinator()
	orchestrator := ops.NewOrchestrator(registry, coordinator)
	if d := c.Duration("training-max-duration"); d > 0 {
		orchestrator.SetMaxDuration(enum.OperationKindTraining, d)
	}

	trainingSvc := training.NewService(orchestrator, training.NewPipeline(repo, store), host)
	dataloadSvc := dataload.NewService(orchestrator, repo, noSource{}, c.String("backend"))

	go cleanupLoop(ctx, registry, c.Duration("cleanup-interval"), c.Duration("cleanup-retention"))

	srv := api.NewServer(orchestrator, trainingSvc, dataloadSvc, api.Config{
		StrategiesDir:     c.String("strategies-dir"),
		AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:3000"},
		RequestsPerMinute: 600,
	})

	addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("server ready",
			zap.String("addr", addr),
			zap.String("backend", c.String("backend")))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// Cancel every non-terminal operation with reason "shutdown", then stop
	// accepting requests.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	orchestrator.Shutdown(logger.With(shutdownCtx, zlog))
	return httpServer.Shutdown(shutdownCtx)
}

func buildBackend(ctx context.Context, c *cli.Context) (data.Backend, string, error) {
	switch c.String("backend") {
	case "csv":
		b, err := data.NewCSVBackend(c.String("data-dir"))
		return b, "", err
	case "timescale":
		dsn := c.String("postgres-dsn")
		if dsn == "" {
			return nil, "", fmt.Errorf("timescale backend requires --postgres-dsn")
		}
		base := c.String("base-timeframe")
		b, err := data.NewTimescaleBackend(ctx, dsn, base, logger.FromContext(ctx))
		return b, base, err
	default:
		return nil, "", fmt.Errorf("unknown backend %q (use csv or timescale)", c.String("backend"))
	}
}

func buildPubSub(c *cli.Context, zlog *zap.Logger) (pubsub.PubSub, error) {
	url := c.String("redis-url")
	if url == "" {
		return pubsub.NewMemory(zlog), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return pubsub.NewRedis(redis.NewClient(opts), zlog), nil
}

// cleanupLoop periodically purges old terminal operations.
func cleanupLoop(ctx context.Context, registry *ops.Registry, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.CleanupOlderThan(retention); n > 0 {
				logger.FromContext(ctx).Info("purged terminal operations", zap.Int("count", n))
			}
		}
	}
}

// noSource rejects data loads until an external vendor adapter is wired in.
// The vendor protocol lives outside the core.
type noSource struct{}

func (noSource) Fetch(ctx context.Context, symbol, timeframe string, rng data.Range) ([]data.Bar, error) {
	return nil, fmt.Errorf("no external data source configured")
}

func (noSource) Name() string { return "none" }
