package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/apirutv/server-vision-pipeline/internal/indexer/deadletter"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/document"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/seen"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/sink"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/worker"
	"github.com/apirutv/server-vision-pipeline/pkg/config"
	"github.com/apirutv/server-vision-pipeline/pkg/health"
	"github.com/apirutv/server-vision-pipeline/pkg/logger"
	"github.com/apirutv/server-vision-pipeline/pkg/metrics"
	"github.com/apirutv/server-vision-pipeline/pkg/stream"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir, "indexer_worker"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	slog.Info("indexer worker starting",
		"redis", cfg.Redis.Addr,
		"stream", cfg.Stream.In,
		"group", cfg.Stream.Group,
		"consumer", cfg.Stream.Consumer,
		"sink", cfg.Indexer.SinkPath,
	)

	client, err := stream.NewRedis(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	seenStore, err := seen.Open(cfg.Indexer.LedgerPath)
	if err != nil {
		slog.Error("failed to open idempotency ledger", "error", err)
		os.Exit(1)
	}
	defer seenStore.Close()
	slog.Info("idempotency ledger loaded", "seen_ids", seenStore.Len())

	sinkWriter, err := sink.Open(cfg.Indexer.SinkPath)
	if err != nil {
		slog.Error("failed to open sink", "error", err)
		os.Exit(1)
	}
	defer sinkWriter.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	builder := document.NewBuilder(cfg.Indexer.EnrichFromFiles)
	dlq := deadletter.New(client, cfg.Stream.DeadLetter, cfg.Stream.In, cfg.Stream.DeadLetterCap)
	w := worker.New(client, cfg.Stream, cfg.Indexer, seenStore, sinkWriter, builder, dlq, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("broker", brokerCheck(client))
		checker.Register("sink", sinkDirCheck(cfg.Indexer.SinkPath))
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/healthz": checker.LiveHandler(),
			"/readyz":  checker.ReadyHandler(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("worker error", "error", err)
	}

	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	slog.Info("indexer worker stopped")
}

// brokerCheck probes broker reachability with a PING.
func brokerCheck(client *stream.Redis) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := client.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

// sinkDirCheck verifies the sink directory is still writable.
func sinkDirCheck(sinkPath string) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		probe := filepath.Join(filepath.Dir(sinkPath), ".health_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		os.Remove(probe)
		return health.ComponentHealth{Status: health.StatusUp}
	}
}
