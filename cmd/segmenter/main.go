// Command segmenter sweeps streaming-ready assets and writes their segment
// index. Run it once for a backfill or with an interval for a steady sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/segment"
	"clipforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	window := flag.Float64("window-seconds", 0, "nominal segment length in seconds")
	interval := flag.Duration("interval", 0, "sweep interval; zero runs a single pass")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPFORGE_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CLIPFORGE_POSTGRES_DSN"))
	if dsn == "" {
		logger.Error("postgres DSN is required")
		os.Exit(1)
	}
	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:             dsn,
		ApplicationName: "clipforge-segmenter",
	})
	if err != nil {
		logger.Error("failed to initialise storage", "error", err)
		os.Exit(1)
	}
	defer repo.Close(context.Background())

	opts := []segment.Option{segment.WithLogger(logger)}
	if *window > 0 {
		opts = append(opts, segment.WithWindowSeconds(*window))
	}
	generator := segment.NewGenerator(repo, opts...)

	sweep := func() {
		created, failed, err := generator.GenerateAll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweep failed", "error", err)
			return
		}
		metrics.ObserveSegmentsCreated(created)
		logger.Info("sweep complete", "segments_created", created, "assets_failed", failed)
	}

	sweep()
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("segmenter stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
