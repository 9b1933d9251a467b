// Command worker runs transcode workers against the job queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/queue"
	"clipforge/internal/segment"
	"clipforge/internal/serverutil"
	"clipforge/internal/storage"
	"clipforge/internal/transcode"
)

func main() {
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisName := flag.String("queue-redis-name", "", "Redis key prefix for the job queue")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	scratchDir := flag.String("scratch-dir", "", "working directory for in-flight jobs")
	workers := flag.Int("workers", 1, "number of concurrent transcode workers")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	hardwareDecoder := flag.String("hardware-decoder", "", "ffmpeg hardware decoder (e.g. h264_cuvid), empty for software")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "gap between lease extensions")
	heartbeatExtension := flag.Duration("heartbeat-extension", 0, "visibility window granted per extension")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the metrics endpoint")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CLIPFORGE_POSTGRES_DSN"))
	if dsn == "" {
		logger.Error("postgres DSN is required")
		os.Exit(1)
	}
	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:             dsn,
		ApplicationName: "clipforge-worker",
	})
	if err != nil {
		logger.Error("failed to initialise storage", "error", err)
		os.Exit(1)
	}
	defer repo.Close(context.Background())

	jobQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("CLIPFORGE_QUEUE_REDIS_ADDR")),
		Addrs:      splitList(firstNonEmpty(*redisAddrs, os.Getenv("CLIPFORGE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("CLIPFORGE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("CLIPFORGE_QUEUE_REDIS_PASSWORD")),
		Name:       firstNonEmpty(*redisName, os.Getenv("CLIPFORGE_QUEUE_REDIS_NAME")),
		MasterName: *redisMasterName,
		PoolSize:   *redisPoolSize,
		Logger:     logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to initialise queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	store, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("CLIPFORGE_OBJECT_ENDPOINT")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("CLIPFORGE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("CLIPFORGE_OBJECT_SECRET_KEY")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("CLIPFORGE_OBJECT_REGION")),
		UseSSL:    *objectUseSSL,
	})
	if err != nil {
		logger.Error("failed to initialise object store", "error", err)
		os.Exit(1)
	}

	pipeline := transcode.NewFFmpegPipeline(transcode.FFmpegConfig{
		FFmpegPath:      firstNonEmpty(*ffmpegPath, os.Getenv("CLIPFORGE_FFMPEG_PATH")),
		FFprobePath:     firstNonEmpty(*ffprobePath, os.Getenv("CLIPFORGE_FFPROBE_PATH")),
		HardwareDecoder: firstNonEmpty(*hardwareDecoder, os.Getenv("CLIPFORGE_HARDWARE_DECODER")),
		Logger:          logging.WithComponent(logger, "ffmpeg"),
	})
	generator := segment.NewGenerator(repo, segment.WithLogger(logging.WithComponent(logger, "segments")))

	workerCount := *workers
	if workerCount < 1 {
		workerCount = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		workerLogger := logger.With("worker", i)
		worker, err := transcode.NewWorker(transcode.WorkerConfig{
			Queue:              jobQueue,
			Repo:               repo,
			Store:              store,
			Pipeline:           pipeline,
			Segments:           generator,
			Bucket:             firstNonEmpty(*objectBucket, os.Getenv("CLIPFORGE_OBJECT_BUCKET")),
			ScratchDir:         firstNonEmpty(*scratchDir, os.Getenv("CLIPFORGE_SCRATCH_DIR")),
			HeartbeatInterval:  *heartbeatInterval,
			HeartbeatExtension: *heartbeatExtension,
			Logger:             workerLogger,
			Metrics:            recorder,
		})
		if err != nil {
			logger.Error("failed to configure worker", "error", err)
			os.Exit(1)
		}
		group.Go(func() error {
			err := worker.Run(groupCtx)
			if err != nil && groupCtx.Err() == nil {
				return fmt.Errorf("worker stopped: %w", err)
			}
			return nil
		})
	}

	if addr := firstNonEmpty(*metricsAddr, os.Getenv("CLIPFORGE_METRICS_ADDR")); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		group.Go(func() error {
			return serverutil.Run(groupCtx, serverutil.Config{
				Server: &http.Server{
					Addr:              addr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				},
			})
		})
		logger.Info("metrics listening", "addr", addr)
	}

	logger.Info("workers started", "count", workerCount)
	if err := group.Wait(); err != nil {
		logger.Error("worker pool stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("workers stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
