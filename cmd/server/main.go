// Command server starts the ClipForge coordination API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clipforge/internal/api"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/queue"
	"clipforge/internal/quota"
	"clipforge/internal/serverutil"
	"clipforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisName := flag.String("queue-redis-name", "", "Redis key prefix for the job queue")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
	bucket := flag.String("object-bucket", "", "object storage bucket for uploads")
	quotaLimit := flag.Int64("quota-limit-bytes", 0, "per-org storage limit in bytes")
	maxAttempts := flag.Int("max-attempts", 0, "maximum transcode attempts per job")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
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

	repo, err := buildRepository(ctx, repositoryOptions{
		Driver:              firstNonEmpty(*storageDriver, os.Getenv("CLIPFORGE_STORAGE_DRIVER")),
		DSN:                 firstNonEmpty(*postgresDSN, os.Getenv("CLIPFORGE_POSTGRES_DSN")),
		MaxConns:            *postgresMaxConns,
		MinConns:            *postgresMinConns,
		MaxConnLifetime:     *postgresMaxConnLifetime,
		MaxConnIdleTime:     *postgresMaxConnIdle,
		HealthCheckInterval: *postgresHealthInterval,
		AcquireTimeout:      *postgresAcquireTimeout,
		MaxAttempts:         intSetting(*maxAttempts, "CLIPFORGE_MAX_ATTEMPTS", logger),
		ApplicationName:     "clipforge-server",
	})
	if err != nil {
		logger.Error("failed to initialise storage", "error", err)
		os.Exit(1)
	}
	defer repo.Close(context.Background())

	jobQueue, err := buildQueue(queueOptions{
		Driver:        firstNonEmpty(*queueDriver, os.Getenv("CLIPFORGE_QUEUE_DRIVER")),
		Addr:          firstNonEmpty(*redisAddr, os.Getenv("CLIPFORGE_QUEUE_REDIS_ADDR")),
		Addrs:         splitList(firstNonEmpty(*redisAddrs, os.Getenv("CLIPFORGE_QUEUE_REDIS_ADDRS"))),
		Username:      firstNonEmpty(*redisUsername, os.Getenv("CLIPFORGE_QUEUE_REDIS_USERNAME")),
		Password:      firstNonEmpty(*redisPassword, os.Getenv("CLIPFORGE_QUEUE_REDIS_PASSWORD")),
		Name:          firstNonEmpty(*redisName, os.Getenv("CLIPFORGE_QUEUE_REDIS_NAME")),
		MasterName:    *redisMasterName,
		PoolSize:      *redisPoolSize,
		TLSCA:         *redisTLSCA,
		TLSCert:       *redisTLSCert,
		TLSKey:        *redisTLSKey,
		TLSServerName: *redisTLSServerName,
		TLSSkip:       *redisTLSSkipVerify,
		Logger:        logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to initialise queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	limit := int64Setting(*quotaLimit, "CLIPFORGE_QUOTA_LIMIT_BYTES", logger)
	quotaCtrl := quota.NewController(repo, staticLimit(limit), logging.WithComponent(logger, "quota"))

	handler := api.NewHandler(repo, quotaCtrl, jobQueue, firstNonEmpty(*bucket, os.Getenv("CLIPFORGE_OBJECT_BUCKET")))
	handler.Logger = logger
	handler.Metrics = recorder

	listenAddr := firstNonEmpty(*addr, os.Getenv("CLIPFORGE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server listening", "addr", listenAddr)
	if err := serverutil.Run(ctx, serverutil.Config{
		Server: httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLIPFORGE_TLS_KEY")),
		},
	}); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type repositoryOptions struct {
	Driver              string
	DSN                 string
	MaxConns            int
	MinConns            int
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	MaxAttempts         int
	ApplicationName     string
}

func buildRepository(ctx context.Context, opts repositoryOptions) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "postgres":
		if strings.TrimSpace(opts.DSN) == "" {
			if driver == "postgres" {
				return nil, fmt.Errorf("postgres driver requires a DSN")
			}
			return memoryRepository(opts.MaxAttempts), nil
		}
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:                 opts.DSN,
			MaxConnections:      int32(opts.MaxConns),
			MinConnections:      int32(opts.MinConns),
			MaxConnLifetime:     opts.MaxConnLifetime,
			MaxConnIdleTime:     opts.MaxConnIdleTime,
			HealthCheckInterval: opts.HealthCheckInterval,
			AcquireTimeout:      opts.AcquireTimeout,
			ApplicationName:     opts.ApplicationName,
			MaxAttempts:         opts.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close(ctx)
			return nil, err
		}
		return repo, nil
	case "memory":
		return memoryRepository(opts.MaxAttempts), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func memoryRepository(maxAttempts int) *storage.MemoryRepository {
	if maxAttempts > 0 {
		return storage.NewMemoryRepository(storage.WithMaxAttempts(maxAttempts))
	}
	return storage.NewMemoryRepository()
}

type queueOptions struct {
	Driver        string
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	Name          string
	MasterName    string
	PoolSize      int
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkip       bool
	Logger        *slog.Logger
}

func buildQueue(opts queueOptions) (queue.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "redis":
		if driver == "" && opts.Addr == "" && len(opts.Addrs) == 0 {
			return queue.NewMemoryQueue(), nil
		}
		return queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:       opts.Addr,
			Addrs:      opts.Addrs,
			Username:   opts.Username,
			Password:   opts.Password,
			Name:       opts.Name,
			MasterName: opts.MasterName,
			PoolSize:   opts.PoolSize,
			Logger:     opts.Logger,
			TLS: queue.RedisTLSConfig{
				CAFile:             opts.TLSCA,
				CertFile:           opts.TLSCert,
				KeyFile:            opts.TLSKey,
				ServerName:         opts.TLSServerName,
				InsecureSkipVerify: opts.TLSSkip,
			},
		})
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", opts.Driver)
	}
}

func staticLimit(limit int64) quota.LimitResolver {
	return func(context.Context, string) (int64, error) {
		return limit, nil
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

func intSetting(flagValue int, envName string, logger *slog.Logger) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envName)); env != "" {
		value, err := strconv.Atoi(env)
		if err != nil || value <= 0 {
			logger.Warn("invalid setting", "env", envName, "value", env)
			return 0
		}
		return value
	}
	return 0
}

func int64Setting(flagValue int64, envName string, logger *slog.Logger) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envName)); env != "" {
		value, err := strconv.ParseInt(env, 10, 64)
		if err != nil || value <= 0 {
			logger.Warn("invalid setting", "env", envName, "value", env)
			return 0
		}
		return value
	}
	return 0
}
