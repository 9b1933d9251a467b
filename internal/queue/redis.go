package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis-backed lease queue implementation.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Name         string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisQueue initialises a lease queue backed by Redis. Ready messages
// live in a list, leased messages in a sorted set scored by their visibility
// deadline, and payloads in a hash. Receive reclaims expired leases before
// popping, which is the only recovery path for crashed consumers.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "clipforge:transcode"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &redisQueue{
		client: client,
		ready:  name + ":ready",
		leased: name + ":leased",
		bodies: name + ":bodies",
		logger: cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	return queue, nil
}

type redisQueue struct {
	client redis.UniversalClient
	ready  string
	leased string
	bodies string
	logger *slog.Logger
}

// leaseMember binds a lease to one receive. The sorted set holds id:token
// members, so a holder whose lease expired and was re-received cannot touch
// the new holder's lease.
func leaseMember(id, token string) string {
	return id + ":" + token
}

func (q *redisQueue) Enqueue(ctx context.Context, body []byte) error {
	id := uuid.NewString()
	if err := q.client.HSet(ctx, q.bodies, id, string(body)).Err(); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, id).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *redisQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error) {
	if err := q.reclaimExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("queue reclaim failed", "error", err)
	}
	if wait < time.Second {
		wait = time.Second
	}
	vals, err := q.client.BRPop(ctx, wait, q.ready).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(vals) != 2 || vals[1] == "" {
		return nil, nil
	}
	id := vals[1]
	token := uuid.NewString()
	member := leaseMember(id, token)
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	if err := q.client.ZAdd(ctx, q.leased, redis.Z{Score: deadline, Member: member}).Err(); err != nil {
		return nil, fmt.Errorf("lease message: %w", err)
	}
	body, err := q.client.HGet(ctx, q.bodies, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Payload was deleted out from under the id; drop the lease.
			q.client.ZRem(ctx, q.leased, member)
			return nil, nil
		}
		return nil, err
	}
	return &Delivery{ID: id, Token: token, Body: []byte(body)}, nil
}

func (q *redisQueue) Extend(ctx context.Context, d *Delivery, visibility time.Duration) error {
	member := leaseMember(d.ID, d.Token)
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	changed, err := q.client.ZAddArgs(ctx, q.leased, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: deadline, Member: member}},
	}).Result()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if changed == 0 {
		// CH reports zero both for a missing member and for an unchanged
		// score. Only the missing member means the lease was lost.
		if err := q.client.ZScore(ctx, q.leased, member).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrLeaseLost
			}
			return fmt.Errorf("extend lease: %w", err)
		}
	}
	return nil
}

func (q *redisQueue) Delete(ctx context.Context, d *Delivery) error {
	removed, err := q.client.ZRem(ctx, q.leased, leaseMember(d.ID, d.Token)).Result()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if removed == 0 {
		return ErrLeaseLost
	}
	if err := q.client.HDel(ctx, q.bodies, d.ID).Err(); err != nil {
		q.logger.Warn("queue payload cleanup failed", "id", d.ID, "error", err)
	}
	return nil
}

// reclaimExpired moves messages whose visibility deadline has passed back to
// the ready list. ZREM is the ownership race: only the caller that removes
// the member requeues it.
func (q *redisQueue) reclaimExpired(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.leased, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    now,
		Offset: 0,
		Count:  64,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, member := range members {
		id, _, ok := strings.Cut(member, ":")
		if !ok || id == "" {
			continue
		}
		removed, err := q.client.ZRem(ctx, q.leased, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.ready, id).Err(); err != nil {
			return err
		}
		q.logger.Info("queue message reclaimed", "id", id)
	}
	return nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
