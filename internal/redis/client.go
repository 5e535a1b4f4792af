// Package redis holds the short-lived coordination state shared by service
// instances: launch and reply locks, idempotent launch replays and API rate
// limits.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int

	// Namespace prefixes every key so several deployments can share one
	// instance. Empty means no prefix.
	Namespace string
}

// Client is the connection shared by the lock, idempotency and rate limit
// services. All of them build keys through key so they land in one namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

// New connects to Redis and pings it. A gateway that cannot reach Redis must
// not start: launches and replies are serialized through its locks.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", rdb.Options().Addr),
		zap.String("namespace", cfg.Namespace),
		zap.Int("pool_size", poolSize),
	)

	return &Client{rdb: rdb, namespace: cfg.Namespace, logger: logger}, nil
}

// Wrap adopts an existing go-redis client, e.g. one pointed at miniredis.
// Keys carry no namespace.
func Wrap(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// WithNamespace returns a client sharing the connection under another prefix.
func (c *Client) WithNamespace(ns string) *Client {
	return &Client{rdb: c.rdb, namespace: ns, logger: c.logger}
}

func (c *Client) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
