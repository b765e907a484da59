package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

// Client owns the redis connection pool shared by ticket storage and the cleaner lock.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	cfg    config.RedisSettings
}

// NewClient dials redis and verifies connectivity before returning.
func NewClient(ctx context.Context, cfg config.RedisSettings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("Redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return &Client{client: client, logger: logger, cfg: cfg}, nil
}

func clientOptions(cfg config.RedisSettings) *redis.Options {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client returns the underlying redis.Client for repositories.
func (c *Client) Client() *redis.Client {
	return c.client
}

// KeyPrefix is the namespace applied to every registry key.
func (c *Client) KeyPrefix() string {
	return c.cfg.KeyPrefix
}

// HealthCheck performs a ping to verify Redis connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the Redis connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics for monitoring
func (c *Client) Stats() *redis.PoolStats {
	return c.client.PoolStats()
}
