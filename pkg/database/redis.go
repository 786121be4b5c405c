package database

import (
	"context"
	"fmt"
	"time"

	"github.com/pranav-miglani/dental-record/pkg/config"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection configuration
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	MaxIdleTime  time.Duration
}

// DefaultRedisConfig returns a default configuration for local development
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxIdleTime:  5 * time.Minute,
	}
}

// RedisFromConfig overlays the configured connection fields on the defaults
func RedisFromConfig(cfg config.RedisConfig) RedisConfig {
	rc := DefaultRedisConfig()
	if cfg.Host != "" {
		rc.Host = cfg.Host
	}
	if cfg.Port != 0 {
		rc.Port = cfg.Port
	}
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	return rc
}

// Redis represents a Redis client connection pool
type Redis struct {
	client *redis.Client
}

// NewRedis creates a new Redis client and pings it
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxIdleTime: cfg.MaxIdleTime,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// Client returns the underlying Redis client
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if the Redis connection is alive
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
