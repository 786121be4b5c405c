package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pranav-miglani/dental-record/pkg/config"
)

// PostgreSQL represents a PostgreSQL connection pool
type PostgreSQL struct {
	pool *pgxpool.Pool
}

type PostgreSQLConfig struct {
	User              string
	Password          string
	Host              string
	Port              int
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// PostgreSQLFromConfig maps the store section of the service configuration
func PostgreSQLFromConfig(cfg config.PostgresConfig) PostgreSQLConfig {
	return PostgreSQLConfig{
		User:              cfg.User,
		Password:          cfg.Password,
		Host:              cfg.Host,
		Port:              cfg.Port,
		Database:          cfg.Database,
		SSLMode:           cfg.SSLMode,
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}
}

// New creates a new PostgreSQL pool and verifies it with a ping
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}

	// Fields are set individually so passwords with special characters survive
	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = cfg.Database
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	if cfg.SSLMode == "disable" {
		poolConfig.ConnConfig.TLSConfig = nil
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the database connection
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
