package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration for the dental record service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Blob    BlobConfig    `yaml:"blob"`
	Cursor  CursorConfig  `yaml:"cursor"`
	Archive ArchiveConfig `yaml:"archive"`
	Images  ImagesConfig  `yaml:"images"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory, dynamodb, postgres
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type DynamoDBConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	TablePrefix     string `yaml:"table_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PostgresConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	Database          string        `yaml:"database"`
	SSLMode           string        `yaml:"ssl_mode"`
	MaxConnections    int32         `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// BlobConfig selects the blob backend and the active and cold buckets.
type BlobConfig struct {
	Backend              string `yaml:"backend"` // memory, s3, minio
	Region               string `yaml:"region"`
	Endpoint             string `yaml:"endpoint"`
	PathStyle            bool   `yaml:"path_style"`
	UseSSL               bool   `yaml:"use_ssl"`
	AccessKeyID          string `yaml:"access_key_id"`
	SecretAccessKey      string `yaml:"secret_access_key"`
	ImagesBucket         string `yaml:"images_bucket"`
	ArchiveBucket        string `yaml:"archive_bucket"`
	ArchiveStorageClass  string `yaml:"archive_storage_class"`
	ServerSideEncryption string `yaml:"sse"`
}

// CursorConfig selects where the archival sweep persists its cursor.
type CursorConfig struct {
	Backend string      `yaml:"backend"` // store, redis
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ArchiveConfig struct {
	Retention time.Duration `yaml:"retention"`
	PageSize  int           `yaml:"page_size"`
	Interval  time.Duration `yaml:"interval"`
	SweepName string        `yaml:"sweep_name"`
}

type ImagesConfig struct {
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	SignedURLTTL      time.Duration `yaml:"signed_url_ttl"`
	ThumbnailQuality  int           `yaml:"thumbnail_quality"`
	CompressedQuality int           `yaml:"compressed_quality"`
	MaxPixels         int64         `yaml:"max_pixels"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File appends log lines to a file instead of stdout.
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file. A missing file is not an error: defaults and
// environment overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AWS_REGION"); v != "" {
		if c.Blob.Region == "" {
			c.Blob.Region = v
		}
		if c.Store.DynamoDB.Region == "" {
			c.Store.DynamoDB.Region = v
		}
	}
	if v := os.Getenv("IMAGES_BUCKET"); v != "" {
		c.Blob.ImagesBucket = v
	}
	if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
		c.Blob.ArchiveBucket = v
	}
	if v := os.Getenv("DENTAL_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("DENTAL_BLOB_BACKEND"); v != "" {
		c.Blob.Backend = v
	}
	if v := os.Getenv("DENTAL_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DENTAL_POSTGRES_PASSWORD"); v != "" {
		c.Store.Postgres.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.DynamoDB.Region == "" {
		c.Store.DynamoDB.Region = "us-east-1"
	}
	if c.Store.DynamoDB.TablePrefix == "" {
		c.Store.DynamoDB.TablePrefix = "dental_"
	}
	if c.Store.Postgres.Port == 0 {
		c.Store.Postgres.Port = 5432
	}
	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = "disable"
	}
	if c.Store.Postgres.MaxConnections == 0 {
		c.Store.Postgres.MaxConnections = 10
	}
	if c.Store.Postgres.ConnectionTimeout == 0 {
		c.Store.Postgres.ConnectionTimeout = 10 * time.Second
	}

	if c.Blob.Backend == "" {
		c.Blob.Backend = "memory"
	}
	if c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}
	if c.Blob.ImagesBucket == "" {
		c.Blob.ImagesBucket = "dental-hospital-images-prod"
	}
	if c.Blob.ArchiveBucket == "" {
		c.Blob.ArchiveBucket = "dental-hospital-archive-prod"
	}
	if c.Blob.ArchiveStorageClass == "" {
		c.Blob.ArchiveStorageClass = "STANDARD_IA"
	}
	if c.Blob.ServerSideEncryption == "" {
		c.Blob.ServerSideEncryption = "AES256"
	}

	if c.Cursor.Backend == "" {
		c.Cursor.Backend = "store"
	}
	if c.Cursor.Redis.Host == "" {
		c.Cursor.Redis.Host = "localhost"
	}
	if c.Cursor.Redis.Port == 0 {
		c.Cursor.Redis.Port = 6379
	}

	if c.Archive.Retention == 0 {
		c.Archive.Retention = 3 * 365 * 24 * time.Hour
	}
	if c.Archive.PageSize == 0 {
		c.Archive.PageSize = 100
	}
	if c.Archive.Interval == 0 {
		c.Archive.Interval = 24 * time.Hour
	}
	if c.Archive.SweepName == "" {
		c.Archive.SweepName = "archive-procedures"
	}

	if c.Images.MaxUploadBytes == 0 {
		c.Images.MaxUploadBytes = 10 * 1024 * 1024
	}
	if c.Images.SignedURLTTL == 0 {
		c.Images.SignedURLTTL = time.Hour
	}
	if c.Images.ThumbnailQuality == 0 {
		c.Images.ThumbnailQuality = 85
	}
	if c.Images.CompressedQuality == 0 {
		c.Images.CompressedQuality = 70
	}
	if c.Images.MaxPixels == 0 {
		c.Images.MaxPixels = 50_000_000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks backend names and the values that must be positive.
func (c *Config) Validate() error {
	if !oneOf(c.Store.Backend, "memory", "dynamodb", "postgres") {
		return fmt.Errorf("store.backend must be one of memory, dynamodb, postgres (got %q)", c.Store.Backend)
	}
	if !oneOf(c.Blob.Backend, "memory", "s3", "minio") {
		return fmt.Errorf("blob.backend must be one of memory, s3, minio (got %q)", c.Blob.Backend)
	}
	if !oneOf(c.Cursor.Backend, "store", "redis") {
		return fmt.Errorf("cursor.backend must be one of store, redis (got %q)", c.Cursor.Backend)
	}
	if c.Store.Backend == "postgres" && (c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "") {
		return fmt.Errorf("store.postgres.host and store.postgres.database are required for the postgres backend")
	}
	if c.Images.ThumbnailQuality < 1 || c.Images.ThumbnailQuality > 100 {
		return fmt.Errorf("images.thumbnail_quality must be between 1 and 100")
	}
	if c.Images.CompressedQuality < 1 || c.Images.CompressedQuality > 100 {
		return fmt.Errorf("images.compressed_quality must be between 1 and 100")
	}
	if c.Images.MaxPixels < 1 {
		return fmt.Errorf("images.max_pixels must be positive")
	}
	if c.Archive.PageSize < 1 {
		return fmt.Errorf("archive.page_size must be positive")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	v = strings.ToLower(v)
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
