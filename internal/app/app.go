// Package app assembles the record store, blob tiers, services and HTTP server from the
// process configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pranav-miglani/dental-record/internal/api"
	"github.com/pranav-miglani/dental-record/internal/archive"
	"github.com/pranav-miglani/dental-record/internal/blob"
	"github.com/pranav-miglani/dental-record/internal/blob/minio"
	"github.com/pranav-miglani/dental-record/internal/blob/s3"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/persist"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/internal/store"
	"github.com/pranav-miglani/dental-record/internal/store/dynamodb"
	"github.com/pranav-miglani/dental-record/internal/store/postgres"
	"github.com/pranav-miglani/dental-record/pkg/config"
	"github.com/pranav-miglani/dental-record/pkg/database"
	"github.com/pranav-miglani/dental-record/pkg/health"
	"github.com/pranav-miglani/dental-record/pkg/logger"
)

// App holds the wired components of one process.
type App struct {
	Config     *config.Config
	Logger     *logger.Logger
	Registry   *registry.Registry
	Store      store.Store
	Blobs      blob.Tiers
	Procedures *procedure.Service
	Images     *image.Service
	Sweeper    *archive.Sweeper
	Scheduler  *archive.Scheduler
	Server     *api.Server
	Health     *health.Checker

	closers []func()
	once    sync.Once
}

// New connects the configured backends. The caller must Close the result.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, version string) (*App, error) {
	if log != nil {
		log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	}
	a := &App{Config: cfg, Logger: log, Registry: registry.Default(), Health: health.NewChecker(2 * time.Second)}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	cursors, err := a.openCursors(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registerStoreProbes()

	a.Procedures = procedure.NewService(a.Registry, persist.NewProcedures(a.Store), persist.NewSteps(a.Store), log)
	imageRepo := persist.NewImages(a.Store)
	a.Images = image.NewService(imageRepo, a.Blobs, image.Config{
		MaxUploadBytes:    cfg.Images.MaxUploadBytes,
		SignedURLTTL:      cfg.Images.SignedURLTTL,
		ThumbnailQuality:  cfg.Images.ThumbnailQuality,
		CompressedQuality: cfg.Images.CompressedQuality,
		MaxPixels:         cfg.Images.MaxPixels,
	}, log, image.WithStepLocator(a.Procedures))

	a.Sweeper = archive.NewSweeper(a.Procedures, imageRepo, a.Blobs, cursors, archive.Config{
		Retention: cfg.Archive.Retention,
		PageSize:  cfg.Archive.PageSize,
		SweepName: cfg.Archive.SweepName,
	}, log)
	a.Scheduler = archive.NewScheduler(a.Sweeper, cfg.Archive.Interval, log)

	// A batch of uploads plus multipart framing.
	maxBody := cfg.Images.MaxUploadBytes*8 + 1<<20
	a.Server = api.NewServer(a.Procedures, a.Images, a.Scheduler, log,
		api.WithMaxRequestBytes(maxBody), api.WithVersion(version), api.WithHealth(a.Health))
	return a, nil
}

const probeKey = "health-probe"

// registerStoreProbes adds the record store and blob tier checks. A missing probe key is
// the expected answer.
func (a *App) registerStoreProbes() {
	a.Health.Register("store", func(ctx context.Context) error {
		_, err := a.Store.Get(ctx, persist.TableProcedures, store.Key{ID: probeKey})
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	a.Health.Register("blob_active", func(ctx context.Context) error {
		_, err := a.Blobs.Active.Exists(ctx, probeKey)
		return err
	})
	a.Health.Register("blob_cold", func(ctx context.Context) error {
		_, err := a.Blobs.Cold.Exists(ctx, probeKey)
		return err
	})
}

func (a *App) openStore(ctx context.Context) error {
	sc := a.Config.Store
	switch strings.ToLower(sc.Backend) {
	case "memory":
		a.Store = store.NewMemory()
		a.logf("Using in-memory record store")
	case "dynamodb":
		s, err := dynamodb.New(ctx, dynamodb.Config{
			Region:          sc.DynamoDB.Region,
			Endpoint:        sc.DynamoDB.Endpoint,
			TablePrefix:     sc.DynamoDB.TablePrefix,
			AccessKeyID:     sc.DynamoDB.AccessKeyID,
			SecretAccessKey: sc.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to open dynamodb store: %w", err)
		}
		a.Store = s
		a.logf("Using DynamoDB record store in %s with table prefix %q", sc.DynamoDB.Region, sc.DynamoDB.TablePrefix)
	case "postgres":
		db, err := database.New(ctx, database.PostgreSQLFromConfig(sc.Postgres))
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Health.Register("postgres", func(ctx context.Context) error { return db.Pool().Ping(ctx) })
		s := postgres.New(db.Pool())
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare postgres schema: %w", err)
		}
		a.Store = s
		a.logf("Using PostgreSQL record store at %s:%d/%s", sc.Postgres.Host, sc.Postgres.Port, sc.Postgres.Database)
	default:
		return fmt.Errorf("unknown store backend: %s", sc.Backend)
	}
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	bc := a.Config.Blob
	switch strings.ToLower(bc.Backend) {
	case "memory":
		a.Blobs = blob.Tiers{Active: blob.NewMemory(bc.ImagesBucket), Cold: blob.NewMemory(bc.ArchiveBucket)}
	case "s3":
		base := s3.Config{
			Region:               bc.Region,
			Endpoint:             bc.Endpoint,
			PathStyle:            bc.PathStyle,
			AccessKeyID:          bc.AccessKeyID,
			SecretAccessKey:      bc.SecretAccessKey,
			ServerSideEncryption: bc.ServerSideEncryption,
		}
		activeCfg := base
		activeCfg.Bucket = bc.ImagesBucket
		active, err := s3.New(ctx, activeCfg)
		if err != nil {
			return fmt.Errorf("failed to open images bucket: %w", err)
		}
		coldCfg := base
		coldCfg.Bucket = bc.ArchiveBucket
		coldCfg.StorageClass = bc.ArchiveStorageClass
		cold, err := s3.New(ctx, coldCfg)
		if err != nil {
			return fmt.Errorf("failed to open archive bucket: %w", err)
		}
		a.Blobs = blob.Tiers{Active: active, Cold: cold}
	case "minio":
		base := minio.Config{
			Endpoint:        bc.Endpoint,
			Region:          bc.Region,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			UseSSL:          bc.UseSSL,
		}
		activeCfg := base
		activeCfg.Bucket = bc.ImagesBucket
		active, err := minio.New(ctx, activeCfg)
		if err != nil {
			return fmt.Errorf("failed to open images bucket: %w", err)
		}
		coldCfg := base
		coldCfg.Bucket = bc.ArchiveBucket
		coldCfg.StorageClass = bc.ArchiveStorageClass
		cold, err := minio.New(ctx, coldCfg)
		if err != nil {
			return fmt.Errorf("failed to open archive bucket: %w", err)
		}
		a.Blobs = blob.Tiers{Active: active, Cold: cold}
	default:
		return fmt.Errorf("unknown blob backend: %s", bc.Backend)
	}
	a.logf("Using %s blob storage: active=%s cold=%s", bc.Backend, a.Blobs.Active.Location(), a.Blobs.Cold.Location())
	return nil
}

func (a *App) openCursors(ctx context.Context) (archive.CursorStore, error) {
	cc := a.Config.Cursor
	switch strings.ToLower(cc.Backend) {
	case "store":
		return archive.NewStoreCursors(a.Store), nil
	case "redis":
		r, err := database.NewRedis(ctx, database.RedisFromConfig(cc.Redis))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		a.Health.Register("redis", r.Ping)
		a.logf("Sweep cursors kept in redis at %s:%d", cc.Redis.Host, cc.Redis.Port)
		return archive.NewRedisCursors(r.Client()), nil
	default:
		return nil, fmt.Errorf("unknown cursor backend: %s", cc.Backend)
	}
}

// Serve runs the HTTP server and the archival scheduler until ctx is done, then shuts both
// down within the configured timeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logf("HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start archive scheduler: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && a.Logger != nil {
		a.Logger.Warnf("HTTP server shutdown: %v", err)
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil && a.Logger != nil {
		a.Logger.Warnf("Archive scheduler shutdown: %v", err)
	}
	return serveErr
}

// Close releases backend connections. It is safe to call more than once.
func (a *App) Close() {
	a.once.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
	})
}

func (a *App) logf(format string, args ...interface{}) {
	if a.Logger != nil {
		a.Logger.Infof(format, args...)
	}
}
