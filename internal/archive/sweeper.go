// Package archive moves procedures past the retention window, and the originals of their
// images, from the active tier into cold storage.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/blob"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/pkg/logger"
)

const (
	DefaultRetention = 3 * 365 * 24 * time.Hour
	DefaultPageSize  = 100
	DefaultSweepName = "archive-procedures"
)

// Procedures is the slice of the procedure service the sweep needs.
type Procedures interface {
	ListArchivable(ctx context.Context, cutoff time.Time, opts procedure.ListOptions) (procedure.Page, error)
	Archive(ctx context.Context, id, location string) (*procedure.Procedure, error)
}

// Images is the slice of the image repository the sweep needs.
type Images interface {
	ListByProcedure(ctx context.Context, procedureID string, opts image.ListOptions) (image.Page, error)
	Update(ctx context.Context, img *image.Image) error
}

// Config tunes a sweep. Zero fields take the defaults.
type Config struct {
	Retention time.Duration
	PageSize  int
	SweepName string
}

// Failure records why one procedure, or one of its images, was not fully archived.
type Failure struct {
	ProcedureID string `json:"procedure_id"`
	ImageID     string `json:"image_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

// Report summarizes one sweep.
type Report struct {
	Scanned        int       `json:"scanned"`
	Archived       int       `json:"archived"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	ImagesMigrated int       `json:"images_migrated"`
	Orphaned       int       `json:"orphaned"`
	Resumed        bool      `json:"resumed"`
	Failures       []Failure `json:"failures,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Sweeper runs the archival pass.
type Sweeper struct {
	procedures Procedures
	images     Images
	blobs      blob.Tiers
	cursors    CursorStore
	cfg        Config
	logger     *logger.Logger
	now        func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper. The logger may be nil.
func NewSweeper(procedures Procedures, images Images, blobs blob.Tiers, cursors CursorStore, cfg Config, logger *logger.Logger, opts ...Option) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.SweepName == "" {
		cfg.SweepName = DefaultSweepName
	}
	s := &Sweeper{
		procedures: procedures,
		images:     images,
		blobs:      blobs,
		cursors:    cursors,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every eligible procedure. The page cursor is saved after each page, so a run
// that dies part way resumes where the last complete page ended. Procedures archived before
// the crash no longer match the selection and are not processed twice.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	started := s.now()
	report := &Report{StartedAt: started}
	cutoff := started.Add(-s.cfg.Retention)

	cursor, err := s.cursors.Load(ctx, s.cfg.SweepName)
	if err != nil {
		return nil, fmt.Errorf("failed to load sweep cursor: %w", err)
	}
	if cursor != "" {
		report.Resumed = true
		if s.logger != nil {
			s.logger.Infof("Resuming sweep %s from saved cursor", s.cfg.SweepName)
		}
	}

	for {
		page, err := s.procedures.ListArchivable(ctx, cutoff, procedure.ListOptions{Limit: s.cfg.PageSize, Cursor: cursor})
		if err != nil {
			return report, fmt.Errorf("failed to list archivable procedures: %w", err)
		}

		for _, p := range page.Procedures {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			if p.IsActive() {
				report.Skipped++
				if s.logger != nil {
					s.logger.Debugf("Skipping procedure %s: still %s", p.ID, p.Status)
				}
				continue
			}
			s.archive(ctx, p, report)
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
		if err := s.cursors.Save(ctx, s.cfg.SweepName, cursor); err != nil {
			return report, fmt.Errorf("failed to save sweep cursor: %w", err)
		}
	}

	if err := s.cursors.Clear(ctx, s.cfg.SweepName); err != nil {
		return report, fmt.Errorf("failed to clear sweep cursor: %w", err)
	}
	report.FinishedAt = s.now()

	if s.logger != nil {
		s.logger.Infof("Sweep %s finished: scanned=%d archived=%d failed=%d skipped=%d images=%d orphaned=%d",
			s.cfg.SweepName, report.Scanned, report.Archived, report.Failed, report.Skipped, report.ImagesMigrated, report.Orphaned)
	}
	return report, nil
}

// imagesOf returns every version row of the procedure, deleted ones included, so a version
// restored after archival still has its original in the cold tier.
func (s *Sweeper) imagesOf(ctx context.Context, procedureID string) ([]*image.Image, error) {
	var out []*image.Image
	opts := image.ListOptions{Limit: s.cfg.PageSize}
	for {
		page, err := s.images.ListByProcedure(ctx, procedureID, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Images...)
		if page.Cursor == "" {
			return out, nil
		}
		opts.Cursor = page.Cursor
	}
}

type migration struct {
	img     *image.Image
	coldKey string
}

// archive copies every original to the cold tier and confirms it, then records the cold
// keys and archives the procedure, and only then deletes the active originals. Any failure
// before the procedure is archived leaves every active blob in place. A soft-deleted version
// that cannot be copied is reported and stays on the active tier without blocking the rest.
// Cold keys are bucketed by the month the procedure was created.
func (s *Sweeper) archive(ctx context.Context, p *procedure.Procedure, report *Report) {
	fail := func(img *image.Image, stage string, err error) {
		f := Failure{ProcedureID: p.ID, Stage: stage, Error: err.Error()}
		if img != nil {
			f.ImageID, f.Version = img.ID, img.Version
		}
		report.Failures = append(report.Failures, f)
		if s.logger != nil {
			s.logger.Errorf("Archiving procedure %s failed at %s: %v", p.ID, stage, err)
		}
	}

	imgs, err := s.imagesOf(ctx, p.ID)
	if err != nil {
		report.Failed++
		fail(nil, "list", err)
		return
	}

	at := s.now()
	moves := make([]migration, 0, len(imgs))
	for _, img := range imgs {
		key, err := s.copyToCold(ctx, img, p.CreatedAt)
		if err != nil {
			fail(img, "copy", err)
			if img.IsDeleted {
				// Left on the active tier; the procedure is archived without it.
				continue
			}
			report.Failed++
			return
		}
		moves = append(moves, migration{img: img, coldKey: key})
	}

	for _, m := range moves {
		if m.img.ArchivedKey == m.coldKey {
			continue
		}
		m.img.ArchivedKey = m.coldKey
		m.img.UpdatedAt = at
		if err := s.images.Update(ctx, m.img); err != nil {
			report.Failed++
			fail(m.img, "record", err)
			return
		}
	}

	location := fmt.Sprintf("%s/%s/", s.blobs.Cold.Location(), image.ColdPrefix(p.PatientID, p.ID, p.CreatedAt))
	if _, err := s.procedures.Archive(ctx, p.ID, location); err != nil {
		if apperr.Is(err, apperr.KindIllegalState) {
			report.Skipped++
			if s.logger != nil {
				s.logger.Warnf("Procedure %s changed during archival: %v", p.ID, err)
			}
			return
		}
		report.Failed++
		fail(nil, "archive", err)
		return
	}
	report.Archived++
	report.ImagesMigrated += len(moves)

	for _, m := range moves {
		if err := s.blobs.Active.Delete(ctx, m.img.OriginalKey); err != nil {
			report.Orphaned++
			fail(m.img, "delete", err)
		}
	}

	if s.logger != nil {
		s.logger.Infof("Archived procedure %s with %d images to %s", p.ID, len(moves), location)
	}
}

// copyToCold writes the original to the cold tier and confirms it landed. An image that an
// earlier interrupted run already copied is not copied again.
func (s *Sweeper) copyToCold(ctx context.Context, img *image.Image, created time.Time) (string, error) {
	if img.ArchivedKey != "" {
		ok, err := s.blobs.Cold.Exists(ctx, img.ArchivedKey)
		if err != nil {
			return "", err
		}
		if ok {
			return img.ArchivedKey, nil
		}
	}

	key := image.ColdKey(img, created)
	data, err := s.blobs.Active.Get(ctx, img.OriginalKey)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", img.OriginalKey, err)
	}
	if _, err := s.blobs.Cold.Put(ctx, key, data, img.MimeType); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	ok, err := s.blobs.Cold.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to confirm %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("cold copy %s is missing after write", key)
	}
	return key, nil
}
