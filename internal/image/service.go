package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	goimage "image"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/blob"
	"github.com/pranav-miglani/dental-record/internal/imaging"
	"github.com/pranav-miglani/dental-record/pkg/logger"
)

const (
	smallThumbnailSize = 200
	largeThumbnailSize = 800
	watermarkQuality   = 90
	maxReplaceAttempts = 5
)

// Config holds the upload limits and rendition settings.
type Config struct {
	MaxUploadBytes    int64
	SignedURLTTL      time.Duration
	ThumbnailQuality  int
	CompressedQuality int
	// MaxPixels caps width×height, checked from the header before an upload is decoded.
	MaxPixels int64
}

// DefaultConfig mirrors the clinic defaults: 10 MiB uploads of at most 50 megapixels,
// 1 hour links, thumbnails at quality 85 and compressed downloads at 70.
func DefaultConfig() Config {
	return Config{
		MaxUploadBytes:    10 << 20,
		MaxPixels:         50_000_000,
		SignedURLTTL:      time.Hour,
		ThumbnailQuality:  85,
		CompressedQuality: 70,
	}
}

// Service is the image versioning and rendition engine.
type Service struct {
	repo   Repository
	blobs  blob.Tiers
	steps  StepLocator
	cfg    Config
	logger *logger.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithStepLocator lets uploads name only the step.
func WithStepLocator(l StepLocator) Option {
	return func(s *Service) { s.steps = l }
}

// NewService creates the engine. Zero config fields take their defaults.
func NewService(repo Repository, blobs blob.Tiers, cfg Config, logger *logger.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = def.SignedURLTTL
	}
	if cfg.ThumbnailQuality <= 0 {
		cfg.ThumbnailQuality = def.ThumbnailQuality
	}
	if cfg.CompressedQuality <= 0 {
		cfg.CompressedQuality = def.CompressedQuality
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}

	s := &Service{
		repo:   repo,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// File is one uploaded payload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// prepared is a file that passed validation, decoded once for rendition work.
type prepared struct {
	file    File
	decoded goimage.Image
	format  string
}

func (s *Service) validate(f File) (*prepared, error) {
	switch {
	case len(f.Data) == 0:
		return nil, apperr.Validation("File %s is empty", f.Name)
	case int64(len(f.Data)) > s.cfg.MaxUploadBytes:
		return nil, apperr.Validation("File %s exceeds the maximum size of %d bytes", f.Name, s.cfg.MaxUploadBytes)
	case !strings.HasPrefix(strings.ToLower(f.MimeType), "image/"):
		return nil, apperr.Validation("File %s has unsupported type %q", f.Name, f.MimeType)
	}
	w, h, _, err := imaging.Dimensions(f.Data)
	if err != nil {
		return nil, apperr.Validation("File %s is not a readable image", f.Name)
	}
	if int64(w)*int64(h) > s.cfg.MaxPixels {
		return nil, apperr.Validation("File %s is %dx%d pixels, over the limit of %d", f.Name, w, h, s.cfg.MaxPixels)
	}
	img, format, err := imaging.Decode(f.Data)
	if err != nil {
		return nil, apperr.Validation("File %s is not a readable image", f.Name)
	}
	return &prepared{file: f, decoded: img, format: format}, nil
}

// writeRenditions stores the original and both thumbnails for img and fills its keys and
// file metadata.
func (s *Service) writeRenditions(ctx context.Context, img *Image, p *prepared) error {
	s.fillKeys(img, p)
	if _, err := s.blobs.Active.Put(ctx, img.OriginalKey, p.file.Data, p.file.MimeType); err != nil {
		return fmt.Errorf("failed to store original: %w", err)
	}
	return s.writeThumbnails(ctx, img, p.decoded)
}

func (s *Service) writeThumbnails(ctx context.Context, img *Image, decoded goimage.Image) error {
	for _, t := range []struct {
		key  string
		size int
	}{
		{img.ThumbnailSmallKey, smallThumbnailSize},
		{img.ThumbnailLargeKey, largeThumbnailSize},
	} {
		data, err := imaging.Thumbnail(decoded, t.size, s.cfg.ThumbnailQuality)
		if err != nil {
			return fmt.Errorf("failed to render thumbnail: %w", err)
		}
		if _, err := s.blobs.Active.Put(ctx, t.key, data, "image/jpeg"); err != nil {
			return fmt.Errorf("failed to store thumbnail: %w", err)
		}
	}
	return nil
}

// UploadRequest attaches files to a step. ProcedureID and PatientID may be left empty when
// the service has a step locator.
type UploadRequest struct {
	PatientID   string
	ProcedureID string
	StepID      string
	UploadedBy  string
	Files       []File
}

// Upload validates every file before writing anything, then stores each as a new image
// identity at version 1.
func (s *Service) Upload(ctx context.Context, req UploadRequest) ([]*Image, error) {
	if strings.TrimSpace(req.StepID) == "" {
		return nil, apperr.Validation("step id is required")
	}
	if strings.TrimSpace(req.UploadedBy) == "" {
		return nil, apperr.Validation("uploader is required")
	}
	if len(req.Files) == 0 {
		return nil, apperr.Validation("no files uploaded")
	}

	batch := make([]*prepared, 0, len(req.Files))
	for _, f := range req.Files {
		p, err := s.validate(f)
		if err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}

	if (req.ProcedureID == "" || req.PatientID == "") && s.steps != nil {
		procedureID, patientID, err := s.steps.LocateStep(ctx, req.StepID)
		if err != nil {
			return nil, err
		}
		req.ProcedureID, req.PatientID = procedureID, patientID
	}
	if req.ProcedureID == "" || req.PatientID == "" {
		return nil, apperr.Validation("procedure and patient ids are required")
	}

	out := make([]*Image, 0, len(batch))
	for _, p := range batch {
		now := s.now()
		img := &Image{
			ID:          s.newID(),
			Version:     1,
			PatientID:   req.PatientID,
			ProcedureID: req.ProcedureID,
			StepID:      req.StepID,
			IsCurrent:   true,
			UploadedBy:  req.UploadedBy,
			UploadedAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.writeRenditions(ctx, img, p); err != nil {
			return out, err
		}
		if err := s.repo.Create(ctx, img); err != nil {
			return out, fmt.Errorf("failed to save image: %w", err)
		}
		out = append(out, img)

		if s.logger != nil {
			s.logger.Infof("Uploaded image %s (%dx%d, %d bytes) to step %s", img.ID, img.Width, img.Height, img.Size, img.StepID)
		}
	}
	return out, nil
}

// ReplaceRequest supersedes the current version of an image.
type ReplaceRequest struct {
	ImageID    string
	UploadedBy string
	File       File
}

// Replace stores the file as version max+1. The new row is claimed with a conditional
// insert before any blob is written, so concurrent replaces get distinct versions and never
// overwrite each other's blobs. It only becomes current after the older rows are demoted.
func (s *Service) Replace(ctx context.Context, req ReplaceRequest) (*Image, error) {
	if strings.TrimSpace(req.UploadedBy) == "" {
		return nil, apperr.Validation("uploader is required")
	}
	p, err := s.validate(req.File)
	if err != nil {
		return nil, err
	}

	var next *Image
	for attempt := 1; ; attempt++ {
		versions, err := s.repo.ListVersions(ctx, req.ImageID)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, apperr.NotFound("Image", req.ImageID)
		}

		now := s.now()
		next = versions[0].NextVersion(versions[0].Version+1, now)
		next.UploadedBy = req.UploadedBy
		// claimed rows stay out of view until their blobs exist
		next.IsCurrent = false
		s.fillKeys(next, p)

		err = s.repo.Create(ctx, next)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionTaken) {
			return nil, fmt.Errorf("failed to save image: %w", err)
		}
		if attempt >= maxReplaceAttempts {
			return nil, fmt.Errorf("image %s: gave up after %d attempts: %w", req.ImageID, attempt, err)
		}
		if s.logger != nil {
			s.logger.Debugf("Version %d of image %s was taken, retrying", next.Version, req.ImageID)
		}
	}

	if err := s.writeRenditions(ctx, next, p); err != nil {
		next.Delete(s.now())
		if uerr := s.repo.Update(ctx, next); uerr != nil && s.logger != nil {
			s.logger.Errorf("Failed to retire unfinished version %d of image %s: %v", next.Version, next.ID, uerr)
		}
		return nil, err
	}

	if err := s.promote(ctx, next); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Infof("Replaced image %s with version %d", next.ID, next.Version)
	}
	return next, nil
}

func (s *Service) fillKeys(img *Image, p *prepared) {
	img.OriginalKey = renditionKey(img, VariantOriginal, extensionFor(p.file.Name, p.format))
	img.ThumbnailSmallKey = renditionKey(img, VariantThumbnailSmall, "jpg")
	img.ThumbnailLargeKey = renditionKey(img, VariantThumbnailLarge, "jpg")
	img.FileName = p.file.Name
	img.MimeType = p.file.MimeType
	img.Size = int64(len(p.file.Data))
	b := p.decoded.Bounds()
	img.Width, img.Height = b.Dx(), b.Dy()
}

// promote makes target the current row: every other current row is demoted first, then
// target is marked. A second pass yields to a newer current version written concurrently.
func (s *Service) promote(ctx context.Context, target *Image) error {
	if err := s.demoteOthers(ctx, target, func(*Image) bool { return true }); err != nil {
		return err
	}

	target.MarkCurrent(s.now())
	if err := s.repo.Update(ctx, target); err != nil {
		return fmt.Errorf("failed to mark version %d current: %w", target.Version, err)
	}

	versions, err := s.repo.ListVersions(ctx, target.ID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Version > target.Version && v.IsCurrent && !v.IsDeleted {
			target.MarkNotCurrent(s.now())
			if err := s.repo.Update(ctx, target); err != nil {
				return fmt.Errorf("failed to update image: %w", err)
			}
			return nil
		}
	}
	return s.demoteOthers(ctx, target, func(v *Image) bool { return v.Version < target.Version })
}

func (s *Service) demoteOthers(ctx context.Context, target *Image, match func(*Image) bool) error {
	versions, err := s.repo.ListVersions(ctx, target.ID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Version == target.Version || !v.IsCurrent || !match(v) {
			continue
		}
		v.MarkNotCurrent(s.now())
		if err := s.repo.Update(ctx, v); err != nil {
			return fmt.Errorf("failed to demote version %d: %w", v.Version, err)
		}
	}
	return nil
}

// Get returns one version. Version 0 selects the current row.
func (s *Service) Get(ctx context.Context, id string, version int64) (*Image, error) {
	if version > 0 {
		return s.repo.Get(ctx, id, version)
	}
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.IsCurrent && !v.IsDeleted {
			return v, nil
		}
	}
	return nil, apperr.NotFound("Image", id)
}

func (s *Service) ListVersions(ctx context.Context, id string) ([]*Image, error) {
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apperr.NotFound("Image", id)
	}
	return versions, nil
}

func (s *Service) ListByStep(ctx context.Context, stepID string, opts ListOptions) (Page, error) {
	return s.repo.ListByStep(ctx, stepID, opts)
}

func (s *Service) ListByProcedure(ctx context.Context, procedureID string, opts ListOptions) (Page, error) {
	return s.repo.ListByProcedure(ctx, procedureID, opts)
}

func (s *Service) ListByUploader(ctx context.Context, uploadedBy string, opts ListOptions) (Page, error) {
	return s.repo.ListByUploader(ctx, uploadedBy, opts)
}

// Annotate stores the overlay for exactly this version. Other versions are not touched.
func (s *Service) Annotate(ctx context.Context, id string, version int64, a Annotation) (*Image, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if img.IsDeleted {
		return nil, apperr.IllegalState("image %s version %d is deleted", id, img.Version)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotation: %w", err)
	}
	key := annotationKey(img)
	if _, err := s.blobs.Active.Put(ctx, key, data, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to store annotation: %w", err)
	}

	img.SetAnnotation(key, s.now())
	if err := s.repo.Update(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	return img, nil
}

// GetAnnotation returns nil when the version has no annotation.
func (s *Service) GetAnnotation(ctx context.Context, id string, version int64) (*Annotation, error) {
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !img.HasAnnotation || img.AnnotationKey == "" {
		return nil, nil
	}

	data, err := s.blobs.Active.Get(ctx, img.AnnotationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation: %w", err)
	}
	var a Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode annotation: %w", err)
	}
	return &a, nil
}

func (s *Service) RemoveAnnotation(ctx context.Context, id string, version int64) (*Image, error) {
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !img.HasAnnotation {
		return img, nil
	}

	key := img.AnnotationKey
	img.RemoveAnnotation(s.now())
	if err := s.repo.Update(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	if err := s.blobs.Active.Delete(ctx, key); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to delete annotation blob %s: %v", key, err)
	}
	return img, nil
}

// ViewRequest asks for a link to one rendition. Watermarking needs the patient name.
type ViewRequest struct {
	ImageID     string
	Version     int64
	Variant     Variant
	Watermark   bool
	PatientName string
	Tooth       string
}

// View is a time-limited link.
type View struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// source resolves where the bytes of a rendition live. Archived originals are read from the
// cold tier.
func (s *Service) source(img *Image, v Variant) (blob.Store, string) {
	if v == VariantOriginal && img.Archived() {
		return s.blobs.Cold, img.ArchivedKey
	}
	return s.blobs.Active, img.KeyFor(v)
}

func (s *Service) ViewURL(ctx context.Context, req ViewRequest) (*View, error) {
	if req.Variant == "" {
		req.Variant = VariantOriginal
	}
	img, err := s.Get(ctx, req.ImageID, req.Version)
	if err != nil {
		return nil, err
	}

	store, key := s.source(img, req.Variant)
	if req.Watermark {
		if strings.TrimSpace(req.PatientName) == "" {
			return nil, apperr.Validation("patient name is required for watermarking")
		}
		key, err = s.watermark(ctx, img, req)
		if err != nil {
			return nil, err
		}
		store = s.blobs.Active
	}

	url, err := store.SignedURL(ctx, key, s.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign url: %w", err)
	}
	return &View{URL: url, ExpiresAt: s.now().Add(s.cfg.SignedURLTTL)}, nil
}

// WatermarkText is the caption burned into watermarked copies.
func WatermarkText(patientName string, capturedAt time.Time, tooth string) string {
	parts := []string{
		"Patient: " + patientName,
		"Date: " + capturedAt.UTC().Format("2006-01-02"),
	}
	if tooth != "" {
		parts = append(parts, "Tooth: "+tooth)
	}
	return strings.Join(parts, " | ")
}

// watermark returns the key of the watermarked copy, rendering it only when it does not
// exist yet.
func (s *Service) watermark(ctx context.Context, img *Image, req ViewRequest) (string, error) {
	key := watermarkKey(img.KeyFor(req.Variant), req.Variant)
	exists, err := s.blobs.Active.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to check watermark: %w", err)
	}
	if exists {
		return key, nil
	}

	store, srcKey := s.source(img, req.Variant)
	data, err := store.Get(ctx, srcKey)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", srcKey, err)
	}
	decoded, _, err := imaging.Decode(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", srcKey, err)
	}
	out, err := imaging.EncodeJPEG(imaging.Overlay(decoded, WatermarkText(req.PatientName, img.UploadedAt, req.Tooth)), watermarkQuality)
	if err != nil {
		return "", err
	}
	if _, err := s.blobs.Active.Put(ctx, key, out, "image/jpeg"); err != nil {
		return "", fmt.Errorf("failed to store watermark: %w", err)
	}

	if s.logger != nil {
		s.logger.Debugf("Rendered watermark %s", key)
	}
	return key, nil
}

// Download is the payload of a download.
type Download struct {
	Data     []byte
	MimeType string
	FileName string
}

// Download reads the original. Compressed mode re-encodes it as JPEG without writing
// anything back.
func (s *Service) Download(ctx context.Context, id string, version int64, compressed bool) (*Download, error) {
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	store, key := s.source(img, VariantOriginal)
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}
	if !compressed {
		return &Download{Data: data, MimeType: img.MimeType, FileName: img.FileName}, nil
	}

	small, err := imaging.Recompress(data, s.cfg.CompressedQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", key, err)
	}
	name := strings.TrimSuffix(img.FileName, path.Ext(img.FileName)) + ".jpg"
	return &Download{Data: small, MimeType: "image/jpeg", FileName: name}, nil
}

// SoftDelete flags one version as deleted. When it was current, the highest remaining
// version takes over.
func (s *Service) SoftDelete(ctx context.Context, id string, version int64) (*Image, error) {
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if img.IsDeleted {
		return img, nil
	}

	wasCurrent := img.IsCurrent
	img.Delete(s.now())
	if err := s.repo.Update(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	if wasCurrent {
		if err := s.promoteHighest(ctx, id); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// Restore clears the delete flag. A version whose original is gone cannot be restored. The
// version becomes current only if nothing else is.
func (s *Service) Restore(ctx context.Context, id string, version int64) (*Image, error) {
	if version <= 0 {
		return nil, apperr.Validation("version is required")
	}
	img, err := s.repo.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !img.IsDeleted {
		return img, nil
	}

	ok, err := s.originalExists(ctx, img)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.IllegalState("image %s version %d has no stored original", id, version)
	}

	img.Restore(s.now())
	if err := s.repo.Update(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	if err := s.promoteHighest(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id, version)
}

// originalExists reports whether the original bytes of img are in the tier it is read from.
func (s *Service) originalExists(ctx context.Context, img *Image) (bool, error) {
	store, key := s.source(img, VariantOriginal)
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check original of image %s version %d: %w", img.ID, img.Version, err)
	}
	return ok, nil
}

// promoteHighest marks the highest non-deleted version with a stored original current when
// no row is.
func (s *Service) promoteHighest(ctx context.Context, id string) error {
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.IsCurrent && !v.IsDeleted {
			return nil
		}
	}
	for _, v := range versions {
		if v.IsDeleted {
			continue
		}
		ok, err := s.originalExists(ctx, v)
		if err != nil {
			return err
		}
		if !ok {
			if s.logger != nil {
				s.logger.Warnf("Skipping version %d of image %s for promotion: original is missing", v.Version, id)
			}
			continue
		}
		v.MarkCurrent(s.now())
		if err := s.repo.Update(ctx, v); err != nil {
			return fmt.Errorf("failed to promote version %d: %w", v.Version, err)
		}
		return nil
	}
	return nil
}

// RegenerateThumbnails rebuilds both thumbnails of a version from its original.
func (s *Service) RegenerateThumbnails(ctx context.Context, id string, version int64) (*Image, error) {
	img, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	store, key := s.source(img, VariantOriginal)
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}
	decoded, _, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if img.ThumbnailSmallKey == "" || img.ThumbnailLargeKey == "" {
		img.ThumbnailSmallKey = renditionKey(img, VariantThumbnailSmall, "jpg")
		img.ThumbnailLargeKey = renditionKey(img, VariantThumbnailLarge, "jpg")
	}
	if err := s.writeThumbnails(ctx, img, decoded); err != nil {
		return nil, err
	}

	img.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	return img, nil
}
