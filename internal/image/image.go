// Package image manages versioned clinical images: the version chain and its current flag,
// thumbnail and watermark renditions, and per-version annotation overlays.
package image

import (
	"time"
)

// Variant selects a rendition of one image version.
type Variant string

const (
	VariantOriginal       Variant = "original"
	VariantThumbnailSmall Variant = "thumbnail_200"
	VariantThumbnailLarge Variant = "thumbnail_800"
)

// ParseVariant maps the accepted spellings to a Variant. An empty string is the original.
func ParseVariant(s string) (Variant, bool) {
	switch s {
	case "", "original":
		return VariantOriginal, true
	case "thumbnail_200", "small", "thumbnail_small":
		return VariantThumbnailSmall, true
	case "thumbnail_800", "large", "thumbnail_large":
		return VariantThumbnailLarge, true
	}
	return "", false
}

// Image is one version row of an image identity.
type Image struct {
	ID          string
	Version     int64
	PatientID   string
	ProcedureID string
	StepID      string
	IsCurrent   bool

	OriginalKey       string
	ThumbnailSmallKey string
	ThumbnailLargeKey string
	AnnotationKey     string
	HasAnnotation     bool
	// ArchivedKey is set once the original has been copied to the cold tier.
	ArchivedKey string

	FileName string
	MimeType string
	Size     int64
	Width    int
	Height   int

	UploadedBy string
	UploadedAt time.Time
	IsDeleted  bool
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// KeyFor returns the blob key of a rendition.
func (img *Image) KeyFor(v Variant) string {
	switch v {
	case VariantThumbnailSmall:
		return img.ThumbnailSmallKey
	case VariantThumbnailLarge:
		return img.ThumbnailLargeKey
	}
	return img.OriginalKey
}

// Archived reports whether the original lives in the cold tier.
func (img *Image) Archived() bool {
	return img.ArchivedKey != ""
}

func (img *Image) MarkCurrent(now time.Time) {
	img.IsCurrent = true
	img.UpdatedAt = now
}

func (img *Image) MarkNotCurrent(now time.Time) {
	img.IsCurrent = false
	img.UpdatedAt = now
}

// Delete soft-deletes the version. Blobs are left in place.
func (img *Image) Delete(now time.Time) {
	img.IsDeleted = true
	img.DeletedAt = &now
	img.IsCurrent = false
	img.UpdatedAt = now
}

func (img *Image) Restore(now time.Time) {
	img.IsDeleted = false
	img.DeletedAt = nil
	img.UpdatedAt = now
}

func (img *Image) SetAnnotation(key string, now time.Time) {
	img.HasAnnotation = true
	img.AnnotationKey = key
	img.UpdatedAt = now
}

func (img *Image) RemoveAnnotation(now time.Time) {
	img.HasAnnotation = false
	img.AnnotationKey = ""
	img.UpdatedAt = now
}

// NextVersion builds the successor row. Renditions and annotation are left for the caller
// to fill, so nothing of this version's annotation carries over.
func (img *Image) NextVersion(version int64, now time.Time) *Image {
	return &Image{
		ID:          img.ID,
		Version:     version,
		PatientID:   img.PatientID,
		ProcedureID: img.ProcedureID,
		StepID:      img.StepID,
		IsCurrent:   true,
		UploadedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
