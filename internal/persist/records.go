// Package persist maps the domain entities onto flat store records. Every entity has a
// schema struct with explicit encode and decode functions, so the domain types carry no
// storage concerns and the store adapters see only primitive attributes.
package persist

import (
	"time"

	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/internal/store"
	"github.com/pranav-miglani/dental-record/internal/tooth"
)

// Table names, before any adapter prefix.
const (
	TableProcedures = "procedures"
	TableSteps      = "procedure_steps"
	TableImages     = "images"
)

// Attribute names used by indexes and filters.
const (
	attrPatientID   = "patient_id"
	attrProcedureID = "procedure_id"
	attrStepID      = "step_id"
	attrCategory    = "category"
	attrStatus      = "status"
	attrArchived    = "archived"
	attrCreatedAt   = "created_at"
	attrRevision    = "revision"
	attrPosition    = "position"
	attrUploadedBy  = "uploaded_by"
	attrUploadedAt  = "uploaded_at"
)

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromOptMillis(item store.Item, attr string) *time.Time {
	if _, ok := item[attr]; !ok || item[attr] == nil {
		return nil
	}
	t := fromMillis(store.Int(item, attr))
	return &t
}

// optString stores empty strings as absent attributes.
func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// compact drops nil attributes, which inserts do not need.
func compact(item store.Item) store.Item {
	for k, v := range item {
		if v == nil {
			delete(item, k)
		}
	}
	return item
}

// ProcedureRecord is the stored shape of a procedure.
type ProcedureRecord struct {
	ID              string
	PatientID       string
	Category        string
	Status          string
	Name            string
	Description     string
	ToothNumber     string
	Quadrant        string
	FDINotation     string
	AssignedBy      string
	AssignedDate    int64
	StartDate       *time.Time
	EndDate         *time.Time
	IsBackfilled    bool
	CancelReason    string
	Archived        bool
	ArchiveLocation string
	CreatedAt       int64
	UpdatedAt       int64
	LastModified    int64
	Revision        int64
}

func EncodeProcedure(p *procedure.Procedure) ProcedureRecord {
	r := ProcedureRecord{
		ID:              p.ID,
		PatientID:       p.PatientID,
		Category:        string(p.Category),
		Status:          string(p.Status),
		Name:            p.Name,
		Description:     p.Description,
		AssignedBy:      p.AssignedBy,
		AssignedDate:    millis(p.AssignedDate),
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		IsBackfilled:    p.IsBackfilled,
		CancelReason:    p.CancelReason,
		Archived:        p.Archived,
		ArchiveLocation: p.ArchiveLocation,
		CreatedAt:       millis(p.CreatedAt),
		UpdatedAt:       millis(p.UpdatedAt),
		LastModified:    millis(p.LastModified),
		Revision:        p.Revision,
	}
	if p.Tooth != nil {
		r.ToothNumber = p.Tooth.Tooth
		r.Quadrant = string(p.Tooth.Quadrant)
		r.FDINotation = p.Tooth.FDINotation
	}
	return r
}

func (r ProcedureRecord) Domain() *procedure.Procedure {
	p := &procedure.Procedure{
		ID:              r.ID,
		PatientID:       r.PatientID,
		Category:        registry.Category(r.Category),
		Status:          procedure.Status(r.Status),
		Name:            r.Name,
		Description:     r.Description,
		AssignedBy:      r.AssignedBy,
		AssignedDate:    fromMillis(r.AssignedDate),
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		IsBackfilled:    r.IsBackfilled,
		CancelReason:    r.CancelReason,
		Archived:        r.Archived,
		ArchiveLocation: r.ArchiveLocation,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
		LastModified:    fromMillis(r.LastModified),
		Revision:        r.Revision,
	}
	if r.ToothNumber != "" {
		p.Tooth = &tooth.Locator{
			Tooth:       r.ToothNumber,
			Quadrant:    tooth.Quadrant(r.Quadrant),
			FDINotation: r.FDINotation,
		}
	}
	return p
}

// Item renders the record. Absent optional fields are nil so that updates clear them.
func (r ProcedureRecord) Item() store.Item {
	return store.Item{
		attrPatientID:      r.PatientID,
		attrCategory:       r.Category,
		attrStatus:         r.Status,
		"procedure_name":   r.Name,
		"description":      optString(r.Description),
		"tooth_number":     optString(r.ToothNumber),
		"quadrant":         optString(r.Quadrant),
		"fdi_notation":     optString(r.FDINotation),
		"assigned_by":      r.AssignedBy,
		"assigned_date":    r.AssignedDate,
		"start_date":       optMillis(r.StartDate),
		"end_date":         optMillis(r.EndDate),
		"is_backfilled":    r.IsBackfilled,
		"cancel_reason":    optString(r.CancelReason),
		attrArchived:       r.Archived,
		"archive_location": optString(r.ArchiveLocation),
		attrCreatedAt:      r.CreatedAt,
		"updated_at":       r.UpdatedAt,
		"last_modified":    r.LastModified,
		attrRevision:       r.Revision,
	}
}

func DecodeProcedure(item store.Item) ProcedureRecord {
	return ProcedureRecord{
		ID:              store.String(item, store.AttrID),
		PatientID:       store.String(item, attrPatientID),
		Category:        store.String(item, attrCategory),
		Status:          store.String(item, attrStatus),
		Name:            store.String(item, "procedure_name"),
		Description:     store.String(item, "description"),
		ToothNumber:     store.String(item, "tooth_number"),
		Quadrant:        store.String(item, "quadrant"),
		FDINotation:     store.String(item, "fdi_notation"),
		AssignedBy:      store.String(item, "assigned_by"),
		AssignedDate:    store.Int(item, "assigned_date"),
		StartDate:       fromOptMillis(item, "start_date"),
		EndDate:         fromOptMillis(item, "end_date"),
		IsBackfilled:    store.Bool(item, "is_backfilled"),
		CancelReason:    store.String(item, "cancel_reason"),
		Archived:        store.Bool(item, attrArchived),
		ArchiveLocation: store.String(item, "archive_location"),
		CreatedAt:       store.Int(item, attrCreatedAt),
		UpdatedAt:       store.Int(item, "updated_at"),
		LastModified:    store.Int(item, "last_modified"),
		Revision:        store.Int(item, attrRevision),
	}
}

// StepRecord is the stored shape of a procedure step.
type StepRecord struct {
	ID          string
	ProcedureID string
	StepType    string
	Name        string
	Position    int64
	Mandatory   bool
	Completed   bool
	Skipped     bool
	SkipReason  string
	VisitDate   int64
	CreatedAt   int64
	UpdatedAt   int64
}

func EncodeStep(s *procedure.Step) StepRecord {
	return StepRecord{
		ID:          s.ID,
		ProcedureID: s.ProcedureID,
		StepType:    string(s.StepType),
		Name:        s.Name,
		Position:    int64(s.Position),
		Mandatory:   s.Mandatory,
		Completed:   s.Completed,
		Skipped:     s.Skipped,
		SkipReason:  s.SkipReason,
		VisitDate:   millis(s.VisitDate),
		CreatedAt:   millis(s.CreatedAt),
		UpdatedAt:   millis(s.UpdatedAt),
	}
}

func (r StepRecord) Domain() *procedure.Step {
	return &procedure.Step{
		ID:          r.ID,
		ProcedureID: r.ProcedureID,
		StepType:    registry.StepType(r.StepType),
		Name:        r.Name,
		Position:    int(r.Position),
		Mandatory:   r.Mandatory,
		Completed:   r.Completed,
		Skipped:     r.Skipped,
		SkipReason:  r.SkipReason,
		VisitDate:   fromMillis(r.VisitDate),
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func (r StepRecord) Item() store.Item {
	return store.Item{
		attrProcedureID: r.ProcedureID,
		"step_type":     r.StepType,
		"step_name":     r.Name,
		attrPosition:    r.Position,
		"is_mandatory":  r.Mandatory,
		"is_completed":  r.Completed,
		"is_skipped":    r.Skipped,
		"skip_reason":   optString(r.SkipReason),
		"visit_date":    r.VisitDate,
		attrCreatedAt:   r.CreatedAt,
		"updated_at":    r.UpdatedAt,
	}
}

func DecodeStep(item store.Item) StepRecord {
	return StepRecord{
		ID:          store.String(item, store.AttrID),
		ProcedureID: store.String(item, attrProcedureID),
		StepType:    store.String(item, "step_type"),
		Name:        store.String(item, "step_name"),
		Position:    store.Int(item, attrPosition),
		Mandatory:   store.Bool(item, "is_mandatory"),
		Completed:   store.Bool(item, "is_completed"),
		Skipped:     store.Bool(item, "is_skipped"),
		SkipReason:  store.String(item, "skip_reason"),
		VisitDate:   store.Int(item, "visit_date"),
		CreatedAt:   store.Int(item, attrCreatedAt),
		UpdatedAt:   store.Int(item, "updated_at"),
	}
}

// ImageRecord is the stored shape of one image version.
type ImageRecord struct {
	ID                string
	Version           int64
	PatientID         string
	ProcedureID       string
	StepID            string
	IsCurrent         bool
	OriginalKey       string
	ThumbnailSmallKey string
	ThumbnailLargeKey string
	AnnotationKey     string
	HasAnnotation     bool
	ArchivedKey       string
	FileName          string
	MimeType          string
	Size              int64
	Width             int64
	Height            int64
	UploadedBy        string
	UploadedAt        int64
	IsDeleted         bool
	DeletedAt         *time.Time
	CreatedAt         int64
	UpdatedAt         int64
}

func EncodeImage(img *image.Image) ImageRecord {
	return ImageRecord{
		ID:                img.ID,
		Version:           img.Version,
		PatientID:         img.PatientID,
		ProcedureID:       img.ProcedureID,
		StepID:            img.StepID,
		IsCurrent:         img.IsCurrent,
		OriginalKey:       img.OriginalKey,
		ThumbnailSmallKey: img.ThumbnailSmallKey,
		ThumbnailLargeKey: img.ThumbnailLargeKey,
		AnnotationKey:     img.AnnotationKey,
		HasAnnotation:     img.HasAnnotation,
		ArchivedKey:       img.ArchivedKey,
		FileName:          img.FileName,
		MimeType:          img.MimeType,
		Size:              img.Size,
		Width:             int64(img.Width),
		Height:            int64(img.Height),
		UploadedBy:        img.UploadedBy,
		UploadedAt:        millis(img.UploadedAt),
		IsDeleted:         img.IsDeleted,
		DeletedAt:         img.DeletedAt,
		CreatedAt:         millis(img.CreatedAt),
		UpdatedAt:         millis(img.UpdatedAt),
	}
}

func (r ImageRecord) Domain() *image.Image {
	return &image.Image{
		ID:                r.ID,
		Version:           r.Version,
		PatientID:         r.PatientID,
		ProcedureID:       r.ProcedureID,
		StepID:            r.StepID,
		IsCurrent:         r.IsCurrent,
		OriginalKey:       r.OriginalKey,
		ThumbnailSmallKey: r.ThumbnailSmallKey,
		ThumbnailLargeKey: r.ThumbnailLargeKey,
		AnnotationKey:     r.AnnotationKey,
		HasAnnotation:     r.HasAnnotation,
		ArchivedKey:       r.ArchivedKey,
		FileName:          r.FileName,
		MimeType:          r.MimeType,
		Size:              r.Size,
		Width:             int(r.Width),
		Height:            int(r.Height),
		UploadedBy:        r.UploadedBy,
		UploadedAt:        fromMillis(r.UploadedAt),
		IsDeleted:         r.IsDeleted,
		DeletedAt:         r.DeletedAt,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

func (r ImageRecord) Item() store.Item {
	return store.Item{
		attrPatientID:          r.PatientID,
		attrProcedureID:        r.ProcedureID,
		attrStepID:             r.StepID,
		"is_current":           r.IsCurrent,
		"s3_key_original":      r.OriginalKey,
		"s3_key_thumbnail_200": optString(r.ThumbnailSmallKey),
		"s3_key_thumbnail_800": optString(r.ThumbnailLargeKey),
		"s3_key_annotation":    optString(r.AnnotationKey),
		"has_annotation":       r.HasAnnotation,
		"archived_key":         optString(r.ArchivedKey),
		"filename":             r.FileName,
		"mime_type":            r.MimeType,
		"file_size":            r.Size,
		"width":                r.Width,
		"height":               r.Height,
		attrUploadedBy:         r.UploadedBy,
		attrUploadedAt:         r.UploadedAt,
		"is_deleted":           r.IsDeleted,
		"deleted_at":           optMillis(r.DeletedAt),
		attrCreatedAt:          r.CreatedAt,
		"updated_at":           r.UpdatedAt,
	}
}

func DecodeImage(item store.Item) ImageRecord {
	return ImageRecord{
		ID:                store.String(item, store.AttrID),
		Version:           store.Int(item, store.AttrVersion),
		PatientID:         store.String(item, attrPatientID),
		ProcedureID:       store.String(item, attrProcedureID),
		StepID:            store.String(item, attrStepID),
		IsCurrent:         store.Bool(item, "is_current"),
		OriginalKey:       store.String(item, "s3_key_original"),
		ThumbnailSmallKey: store.String(item, "s3_key_thumbnail_200"),
		ThumbnailLargeKey: store.String(item, "s3_key_thumbnail_800"),
		AnnotationKey:     store.String(item, "s3_key_annotation"),
		HasAnnotation:     store.Bool(item, "has_annotation"),
		ArchivedKey:       store.String(item, "archived_key"),
		FileName:          store.String(item, "filename"),
		MimeType:          store.String(item, "mime_type"),
		Size:              store.Int(item, "file_size"),
		Width:             store.Int(item, "width"),
		Height:            store.Int(item, "height"),
		UploadedBy:        store.String(item, attrUploadedBy),
		UploadedAt:        store.Int(item, attrUploadedAt),
		IsDeleted:         store.Bool(item, "is_deleted"),
		DeletedAt:         fromOptMillis(item, "deleted_at"),
		CreatedAt:         store.Int(item, attrCreatedAt),
		UpdatedAt:         store.Int(item, "updated_at"),
	}
}
