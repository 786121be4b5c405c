package api

import (
	"time"

	"github.com/pranav-miglani/dental-record/internal/archive"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/tooth"
)

// Status is the outcome marker carried by every error body.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusError   Status = "error"
)

// ErrorResponse is written for every failed request. Error holds the error kind.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

type Procedure struct {
	ID              string         `json:"id"`
	PatientID       string         `json:"patient_id"`
	Category        string         `json:"category"`
	Status          string         `json:"status"`
	Name            string         `json:"procedure_name"`
	Description     string         `json:"description,omitempty"`
	Tooth           *tooth.Locator `json:"tooth,omitempty"`
	AssignedBy      string         `json:"assigned_by"`
	AssignedDate    time.Time      `json:"assigned_date"`
	StartDate       *time.Time     `json:"start_date,omitempty"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	IsBackfilled    bool           `json:"is_backfilled"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
	Archived        bool           `json:"archived"`
	ArchiveLocation string         `json:"archive_location,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Steps           []Step         `json:"steps,omitempty"`
}

type Step struct {
	ID          string    `json:"id"`
	ProcedureID string    `json:"procedure_id"`
	StepType    string    `json:"step_type"`
	Name        string    `json:"step_name"`
	Position    int       `json:"position"`
	Mandatory   bool      `json:"is_mandatory"`
	Completed   bool      `json:"is_completed"`
	Skipped     bool      `json:"is_skipped"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	VisitDate   time.Time `json:"visit_date"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StepOutcome reports the step change together with the procedure state after settling.
type StepOutcome struct {
	Step      Step       `json:"step"`
	Procedure *Procedure `json:"procedure,omitempty"`
}

type Image struct {
	ID            string     `json:"id"`
	Version       int64      `json:"version"`
	PatientID     string     `json:"patient_id"`
	ProcedureID   string     `json:"procedure_id"`
	StepID        string     `json:"step_id"`
	IsCurrent     bool       `json:"is_current"`
	FileName      string     `json:"file_name"`
	MimeType      string     `json:"mime_type"`
	Size          int64      `json:"file_size"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	HasAnnotation bool       `json:"has_annotation"`
	Archived      bool       `json:"archived"`
	UploadedBy    string     `json:"uploaded_by"`
	UploadedAt    time.Time  `json:"uploaded_at"`
	IsDeleted     bool       `json:"is_deleted"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

type ListProceduresResponse struct {
	Procedures []Procedure `json:"procedures"`
	Cursor     string      `json:"cursor,omitempty"`
}

type ListImagesResponse struct {
	Images []Image `json:"images"`
	Cursor string  `json:"cursor,omitempty"`
}

type CreateProcedureRequest struct {
	PatientID   string         `json:"patient_id"`
	Category    string         `json:"category"`
	Name        string         `json:"procedure_name"`
	Description string         `json:"description"`
	Tooth       *tooth.Locator `json:"tooth"`
	AssignedBy  string         `json:"assigned_by"`
	StartDate   *time.Time     `json:"start_date"`
}

type UpdateProcedureRequest struct {
	Name        *string        `json:"procedure_name"`
	Description *string        `json:"description"`
	Tooth       *tooth.Locator `json:"tooth"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type VisitDateRequest struct {
	VisitDate time.Time `json:"visit_date"`
}

type SweepResponse struct {
	Report *archive.Report `json:"report"`
}

func toProcedure(p *procedure.Procedure, steps []*procedure.Step) Procedure {
	out := Procedure{
		ID:              p.ID,
		PatientID:       p.PatientID,
		Category:        string(p.Category),
		Status:          string(p.Status),
		Name:            p.Name,
		Description:     p.Description,
		Tooth:           p.Tooth,
		AssignedBy:      p.AssignedBy,
		AssignedDate:    p.AssignedDate,
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		IsBackfilled:    p.IsBackfilled,
		CancelReason:    p.CancelReason,
		Archived:        p.Archived,
		ArchiveLocation: p.ArchiveLocation,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, toStep(s))
	}
	return out
}

func toStep(s *procedure.Step) Step {
	return Step{
		ID:          s.ID,
		ProcedureID: s.ProcedureID,
		StepType:    string(s.StepType),
		Name:        s.Name,
		Position:    s.Position,
		Mandatory:   s.Mandatory,
		Completed:   s.Completed,
		Skipped:     s.Skipped,
		SkipReason:  s.SkipReason,
		VisitDate:   s.VisitDate,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toImage(img *image.Image) Image {
	return Image{
		ID:            img.ID,
		Version:       img.Version,
		PatientID:     img.PatientID,
		ProcedureID:   img.ProcedureID,
		StepID:        img.StepID,
		IsCurrent:     img.IsCurrent,
		FileName:      img.FileName,
		MimeType:      img.MimeType,
		Size:          img.Size,
		Width:         img.Width,
		Height:        img.Height,
		HasAnnotation: img.HasAnnotation,
		Archived:      img.Archived(),
		UploadedBy:    img.UploadedBy,
		UploadedAt:    img.UploadedAt,
		IsDeleted:     img.IsDeleted,
		DeletedAt:     img.DeletedAt,
	}
}

func toImages(imgs []*image.Image) []Image {
	out := make([]Image, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, toImage(img))
	}
	return out
}
