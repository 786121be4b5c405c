package procedure

import (
	"strings"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/internal/tooth"
)

// Status is the procedure-level lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusClosed     Status = "CLOSED"
	StatusCancelled  Status = "CANCELLED"
)

// ParseStatus accepts any casing; it returns false for unknown values.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusDraft, StatusInProgress, StatusClosed, StatusCancelled:
		return st, true
	}
	return "", false
}

// Procedure is one treatment episode for a patient.
type Procedure struct {
	ID              string
	PatientID       string
	Category        registry.Category
	Status          Status
	Name            string
	Description     string
	Tooth           *tooth.Locator
	AssignedBy      string
	AssignedDate    time.Time
	StartDate       *time.Time
	EndDate         *time.Time
	IsBackfilled    bool
	CancelReason    string
	Archived        bool
	ArchiveLocation string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastModified    time.Time

	// Revision is the optimistic concurrency token. The repository checks it on every
	// update and advances it when the write lands.
	Revision int64
}

func (p *Procedure) touch(now time.Time) {
	p.UpdatedAt = now
	p.LastModified = now
}

// Touch records activity on the procedure without changing its state.
func (p *Procedure) Touch(now time.Time) {
	p.touch(now)
}

// Confirm moves a DRAFT procedure to IN_PROGRESS.
func (p *Procedure) Confirm(now time.Time) error {
	if p.Status != StatusDraft {
		return apperr.IllegalState("only DRAFT procedures can be confirmed (status %s)", p.Status)
	}
	p.Status = StatusInProgress
	if p.StartDate == nil {
		p.StartDate = timePtr(now)
	}
	p.touch(now)
	return nil
}

// Close is idempotent for procedures that are already CLOSED.
func (p *Procedure) Close(now time.Time) error {
	if p.Status == StatusCancelled {
		return apperr.IllegalState("cannot close a cancelled procedure")
	}
	p.Status = StatusClosed
	if p.EndDate == nil {
		p.EndDate = timePtr(now)
	}
	p.touch(now)
	return nil
}

// Cancel ends a DRAFT or IN_PROGRESS procedure.
func (p *Procedure) Cancel(reason string, now time.Time) error {
	if p.Status == StatusClosed {
		return apperr.IllegalState("cannot cancel a closed procedure")
	}
	p.Status = StatusCancelled
	p.CancelReason = strings.TrimSpace(reason)
	if p.EndDate == nil {
		p.EndDate = timePtr(now)
	}
	p.touch(now)
	return nil
}

// Archive flags the procedure as moved to cold storage. Status is left untouched; callers
// decide whether an already archived procedure may be archived again.
func (p *Procedure) Archive(location string, now time.Time) {
	p.Archived = true
	p.ArchiveLocation = location
	p.touch(now)
}

// InfoUpdate carries the editable descriptive fields. Nil fields are left unchanged.
type InfoUpdate struct {
	Name        *string
	Description *string
	Tooth       *tooth.Locator
}

// UpdateInfo edits name, description or tooth on any procedure that is not cancelled.
func (p *Procedure) UpdateInfo(u InfoUpdate, now time.Time) error {
	if !p.CanBeModified() {
		return apperr.IllegalState("cannot modify a cancelled procedure")
	}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return apperr.Validation("procedure name cannot be blank")
		}
		p.Name = name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Tooth != nil {
		if err := tooth.Validate(*u.Tooth); err != nil {
			return err
		}
		t := *u.Tooth
		p.Tooth = &t
	}
	p.touch(now)
	return nil
}

// IsActive reports whether the procedure is still open for clinical work.
func (p *Procedure) IsActive() bool {
	return p.Status == StatusDraft || p.Status == StatusInProgress
}

func (p *Procedure) CanBeModified() bool {
	return p.Status != StatusCancelled
}

func timePtr(t time.Time) *time.Time {
	return &t
}
