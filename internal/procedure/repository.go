package procedure

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Repository.Update when the stored revision no longer matches.
var ErrConflict = errors.New("procedure was modified concurrently")

// ListOptions pages through a listing.
type ListOptions struct {
	Limit  int
	Cursor string
}

// Page is one slice of a procedure listing.
type Page struct {
	Procedures []*Procedure
	Cursor     string
}

// Repository persists procedures. Get returns an apperr NotFound error for unknown ids.
type Repository interface {
	Create(ctx context.Context, p *Procedure) error
	Get(ctx context.Context, id string) (*Procedure, error)
	// Update writes p if the stored revision still equals p.Revision, then advances
	// p.Revision. It returns ErrConflict when another writer got there first.
	Update(ctx context.Context, p *Procedure) error
	ListByPatient(ctx context.Context, patientID string, opts ListOptions) (Page, error)
	ListByStatus(ctx context.Context, status Status, opts ListOptions) (Page, error)
	ListByCategory(ctx context.Context, category string, opts ListOptions) (Page, error)
	ListArchived(ctx context.Context, opts ListOptions) (Page, error)
	// ListArchivable returns non-archived procedures created before cutoff.
	ListArchivable(ctx context.Context, cutoff time.Time, opts ListOptions) (Page, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

// StepRepository persists steps. Steps are created once with their procedure and never
// deleted.
type StepRepository interface {
	Create(ctx context.Context, s *Step) error
	Get(ctx context.Context, id string) (*Step, error)
	Update(ctx context.Context, s *Step) error
	ListByProcedure(ctx context.Context, procedureID string) ([]*Step, error)
}
