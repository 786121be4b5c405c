package image

import (
	"context"
	"errors"
)

// ErrVersionTaken is returned by Repository.Create when the (id, version) row exists.
var ErrVersionTaken = errors.New("image version already exists")

// ListOptions pages through a listing.
type ListOptions struct {
	Limit  int
	Cursor string
}

// Page is one slice of an image listing.
type Page struct {
	Images []*Image
	Cursor string
}

// Repository persists image version rows. Get returns an apperr NotFound error for unknown
// rows.
type Repository interface {
	Create(ctx context.Context, img *Image) error
	Get(ctx context.Context, id string, version int64) (*Image, error)
	Update(ctx context.Context, img *Image) error
	// ListVersions returns every row of the identity, newest version first, deleted rows
	// included.
	ListVersions(ctx context.Context, id string) ([]*Image, error)
	ListByStep(ctx context.Context, stepID string, opts ListOptions) (Page, error)
	ListByProcedure(ctx context.Context, procedureID string, opts ListOptions) (Page, error)
	ListByUploader(ctx context.Context, uploadedBy string, opts ListOptions) (Page, error)
}

// StepLocator resolves the procedure and patient owning a step.
type StepLocator interface {
	LocateStep(ctx context.Context, stepID string) (procedureID, patientID string, err error)
}
