package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/store"
)

const defaultPageSize = 50

var (
	_ procedure.Repository     = (*Procedures)(nil)
	_ procedure.StepRepository = (*Steps)(nil)
	_ image.Repository         = (*Images)(nil)
)

func pageRequest(limit int, cursor string) store.PageRequest {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return store.PageRequest{Limit: limit, Cursor: cursor}
}

// queryAll drains every page of an index query.
func queryAll(ctx context.Context, s store.Store, table string, idx store.Index) ([]store.Item, error) {
	var items []store.Item
	req := store.PageRequest{Limit: 100}
	for {
		page, err := s.Query(ctx, table, idx, req)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Cursor == "" {
			return items, nil
		}
		req.Cursor = page.Cursor
	}
}

// Procedures implements procedure.Repository.
type Procedures struct {
	store store.Store
}

func NewProcedures(s store.Store) *Procedures {
	return &Procedures{store: s}
}

func (r *Procedures) Create(ctx context.Context, p *procedure.Procedure) error {
	if p.Revision == 0 {
		p.Revision = 1
	}
	err := r.store.Put(ctx, TableProcedures, store.Key{ID: p.ID}, compact(EncodeProcedure(p).Item()))
	if errors.Is(err, store.ErrConditionFailed) {
		return apperr.IllegalState("procedure %s already exists", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to put procedure: %w", err)
	}
	return nil
}

func (r *Procedures) Get(ctx context.Context, id string) (*procedure.Procedure, error) {
	item, err := r.store.Get(ctx, TableProcedures, store.Key{ID: id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Procedure", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get procedure: %w", err)
	}
	return DecodeProcedure(item).Domain(), nil
}

// Update writes p guarded by its revision and advances the revision on success.
func (r *Procedures) Update(ctx context.Context, p *procedure.Procedure) error {
	rec := EncodeProcedure(p)
	rec.Revision = p.Revision + 1

	err := r.store.Update(ctx, TableProcedures, store.Key{ID: p.ID}, rec.Item(),
		store.Condition{Attribute: attrRevision, Op: store.OpEq, Value: p.Revision})
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return procedure.ErrConflict
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("Procedure", p.ID)
	case err != nil:
		return fmt.Errorf("failed to update procedure: %w", err)
	}
	p.Revision = rec.Revision
	return nil
}

func (r *Procedures) page(items []store.Item, cursor string) procedure.Page {
	out := procedure.Page{Procedures: make([]*procedure.Procedure, 0, len(items)), Cursor: cursor}
	for _, item := range items {
		out.Procedures = append(out.Procedures, DecodeProcedure(item).Domain())
	}
	return out
}

func (r *Procedures) query(ctx context.Context, attr string, value any, opts procedure.ListOptions) (procedure.Page, error) {
	idx := store.Index{Attribute: attr, Value: value, SortBy: attrCreatedAt, Descending: true}
	page, err := r.store.Query(ctx, TableProcedures, idx, pageRequest(opts.Limit, opts.Cursor))
	if err != nil {
		return procedure.Page{}, fmt.Errorf("failed to query procedures by %s: %w", attr, err)
	}
	return r.page(page.Items, page.Cursor), nil
}

func (r *Procedures) scan(ctx context.Context, filter store.Filter, opts procedure.ListOptions) (procedure.Page, error) {
	page, err := r.store.Scan(ctx, TableProcedures, filter, pageRequest(opts.Limit, opts.Cursor))
	if err != nil {
		return procedure.Page{}, fmt.Errorf("failed to scan procedures: %w", err)
	}
	return r.page(page.Items, page.Cursor), nil
}

func (r *Procedures) ListByPatient(ctx context.Context, patientID string, opts procedure.ListOptions) (procedure.Page, error) {
	return r.query(ctx, attrPatientID, patientID, opts)
}

func (r *Procedures) ListByStatus(ctx context.Context, status procedure.Status, opts procedure.ListOptions) (procedure.Page, error) {
	return r.query(ctx, attrStatus, string(status), opts)
}

func (r *Procedures) ListByCategory(ctx context.Context, category string, opts procedure.ListOptions) (procedure.Page, error) {
	return r.query(ctx, attrCategory, category, opts)
}

func (r *Procedures) ListArchived(ctx context.Context, opts procedure.ListOptions) (procedure.Page, error) {
	return r.scan(ctx, store.Filter{{Attribute: attrArchived, Op: store.OpEq, Value: true}}, opts)
}

func (r *Procedures) ListArchivable(ctx context.Context, cutoff time.Time, opts procedure.ListOptions) (procedure.Page, error) {
	return r.scan(ctx, store.Filter{
		{Attribute: attrCreatedAt, Op: store.OpLt, Value: millis(cutoff)},
		{Attribute: attrArchived, Op: store.OpEq, Value: false},
	}, opts)
}

func (r *Procedures) CountByStatus(ctx context.Context, status procedure.Status) (int, error) {
	n, err := r.store.Count(ctx, TableProcedures, store.Index{Attribute: attrStatus, Value: string(status)})
	if err != nil {
		return 0, fmt.Errorf("failed to count procedures: %w", err)
	}
	return n, nil
}

// Steps implements procedure.StepRepository.
type Steps struct {
	store store.Store
}

func NewSteps(s store.Store) *Steps {
	return &Steps{store: s}
}

func (r *Steps) Create(ctx context.Context, s *procedure.Step) error {
	err := r.store.Put(ctx, TableSteps, store.Key{ID: s.ID}, compact(EncodeStep(s).Item()))
	if errors.Is(err, store.ErrConditionFailed) {
		return apperr.IllegalState("step %s already exists", s.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to put step: %w", err)
	}
	return nil
}

func (r *Steps) Get(ctx context.Context, id string) (*procedure.Step, error) {
	item, err := r.store.Get(ctx, TableSteps, store.Key{ID: id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("ProcedureStep", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return DecodeStep(item).Domain(), nil
}

func (r *Steps) Update(ctx context.Context, s *procedure.Step) error {
	err := r.store.Update(ctx, TableSteps, store.Key{ID: s.ID}, EncodeStep(s).Item())
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("ProcedureStep", s.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	return nil
}

// ListByProcedure resolves step ids through the index, then reads each step by key. Index
// reads may lag behind writes on some backends, while key reads are consistent, and the
// auto-close check depends on seeing the latest step flags.
func (r *Steps) ListByProcedure(ctx context.Context, procedureID string) ([]*procedure.Step, error) {
	items, err := queryAll(ctx, r.store, TableSteps, store.Index{Attribute: attrProcedureID, Value: procedureID, SortBy: attrPosition})
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	steps := make([]*procedure.Step, 0, len(items))
	for _, item := range items {
		fresh, err := r.store.Get(ctx, TableSteps, item.Key())
		if err != nil {
			return nil, fmt.Errorf("failed to read step %s: %w", item.Key(), err)
		}
		steps = append(steps, DecodeStep(fresh).Domain())
	}
	return steps, nil
}

// Images implements image.Repository.
type Images struct {
	store store.Store
}

func NewImages(s store.Store) *Images {
	return &Images{store: s}
}

func imageKey(id string, version int64) store.Key {
	return store.Key{ID: id, Version: version}
}

func (r *Images) Create(ctx context.Context, img *image.Image) error {
	err := r.store.Put(ctx, TableImages, imageKey(img.ID, img.Version), compact(EncodeImage(img).Item()))
	if errors.Is(err, store.ErrConditionFailed) {
		return image.ErrVersionTaken
	}
	if err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

func (r *Images) Get(ctx context.Context, id string, version int64) (*image.Image, error) {
	item, err := r.store.Get(ctx, TableImages, imageKey(id, version))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Image", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return DecodeImage(item).Domain(), nil
}

func (r *Images) Update(ctx context.Context, img *image.Image) error {
	err := r.store.Update(ctx, TableImages, imageKey(img.ID, img.Version), EncodeImage(img).Item())
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Image", img.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update image: %w", err)
	}
	return nil
}

func (r *Images) ListVersions(ctx context.Context, id string) ([]*image.Image, error) {
	items, err := queryAll(ctx, r.store, TableImages, store.Index{
		Attribute: store.AttrID, Value: id, SortBy: store.AttrVersion, Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query image versions: %w", err)
	}
	out := make([]*image.Image, 0, len(items))
	for _, item := range items {
		out = append(out, DecodeImage(item).Domain())
	}
	return out, nil
}

func (r *Images) list(ctx context.Context, idx store.Index, opts image.ListOptions) (image.Page, error) {
	page, err := r.store.Query(ctx, TableImages, idx, pageRequest(opts.Limit, opts.Cursor))
	if err != nil {
		return image.Page{}, fmt.Errorf("failed to query images by %s: %w", idx.Attribute, err)
	}
	out := image.Page{Images: make([]*image.Image, 0, len(page.Items)), Cursor: page.Cursor}
	for _, item := range page.Items {
		out.Images = append(out.Images, DecodeImage(item).Domain())
	}
	return out, nil
}

func (r *Images) ListByStep(ctx context.Context, stepID string, opts image.ListOptions) (image.Page, error) {
	return r.list(ctx, store.Index{Attribute: attrStepID, Value: stepID, SortBy: attrCreatedAt}, opts)
}

func (r *Images) ListByProcedure(ctx context.Context, procedureID string, opts image.ListOptions) (image.Page, error) {
	return r.list(ctx, store.Index{Attribute: attrProcedureID, Value: procedureID, SortBy: attrCreatedAt}, opts)
}

func (r *Images) ListByUploader(ctx context.Context, uploadedBy string, opts image.ListOptions) (image.Page, error) {
	return r.list(ctx, store.Index{Attribute: attrUploadedBy, Value: uploadedBy, SortBy: attrUploadedAt, Descending: true}, opts)
}
