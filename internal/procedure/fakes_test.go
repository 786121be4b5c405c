package procedure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
)

// memRepo is a map-backed Repository and StepRepository with revision checks.
type memRepo struct {
	mu         sync.Mutex
	procedures map[string]Procedure
	steps      map[string]Step

	// beforeUpdate runs once per procedure update, before the revision check.
	beforeUpdate func(p *Procedure)
	updates      int
}

func newMemRepo() *memRepo {
	return &memRepo{procedures: map[string]Procedure{}, steps: map[string]Step{}}
}

func (r *memRepo) Create(_ context.Context, p *Procedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Revision = 1
	r.procedures[p.ID] = *p
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procedures[id]
	if !ok {
		return nil, apperr.NotFound("Procedure", id)
	}
	return &p, nil
}

func (r *memRepo) Update(_ context.Context, p *Procedure) error {
	if hook := r.beforeUpdate; hook != nil {
		r.beforeUpdate = nil
		hook(p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	stored, ok := r.procedures[p.ID]
	if !ok {
		return apperr.NotFound("Procedure", p.ID)
	}
	if stored.Revision != p.Revision {
		return ErrConflict
	}
	p.Revision++
	r.procedures[p.ID] = *p
	return nil
}

// bump simulates a foreign writer.
func (r *memRepo) bump(id string, fn func(p *Procedure)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.procedures[id]
	fn(&p)
	p.Revision++
	r.procedures[id] = p
}

func (r *memRepo) list(keep func(Procedure) bool) Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Procedure
	for _, p := range r.procedures {
		if keep(p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Page{Procedures: out}
}

func (r *memRepo) ListByPatient(_ context.Context, patientID string, _ ListOptions) (Page, error) {
	return r.list(func(p Procedure) bool { return p.PatientID == patientID }), nil
}

func (r *memRepo) ListByStatus(_ context.Context, status Status, _ ListOptions) (Page, error) {
	return r.list(func(p Procedure) bool { return p.Status == status }), nil
}

func (r *memRepo) ListByCategory(_ context.Context, category string, _ ListOptions) (Page, error) {
	return r.list(func(p Procedure) bool { return string(p.Category) == category }), nil
}

func (r *memRepo) ListArchived(_ context.Context, _ ListOptions) (Page, error) {
	return r.list(func(p Procedure) bool { return p.Archived }), nil
}

func (r *memRepo) ListArchivable(_ context.Context, cutoff time.Time, _ ListOptions) (Page, error) {
	return r.list(func(p Procedure) bool { return !p.Archived && p.CreatedAt.Before(cutoff) }), nil
}

func (r *memRepo) CountByStatus(ctx context.Context, status Status) (int, error) {
	page, _ := r.ListByStatus(ctx, status, ListOptions{})
	return len(page.Procedures), nil
}

// stepRepo adapts memRepo to StepRepository.
type stepRepo struct{ r *memRepo }

func (s stepRepo) Create(_ context.Context, step *Step) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.steps[step.ID] = *step
	return nil
}

func (s stepRepo) Get(_ context.Context, id string) (*Step, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	step, ok := s.r.steps[id]
	if !ok {
		return nil, apperr.NotFound("ProcedureStep", id)
	}
	return &step, nil
}

func (s stepRepo) Update(_ context.Context, step *Step) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if _, ok := s.r.steps[step.ID]; !ok {
		return apperr.NotFound("ProcedureStep", step.ID)
	}
	s.r.steps[step.ID] = *step
	return nil
}

func (s stepRepo) ListByProcedure(_ context.Context, procedureID string) ([]*Step, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	var out []*Step
	for _, step := range s.r.steps {
		if step.ProcedureID == procedureID {
			step := step
			out = append(out, &step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
