// Package procedure implements the procedure and step lifecycles, including the rule that
// closes an IN_PROGRESS procedure once every mandatory top-level step is completed or
// skipped.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/internal/tooth"
	"github.com/pranav-miglani/dental-record/pkg/logger"
)

const defaultMaxAttempts = 5

// errNoWrite lets a mutation decline to write without failing.
var errNoWrite = errors.New("no write")

// Service coordinates procedures, their steps and the registry.
type Service struct {
	registry    *registry.Registry
	procedures  Repository
	steps       StepRepository
	logger      *logger.Logger
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithMaxAttempts bounds the retries after a revision conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService creates a procedure service. The logger may be nil.
func NewService(reg *registry.Registry, procedures Repository, steps StepRepository, logger *logger.Logger, opts ...Option) *Service {
	s := &Service{
		registry:    reg,
		procedures:  procedures,
		steps:       steps,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the catalog the service was built with.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// CreateRequest describes a new procedure assignment.
type CreateRequest struct {
	PatientID   string
	Category    registry.Category
	Name        string
	Description string
	Tooth       *tooth.Locator
	AssignedBy  string
	// StartDate marks the procedure as backfilled from paper records.
	StartDate *time.Time
}

// Create instantiates a DRAFT procedure from the registry template, with one step per
// top-level definition.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Procedure, []*Step, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, nil, apperr.Validation("patient id is required")
	}
	if strings.TrimSpace(req.AssignedBy) == "" {
		return nil, nil, apperr.Validation("assigned by is required")
	}
	def, err := s.registry.DefinitionFor(req.Category)
	if err != nil {
		return nil, nil, err
	}
	templates, err := s.registry.TopLevelSteps(req.Category)
	if err != nil {
		return nil, nil, err
	}
	if req.Tooth != nil {
		if err := tooth.Validate(*req.Tooth); err != nil {
			return nil, nil, err
		}
	}

	now := s.now()
	p := &Procedure{
		ID:           s.newID(),
		PatientID:    req.PatientID,
		Category:     req.Category,
		Status:       StatusDraft,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		AssignedBy:   req.AssignedBy,
		AssignedDate: now,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: now,
	}
	if p.Name == "" {
		p.Name = def.DisplayName
	}
	if req.Tooth != nil {
		t := *req.Tooth
		p.Tooth = &t
	}
	if req.StartDate != nil {
		p.StartDate = timePtr(*req.StartDate)
		p.IsBackfilled = true
	}

	steps := make([]*Step, 0, len(templates))
	for i, tmpl := range templates {
		steps = append(steps, &Step{
			ID:          s.newID(),
			ProcedureID: p.ID,
			StepType:    tmpl.StepType,
			Name:        tmpl.DisplayName,
			Position:    i,
			Mandatory:   tmpl.Mandatory,
			VisitDate:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.procedures.Create(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("failed to create procedure: %w", err)
	}
	for _, step := range steps {
		if err := s.steps.Create(ctx, step); err != nil {
			return nil, nil, fmt.Errorf("failed to create step %s: %w", step.StepType, err)
		}
	}

	if s.logger != nil {
		s.logger.Infof("Created %s procedure %s for patient %s with %d steps", p.Category, p.ID, p.PatientID, len(steps))
	}
	return p, steps, nil
}

// Get returns a procedure with its steps.
func (s *Service) Get(ctx context.Context, id string) (*Procedure, []*Step, error) {
	p, err := s.procedures.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.steps.ListByProcedure(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return p, steps, nil
}

// Confirm moves a DRAFT procedure to IN_PROGRESS.
func (s *Service) Confirm(ctx context.Context, id string) (*Procedure, error) {
	return s.mutate(ctx, id, func(p *Procedure) error {
		return p.Confirm(s.now())
	})
}

// UpdateInfo edits descriptive fields on a procedure that is not cancelled.
func (s *Service) UpdateInfo(ctx context.Context, id string, u InfoUpdate) (*Procedure, error) {
	return s.mutate(ctx, id, func(p *Procedure) error {
		return p.UpdateInfo(u, s.now())
	})
}

// Close is the manual close. It refuses while any mandatory top-level step is not done.
func (s *Service) Close(ctx context.Context, id string) (*Procedure, error) {
	return s.mutate(ctx, id, func(p *Procedure) error {
		ready, err := s.mandatoryDone(ctx, p)
		if err != nil {
			return err
		}
		if !ready {
			return apperr.Validation("not all mandatory steps are completed")
		}
		return p.Close(s.now())
	})
}

// Cancel ends a procedure that has not been closed.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Procedure, error) {
	return s.mutate(ctx, id, func(p *Procedure) error {
		return p.Cancel(reason, s.now())
	})
}

// Archive records the cold-storage location. Only CLOSED or CANCELLED procedures that are
// not archived yet qualify.
func (s *Service) Archive(ctx context.Context, id, location string) (*Procedure, error) {
	return s.mutate(ctx, id, func(p *Procedure) error {
		if p.Archived {
			return apperr.IllegalState("procedure %s is already archived", p.ID)
		}
		if p.IsActive() {
			return apperr.IllegalState("procedure %s is %s and cannot be archived", p.ID, p.Status)
		}
		p.Archive(location, s.now())
		return nil
	})
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, opts ListOptions) (Page, error) {
	return s.procedures.ListByPatient(ctx, patientID, opts)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, opts ListOptions) (Page, error) {
	return s.procedures.ListByStatus(ctx, status, opts)
}

func (s *Service) ListByCategory(ctx context.Context, category registry.Category, opts ListOptions) (Page, error) {
	if _, err := s.registry.DefinitionFor(category); err != nil {
		return Page{}, err
	}
	return s.procedures.ListByCategory(ctx, string(category), opts)
}

func (s *Service) ListArchived(ctx context.Context, opts ListOptions) (Page, error) {
	return s.procedures.ListArchived(ctx, opts)
}

// ListArchivable pages through non-archived procedures created before cutoff.
func (s *Service) ListArchivable(ctx context.Context, cutoff time.Time, opts ListOptions) (Page, error) {
	return s.procedures.ListArchivable(ctx, cutoff, opts)
}

func (s *Service) CountByStatus(ctx context.Context, status Status) (int, error) {
	return s.procedures.CountByStatus(ctx, status)
}

// StepOutcome is the result of a step mutation together with the owning procedure as it
// stands afterwards.
type StepOutcome struct {
	Step      *Step
	Procedure *Procedure
}

// CompleteStep marks a step completed and re-evaluates auto-close.
func (s *Service) CompleteStep(ctx context.Context, stepID string) (*StepOutcome, error) {
	return s.mutateStep(ctx, stepID, true, func(step *Step) error {
		return step.Complete(s.now())
	})
}

// SkipStep marks a step skipped and re-evaluates auto-close.
func (s *Service) SkipStep(ctx context.Context, stepID, reason string) (*StepOutcome, error) {
	return s.mutateStep(ctx, stepID, true, func(step *Step) error {
		return step.Skip(reason, s.now())
	})
}

// UnskipStep clears a skip. It never closes a procedure, so auto-close is not consulted.
func (s *Service) UnskipStep(ctx context.Context, stepID string) (*StepOutcome, error) {
	return s.mutateStep(ctx, stepID, false, func(step *Step) error {
		step.Unskip(s.now())
		return nil
	})
}

func (s *Service) UpdateVisitDate(ctx context.Context, stepID string, date time.Time) (*StepOutcome, error) {
	if date.IsZero() {
		return nil, apperr.Validation("visit date is required")
	}
	return s.mutateStep(ctx, stepID, false, func(step *Step) error {
		step.UpdateVisitDate(date, s.now())
		return nil
	})
}

func (s *Service) GetStep(ctx context.Context, stepID string) (*Step, error) {
	return s.steps.Get(ctx, stepID)
}

func (s *Service) ListSteps(ctx context.Context, procedureID string) ([]*Step, error) {
	if _, err := s.procedures.Get(ctx, procedureID); err != nil {
		return nil, err
	}
	return s.steps.ListByProcedure(ctx, procedureID)
}

// LocateStep resolves the procedure and patient owning a step.
func (s *Service) LocateStep(ctx context.Context, stepID string) (procedureID, patientID string, err error) {
	step, err := s.steps.Get(ctx, stepID)
	if err != nil {
		return "", "", err
	}
	p, err := s.procedures.Get(ctx, step.ProcedureID)
	if err != nil {
		return "", "", err
	}
	return p.ID, p.PatientID, nil
}

func (s *Service) mutateStep(ctx context.Context, stepID string, settle bool, fn func(*Step) error) (*StepOutcome, error) {
	step, err := s.steps.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := fn(step); err != nil {
		return nil, err
	}
	if err := s.steps.Update(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to update step %s: %w", stepID, err)
	}

	out := &StepOutcome{Step: step}
	if !settle {
		p, err := s.procedures.Get(ctx, step.ProcedureID)
		if err != nil {
			return nil, err
		}
		out.Procedure = p
		return out, nil
	}

	p, err := s.settle(ctx, step.ProcedureID)
	if err != nil {
		return nil, err
	}
	out.Procedure = p
	return out, nil
}

// settle is the auto-close rule. It runs after every complete or skip and always ends in a
// revision-checked write to the procedure, so concurrent step mutations serialize here and
// the last writer evaluates closure against every step written before it.
func (s *Service) settle(ctx context.Context, procedureID string) (*Procedure, error) {
	return s.mutate(ctx, procedureID, func(p *Procedure) error {
		if p.Status != StatusInProgress {
			return errNoWrite
		}
		ready, err := s.mandatoryDone(ctx, p)
		if err != nil {
			return err
		}
		now := s.now()
		if !ready {
			p.Touch(now)
			return nil
		}
		if err := p.Close(now); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Infof("Auto-closed procedure %s: all mandatory steps done", p.ID)
		}
		return nil
	})
}

func (s *Service) mandatoryDone(ctx context.Context, p *Procedure) (bool, error) {
	mandatory, err := s.registry.MandatoryTopLevelSteps(p.Category)
	if err != nil {
		return false, err
	}
	steps, err := s.steps.ListByProcedure(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list steps: %w", err)
	}
	return MandatoryDone(mandatory, steps), nil
}

// mutate loads the procedure, applies fn and writes it back under the revision check,
// reloading and reapplying fn when a concurrent writer wins.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Procedure) error) (*Procedure, error) {
	for attempt := 1; ; attempt++ {
		p, err := s.procedures.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(p); err != nil {
			if errors.Is(err, errNoWrite) {
				return p, nil
			}
			return nil, err
		}

		err = s.procedures.Update(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("failed to update procedure %s: %w", id, err)
		}
		if attempt >= s.maxAttempts {
			return nil, fmt.Errorf("procedure %s: gave up after %d attempts: %w", id, attempt, err)
		}
		if s.logger != nil {
			s.logger.Debugf("Revision conflict on procedure %s, retrying (attempt %d)", id, attempt)
		}
	}
}
