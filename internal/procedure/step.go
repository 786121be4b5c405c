package procedure

import (
	"strings"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/registry"
)

// Step is one clinical checkpoint of a procedure. Completed and Skipped are never both set.
type Step struct {
	ID          string
	ProcedureID string
	StepType    registry.StepType
	Name        string
	// Position is the index of the step in its procedure's template.
	Position    int
	Mandatory   bool
	Completed   bool
	Skipped     bool
	SkipReason  string
	VisitDate   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Complete marks the step done. Completing twice is harmless.
func (s *Step) Complete(now time.Time) error {
	if s.Skipped {
		return apperr.IllegalState("cannot complete a skipped step")
	}
	s.Completed = true
	s.UpdatedAt = now
	return nil
}

// Skip marks the step done without performing it. A reason is required.
func (s *Step) Skip(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.Validation("skip reason is required")
	}
	if s.Completed {
		return apperr.IllegalState("cannot skip a completed step")
	}
	s.Skipped = true
	s.SkipReason = reason
	s.UpdatedAt = now
	return nil
}

// Unskip clears the skip state for correction workflows.
func (s *Step) Unskip(now time.Time) {
	s.Skipped = false
	s.SkipReason = ""
	s.UpdatedAt = now
}

func (s *Step) UpdateVisitDate(date, now time.Time) {
	s.VisitDate = date
	s.UpdatedAt = now
}

// IsDone is the predicate the auto-close rule consumes.
func (s *Step) IsDone() bool {
	return s.Completed || s.Skipped
}

// MandatoryDone reports whether every mandatory step type has a done step.
func MandatoryDone(mandatory []registry.StepType, steps []*Step) bool {
	done := make(map[registry.StepType]bool, len(steps))
	for _, s := range steps {
		if s.IsDone() {
			done[s.StepType] = true
		}
	}
	for _, st := range mandatory {
		if !done[st] {
			return false
		}
	}
	return true
}
