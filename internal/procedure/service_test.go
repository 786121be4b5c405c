package procedure

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/internal/tooth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	n := 0
	svc := NewService(registry.Default(), repo, stepRepo{repo}, nil,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%03d", n)
		}),
	)
	return svc, repo
}

func createConfirmed(t *testing.T, svc *Service, category registry.Category) (*Procedure, []*Step) {
	t.Helper()
	ctx := context.Background()
	p, steps, err := svc.Create(ctx, CreateRequest{PatientID: "patient-1", Category: category, AssignedBy: "dr-a"})
	require.NoError(t, err)
	p, err = svc.Confirm(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, p.Status)
	return p, steps
}

func TestCreateFromTemplate(t *testing.T) {
	svc, _ := newTestService(t)

	p, steps, err := svc.Create(context.Background(), CreateRequest{
		PatientID:  "patient-1",
		Category:   registry.RCT,
		AssignedBy: "dr-a",
		Tooth:      &tooth.Locator{Tooth: "36", Quadrant: tooth.LowerLeft, FDINotation: "36"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, p.Status)
	assert.Equal(t, "Root Canal Treatment", p.Name)
	assert.Nil(t, p.StartDate)
	assert.Nil(t, p.EndDate)
	assert.Equal(t, int64(1), p.Revision)

	var types []registry.StepType
	for i, s := range steps {
		types = append(types, s.StepType)
		assert.Equal(t, i, s.Position)
		assert.True(t, s.Mandatory)
		assert.False(t, s.IsDone())
		assert.Equal(t, p.ID, s.ProcedureID)
	}
	assert.Equal(t, []registry.StepType{
		registry.StepProcedureName,
		registry.StepToothNumber,
		registry.StepClinicalPhotoInitial,
		registry.StepClinicalPhotoFollowup,
		registry.StepWorkingLength,
		registry.StepMasterCone,
		registry.StepBeforeFilling,
		registry.StepAfterFilling,
	}, types)
}

func TestCreateBackfilled(t *testing.T) {
	svc, _ := newTestService(t)
	start := testNow.AddDate(0, -2, 0)

	p, _, err := svc.Create(context.Background(), CreateRequest{
		PatientID: "patient-1", Category: registry.Scaling, AssignedBy: "dr-a", StartDate: &start,
	})
	require.NoError(t, err)
	assert.True(t, p.IsBackfilled)
	require.NotNil(t, p.StartDate)
	assert.Equal(t, start, *p.StartDate)

	p, err = svc.Confirm(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, start, *p.StartDate)
}

func TestCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		kind apperr.Kind
	}{
		{"missing patient", CreateRequest{Category: registry.RCT, AssignedBy: "dr-a"}, apperr.KindValidation},
		{"missing assigner", CreateRequest{PatientID: "p", Category: registry.RCT}, apperr.KindValidation},
		{"unknown category", CreateRequest{PatientID: "p", Category: "IMPLANT", AssignedBy: "dr-a"}, apperr.KindUnknownCategory},
		{"bad tooth", CreateRequest{
			PatientID: "p", Category: registry.RCT, AssignedBy: "dr-a",
			Tooth: &tooth.Locator{Tooth: "51", Quadrant: tooth.UpperRight, FDINotation: "51"},
		}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			_, _, err := svc.Create(context.Background(), tt.req)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
			assert.Empty(t, repo.procedures)
			assert.Empty(t, repo.steps)
		})
	}
}

func TestAutoCloseIsOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		t.Run(fmt.Sprintf("order-%d", round), func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			p, steps := createConfirmed(t, svc, registry.RCT)

			order := rng.Perm(len(steps))
			for i, idx := range order {
				var (
					out *StepOutcome
					err error
				)
				// mix completions and skips; both count as done
				if rng.Intn(2) == 0 {
					out, err = svc.CompleteStep(ctx, steps[idx].ID)
				} else {
					out, err = svc.SkipStep(ctx, steps[idx].ID, "not applicable")
				}
				require.NoError(t, err)

				if i < len(order)-1 {
					assert.Equal(t, StatusInProgress, out.Procedure.Status)
					assert.Nil(t, out.Procedure.EndDate)
				} else {
					assert.Equal(t, StatusClosed, out.Procedure.Status)
					require.NotNil(t, out.Procedure.EndDate)
				}
			}

			got, _, err := svc.Get(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, got.Status)
		})
	}
}

func TestSevenOfEightLeavesProcedureOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, steps := createConfirmed(t, svc, registry.RCT)
	require.Len(t, steps, 8)

	for _, s := range steps[:7] {
		_, err := svc.CompleteStep(ctx, s.ID)
		require.NoError(t, err)
	}
	got, _, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	out, err := svc.CompleteStep(ctx, steps[7].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, out.Procedure.Status)
}

func TestSkipCountsAsDone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, steps := createConfirmed(t, svc, registry.Scaling)

	_, err := svc.CompleteStep(ctx, steps[0].ID)
	require.NoError(t, err)
	out, err := svc.SkipStep(ctx, steps[1].ID, "patient declined")
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, out.Procedure.Status)
	assert.Equal(t, "patient declined", out.Step.SkipReason)
}

func TestDraftDoesNotAutoClose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, steps, err := svc.Create(ctx, CreateRequest{PatientID: "p", Category: registry.Scaling, AssignedBy: "dr-a"})
	require.NoError(t, err)

	for _, s := range steps {
		out, err := svc.CompleteStep(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, out.Procedure.Status)
	}
	got, err := svc.Confirm(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	// the manual close sees every step done
	got, err = svc.Close(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestCompleteSkipConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, steps := createConfirmed(t, svc, registry.Extraction)

	_, err := svc.CompleteStep(ctx, steps[0].ID)
	require.NoError(t, err)
	_, err = svc.SkipStep(ctx, steps[0].ID, "late")
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))

	_, err = svc.SkipStep(ctx, steps[1].ID, "no radiograph")
	require.NoError(t, err)
	_, err = svc.CompleteStep(ctx, steps[1].ID)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))

	_, err = svc.SkipStep(ctx, steps[2].ID, "   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	// unskip then complete is the correction path
	_, err = svc.UnskipStep(ctx, steps[1].ID)
	require.NoError(t, err)
	out, err := svc.CompleteStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.True(t, out.Step.Completed)
	assert.False(t, out.Step.Skipped)
	assert.Empty(t, out.Step.SkipReason)
}

func TestManualCloseRequiresMandatorySteps(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, steps := createConfirmed(t, svc, registry.Scaling)

	_, err := svc.CompleteStep(ctx, steps[0].ID)
	require.NoError(t, err)

	_, err = svc.Close(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, "not all mandatory steps are completed", err.Error())
}

func TestStateMachineGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("confirm twice", func(t *testing.T) {
		svc, _ := newTestService(t)
		p, _ := createConfirmed(t, svc, registry.Scaling)
		_, err := svc.Confirm(ctx, p.ID)
		assert.True(t, apperr.Is(err, apperr.KindIllegalState))
	})

	t.Run("cancel then close", func(t *testing.T) {
		svc, _ := newTestService(t)
		p, _ := createConfirmed(t, svc, registry.Scaling)
		got, err := svc.Cancel(ctx, p.ID, "patient moved")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, "patient moved", got.CancelReason)
		require.NotNil(t, got.EndDate)

		_, err = svc.Close(ctx, p.ID)
		assert.Error(t, err)

		name := "renamed"
		_, err = svc.UpdateInfo(ctx, p.ID, InfoUpdate{Name: &name})
		assert.True(t, apperr.Is(err, apperr.KindIllegalState))
	})

	t.Run("close then cancel", func(t *testing.T) {
		svc, _ := newTestService(t)
		p, steps := createConfirmed(t, svc, registry.Scaling)
		for _, s := range steps {
			_, err := svc.CompleteStep(ctx, s.ID)
			require.NoError(t, err)
		}
		_, err := svc.Cancel(ctx, p.ID, "")
		assert.True(t, apperr.Is(err, apperr.KindIllegalState))

		// closing again is tolerated
		got, err := svc.Close(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, got.Status)
	})

	t.Run("archive guards", func(t *testing.T) {
		svc, _ := newTestService(t)
		p, _ := createConfirmed(t, svc, registry.Scaling)
		_, err := svc.Archive(ctx, p.ID, "s3://cold/x/")
		assert.True(t, apperr.Is(err, apperr.KindIllegalState))

		_, err = svc.Cancel(ctx, p.ID, "duplicate")
		require.NoError(t, err)
		got, err := svc.Archive(ctx, p.ID, "s3://cold/x/")
		require.NoError(t, err)
		assert.True(t, got.Archived)
		assert.Equal(t, StatusCancelled, got.Status)

		_, err = svc.Archive(ctx, p.ID, "s3://cold/y/")
		assert.True(t, apperr.Is(err, apperr.KindIllegalState))
	})

	t.Run("unknown procedure", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Confirm(ctx, "missing")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		assert.Equal(t, "Procedure with id missing not found", err.Error())
	})
}

func TestUpdateInfo(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := createConfirmed(t, svc, registry.RCT)

	name, desc := "RCT lower left molar", "two canals"
	got, err := svc.UpdateInfo(ctx, p.ID, InfoUpdate{
		Name:        &name,
		Description: &desc,
		Tooth:       &tooth.Locator{Tooth: "36", Quadrant: tooth.LowerLeft, FDINotation: "36"},
	})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, "36", got.Tooth.Tooth)

	blank := " "
	_, err = svc.UpdateInfo(ctx, p.ID, InfoUpdate{Name: &blank})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSettleRetriesOnRevisionConflict(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	p, steps := createConfirmed(t, svc, registry.Scaling)

	_, err := svc.CompleteStep(ctx, steps[0].ID)
	require.NoError(t, err)

	// a foreign writer lands between our read and our write
	repo.beforeUpdate = func(*Procedure) {
		repo.bump(p.ID, func(stored *Procedure) {
			stored.Description = "edited elsewhere"
		})
	}
	before := repo.updates

	out, err := svc.CompleteStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, out.Procedure.Status)
	assert.Equal(t, "edited elsewhere", out.Procedure.Description)
	assert.Equal(t, 2, repo.updates-before)
}

func TestMutateGivesUpAfterMaxAttempts(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(registry.Default(), repo, stepRepo{repo}, nil, WithMaxAttempts(3))
	ctx := context.Background()
	p, _, err := svc.Create(ctx, CreateRequest{PatientID: "p", Category: registry.Scaling, AssignedBy: "dr-a"})
	require.NoError(t, err)

	conflicts := 0
	var conflict func(*Procedure)
	conflict = func(*Procedure) {
		conflicts++
		repo.bump(p.ID, func(*Procedure) {})
		repo.beforeUpdate = conflict
	}
	repo.beforeUpdate = conflict

	_, err = svc.Confirm(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, conflicts)
}

func TestConcurrentCompletionsCloseOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		svc, repo := newTestService(t)
		ctx := context.Background()
		p, steps := createConfirmed(t, svc, registry.Scaling)

		var wg sync.WaitGroup
		errs := make([]error, len(steps))
		for i, s := range steps {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = svc.CompleteStep(ctx, id)
			}(i, s.ID)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, got.Status, "round %d", round)
	}
}

func TestListAndCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createConfirmed(t, svc, registry.RCT)
	createConfirmed(t, svc, registry.Scaling)
	_, _, err := svc.Create(ctx, CreateRequest{PatientID: "patient-2", Category: registry.Scaling, AssignedBy: "dr-b"})
	require.NoError(t, err)

	n, err := svc.CountByStatus(ctx, StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := svc.ListByPatient(ctx, "patient-1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Procedures, 2)

	page, err = svc.ListByCategory(ctx, registry.Scaling, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Procedures, 2)

	_, err = svc.ListByCategory(ctx, "IMPLANT", ListOptions{})
	assert.True(t, apperr.Is(err, apperr.KindUnknownCategory))
}

func TestLocateStep(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, steps := createConfirmed(t, svc, registry.Scaling)

	procedureID, patientID, err := svc.LocateStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, procedureID)
	assert.Equal(t, "patient-1", patientID)

	_, _, err = svc.LocateStep(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
