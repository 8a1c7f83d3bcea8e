package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/model"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testInstance builds a freshly created seven-step instance: step 1 in
// progress, the rest pending, one initial transition.
func testInstance(id, ownerID string, startedAt time.Time) model.WorkflowInstance {
	defs := catalog.Default().OrderedSteps()
	inst := model.WorkflowInstance{
		ID:           id,
		Name:         "Claim batch " + id,
		Status:       model.WorkflowStatusActive,
		CurrentStep:  defs[0].Name,
		TotalSteps:   len(defs),
		OwnerID:      ownerID,
		StartedAt:    startedAt,
		LastActiveAt: startedAt,
		Version:      1,
	}
	for _, def := range defs {
		inst.Steps = append(inst.Steps, model.WorkflowStep{
			ID:        fmt.Sprintf("%s-step-%d", id, def.Order),
			StepName:  def.Name,
			StepOrder: def.Order,
			Status:    model.StepStatusPending,
		})
	}
	inst.Steps[0].Status = model.StepStatusInProgress
	inst.Steps[0].StartedAt = &startedAt
	inst.Transitions = []model.WorkflowTransition{{
		ID:             id + "-tr-0",
		WorkflowID:     id,
		ToStepID:       inst.Steps[0].ID,
		TransitionType: model.TransitionAuto,
		TriggeredBy:    ownerID,
		CreatedAt:      startedAt,
	}}
	return inst
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	envErr, ok := err.(*model.ErrorEnvelope)
	require.Truef(t, ok, "error type = %T (%v)", err, err)
	require.Equal(t, code, envErr.Code, envErr.Message)
}

// runStoreSuite checks the WorkflowStore contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) WorkflowStore) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := testInstance("wf-1", "alice", baseTime)
		inst.Steps[0].Data = map[string]any{"documentIds": []any{"doc-1"}}

		require.NoError(t, store.Create(ctx, inst))

		got, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Equal(t, "wf-1", got.ID)
		require.Equal(t, model.StepUpload, got.CurrentStep)
		require.Equal(t, 1, got.Version)
		require.Len(t, got.Steps, 7)
		require.Equal(t, model.StepStatusInProgress, got.Steps[0].Status)
		require.True(t, got.Steps[0].StartedAt.Equal(baseTime))
		require.Equal(t, []any{"doc-1"}, got.Steps[0].Data["documentIds"])
		require.True(t, got.StartedAt.Equal(baseTime))
		require.Nil(t, got.CompletedAt)
		require.Len(t, got.Transitions, 1)
		require.Empty(t, got.Transitions[0].FromStepID)
		require.Equal(t, got.Steps[0].ID, got.Transitions[0].ToStepID)
	})

	t.Run("create duplicate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))
		requireCode(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)), model.ErrConflict)
	})

	t.Run("get not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "alice", "missing")
		requireCode(t, err, model.ErrNotFound)
	})

	t.Run("get owner isolation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))

		_, err := store.Get(ctx, "bob", "wf-1")
		requireCode(t, err, model.ErrNotFound)

		got, err := store.Get(ctx, "", "wf-1")
		require.NoError(t, err)
		require.Equal(t, "alice", got.OwnerID)
	})

	t.Run("update appends transitions and bumps version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))

		inst, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)

		done := baseTime.Add(time.Minute)
		inst.Steps[0].Status = model.StepStatusCompleted
		inst.Steps[0].Progress = 100
		inst.Steps[0].CompletedAt = &done
		inst.Steps[1].Status = model.StepStatusInProgress
		inst.Steps[1].StartedAt = &done
		inst.CurrentStep = model.StepProcess
		inst.CompletedSteps = 1
		inst.LastActiveAt = done
		tr := model.WorkflowTransition{
			ID:             "wf-1-tr-1",
			WorkflowID:     "wf-1",
			FromStepID:     inst.Steps[0].ID,
			ToStepID:       inst.Steps[1].ID,
			TransitionType: model.TransitionAuto,
			Data:           map[string]any{"reason": "upload finished"},
			TriggeredBy:    "alice",
			CreatedAt:      done,
		}

		require.NoError(t, store.Update(ctx, inst, History{Transitions: []model.WorkflowTransition{tr}}))

		got, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Equal(t, 2, got.Version)
		require.Equal(t, model.StepProcess, got.CurrentStep)
		require.Equal(t, 1, got.CompletedSteps)
		require.Equal(t, model.StepStatusCompleted, got.Steps[0].Status)
		require.True(t, got.Steps[0].CompletedAt.Equal(done))
		require.Len(t, got.Transitions, 2)
		require.Equal(t, "wf-1-tr-0", got.Transitions[0].ID)
		require.Equal(t, "wf-1-tr-1", got.Transitions[1].ID)
		require.Equal(t, inst.Steps[0].ID, got.Transitions[1].FromStepID)
		require.Equal(t, "upload finished", got.Transitions[1].Data["reason"])
		require.True(t, got.Transitions[1].CreatedAt.Equal(done))
	})

	t.Run("update version conflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))

		first, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		stale := first.Clone()

		first.Name = "renamed"
		require.NoError(t, store.Update(ctx, first, History{}))

		stale.Name = "lost update"
		requireCode(t, store.Update(ctx, stale, History{}), model.ErrConflict)

		got, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Equal(t, "renamed", got.Name)
		require.Len(t, got.Transitions, 1)
	})

	t.Run("update not found", func(t *testing.T) {
		store := newStore(t)
		requireCode(t, store.Update(context.Background(), testInstance("missing", "alice", baseTime), History{}), model.ErrNotFound)
	})

	t.Run("completed at round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))

		inst, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		done := baseTime.Add(time.Hour)
		inst.Status = model.WorkflowStatusCompleted
		inst.CompletedAt = &done
		require.NoError(t, store.Update(ctx, inst, History{}))

		got, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Equal(t, model.WorkflowStatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		require.True(t, got.CompletedAt.Equal(done))
	})

	t.Run("events are written with create and update", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := testInstance("wf-1", "alice", baseTime)
		created := model.WorkflowEvent{
			ID: "evt-1", Type: model.EventWorkflowCreated, WorkflowID: "wf-1",
			OwnerID: "alice", ActorID: "alice", Version: 1, OccurredAt: baseTime,
		}
		require.NoError(t, store.Create(ctx, inst, created))

		got, err := store.Get(ctx, "alice", "wf-1")
		require.NoError(t, err)
		stale := got.Clone()
		done := baseTime.Add(time.Minute)
		completed := model.WorkflowEvent{
			ID: "evt-2", Type: model.EventStepCompleted, WorkflowID: "wf-1", OwnerID: "alice",
			StepName: model.StepUpload, ActorID: "alice", Version: 2,
			Changes: map[string]any{"status": "completed"}, OccurredAt: done,
		}
		require.NoError(t, store.Update(ctx, got, History{Events: []model.WorkflowEvent{completed}}))

		// A lost version race writes no event.
		lost := completed
		lost.ID = "evt-lost"
		requireCode(t, store.Update(ctx, stale, History{Events: []model.WorkflowEvent{lost}}), model.ErrConflict)

		events, err := store.GetEvents(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "evt-1", events[0].ID)
		require.Equal(t, model.EventWorkflowCreated, events[0].Type)
		require.Empty(t, events[0].StepName)
		require.Nil(t, events[0].Changes)
		require.True(t, events[0].OccurredAt.Equal(baseTime))
		require.Equal(t, "evt-2", events[1].ID)
		require.Equal(t, model.StepUpload, events[1].StepName)
		require.Equal(t, 2, events[1].Version)
		require.Equal(t, "completed", events[1].Changes["status"])
		require.True(t, events[1].OccurredAt.Equal(done))

		_, err = store.GetEvents(ctx, "bob", "wf-1")
		requireCode(t, err, model.ErrNotFound)
		_, err = store.GetEvents(ctx, "alice", "missing")
		requireCode(t, err, model.ErrNotFound)

		all, err := store.GetEvents(ctx, "", "wf-1")
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("events empty for workflow without history", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, testInstance("wf-1", "alice", baseTime)))

		events, err := store.GetEvents(ctx, "alice", "wf-1")
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("list ordering filter and pagination", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			inst := testInstance(fmt.Sprintf("wf-%d", i), "alice", baseTime.Add(time.Duration(i)*time.Minute))
			if i == 2 {
				inst.Status = model.WorkflowStatusPaused
			}
			require.NoError(t, store.Create(ctx, inst))
		}
		require.NoError(t, store.Create(ctx, testInstance("wf-bob", "bob", baseTime.Add(time.Hour))))

		all, err := store.List(ctx, "alice", WorkflowFilters{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, []string{"wf-3", "wf-2", "wf-1", "wf-0"}, ids(all))
		require.Len(t, all[0].Transitions, 1)

		active, err := store.List(ctx, "alice", WorkflowFilters{Status: model.WorkflowStatusActive})
		require.NoError(t, err)
		require.Equal(t, []string{"wf-3", "wf-1", "wf-0"}, ids(active))

		page, err := store.List(ctx, "alice", WorkflowFilters{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Equal(t, []string{"wf-2", "wf-1"}, ids(page))

		beyond, err := store.List(ctx, "alice", WorkflowFilters{Offset: 10})
		require.NoError(t, err)
		require.Empty(t, beyond)

		none, err := store.List(ctx, "carol", WorkflowFilters{})
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func ids(instances []model.WorkflowInstance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.ID
	}
	return out
}
