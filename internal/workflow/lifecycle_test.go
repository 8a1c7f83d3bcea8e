package workflow

import (
	"testing"

	"github.com/pitabwire/claimflow/model"
)

func TestAdvanceStep(t *testing.T) {
	tests := []struct {
		from    model.StepStatus
		trigger stepTrigger
		want    model.StepStatus
		wantErr bool
	}{
		{pending, triggerStart, inProgress, false},
		{pending, triggerSkip, skipped, false},
		{pending, triggerComplete, completed, false},
		{pending, triggerFail, pending, true},
		{inProgress, triggerComplete, completed, false},
		{inProgress, triggerFail, failed, false},
		{inProgress, triggerSkip, skipped, false},
		{inProgress, triggerStart, inProgress, true},
		{completed, triggerComplete, completed, true},
		{completed, triggerStart, completed, true},
		{failed, triggerStart, failed, true},
		{failed, triggerComplete, failed, true},
		{skipped, triggerStart, skipped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := advanceStep(model.StepReview, tt.from, tt.trigger)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				if model.CodeOf(err) != model.ErrInvalidTransition {
					t.Errorf("code = %s, want %s", model.CodeOf(err), model.ErrInvalidTransition)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAdvanceWorkflow(t *testing.T) {
	tests := []struct {
		from    model.WorkflowStatus
		trigger workflowTrigger
		want    model.WorkflowStatus
		wantErr bool
	}{
		{model.WorkflowStatusActive, triggerPause, model.WorkflowStatusPaused, false},
		{model.WorkflowStatusActive, triggerResume, model.WorkflowStatusActive, false},
		{model.WorkflowStatusActive, triggerFinish, model.WorkflowStatusCompleted, false},
		{model.WorkflowStatusActive, triggerCancel, model.WorkflowStatusCancelled, false},
		{model.WorkflowStatusPaused, triggerResume, model.WorkflowStatusActive, false},
		{model.WorkflowStatusPaused, triggerCancel, model.WorkflowStatusCancelled, false},
		{model.WorkflowStatusPaused, triggerPause, model.WorkflowStatusPaused, true},
		{model.WorkflowStatusPaused, triggerFinish, model.WorkflowStatusPaused, true},
		{model.WorkflowStatusCompleted, triggerResume, model.WorkflowStatusCompleted, true},
		{model.WorkflowStatusCompleted, triggerCancel, model.WorkflowStatusCompleted, true},
		{model.WorkflowStatusCancelled, triggerResume, model.WorkflowStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := advanceWorkflow("wf-1", tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStepTriggerFor(t *testing.T) {
	if _, ok := stepTriggerFor(model.StepStatusPending); ok {
		t.Error("pending must not be reachable by any trigger")
	}
	for _, s := range []model.StepStatus{inProgress, completed, failed, skipped} {
		if _, ok := stepTriggerFor(s); !ok {
			t.Errorf("no trigger for %s", s)
		}
	}
}
