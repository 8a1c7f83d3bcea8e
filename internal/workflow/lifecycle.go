package workflow

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/claimflow/model"
)

type stepTrigger string

const (
	triggerStart    stepTrigger = "start"
	triggerComplete stepTrigger = "complete"
	triggerFail     stepTrigger = "fail"
	triggerSkip     stepTrigger = "skip"
)

type workflowTrigger string

const (
	triggerPause  workflowTrigger = "pause"
	triggerResume workflowTrigger = "resume"
	triggerFinish workflowTrigger = "finish"
	triggerCancel workflowTrigger = "cancel"
)

// newStepMachine returns the step lifecycle positioned at status. Terminal
// statuses have no outgoing transitions.
func newStepMachine(status model.StepStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(model.StepStatusPending).
		Permit(triggerStart, model.StepStatusInProgress).
		Permit(triggerComplete, model.StepStatusCompleted).
		Permit(triggerSkip, model.StepStatusSkipped)
	sm.Configure(model.StepStatusInProgress).
		Permit(triggerComplete, model.StepStatusCompleted).
		Permit(triggerFail, model.StepStatusFailed).
		Permit(triggerSkip, model.StepStatusSkipped)
	sm.Configure(model.StepStatusCompleted)
	sm.Configure(model.StepStatusFailed)
	sm.Configure(model.StepStatusSkipped)
	return sm
}

// newWorkflowMachine returns the workflow lifecycle positioned at status.
func newWorkflowMachine(status model.WorkflowStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(model.WorkflowStatusActive).
		Permit(triggerPause, model.WorkflowStatusPaused).
		PermitReentry(triggerResume).
		Permit(triggerFinish, model.WorkflowStatusCompleted).
		Permit(triggerCancel, model.WorkflowStatusCancelled)
	sm.Configure(model.WorkflowStatusPaused).
		Permit(triggerResume, model.WorkflowStatusActive).
		Permit(triggerCancel, model.WorkflowStatusCancelled)
	sm.Configure(model.WorkflowStatusCompleted)
	sm.Configure(model.WorkflowStatusCancelled)
	return sm
}

// advanceStep fires trigger on a step in status from and returns the
// resulting status, or an INVALID_TRANSITION error.
func advanceStep(name model.StepName, from model.StepStatus, trigger stepTrigger) (model.StepStatus, error) {
	sm := newStepMachine(from)
	if err := sm.Fire(trigger); err != nil {
		return from, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q cannot %s from status %s", name, trigger, from),
		)
	}
	return sm.MustState().(model.StepStatus), nil
}

// advanceWorkflow fires trigger on a workflow in status from and returns the
// resulting status, or an INVALID_TRANSITION error.
func advanceWorkflow(id string, from model.WorkflowStatus, trigger workflowTrigger) (model.WorkflowStatus, error) {
	sm := newWorkflowMachine(from)
	if err := sm.Fire(trigger); err != nil {
		return from, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow %q cannot %s from status %s", id, trigger, from),
		)
	}
	return sm.MustState().(model.WorkflowStatus), nil
}

// stepTriggerFor maps a requested target status to the trigger reaching it.
func stepTriggerFor(target model.StepStatus) (stepTrigger, bool) {
	switch target {
	case model.StepStatusInProgress:
		return triggerStart, true
	case model.StepStatusCompleted:
		return triggerComplete, true
	case model.StepStatusFailed:
		return triggerFail, true
	case model.StepStatusSkipped:
		return triggerSkip, true
	}
	return "", false
}
