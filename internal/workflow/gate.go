package workflow

import (
	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/model"
)

// CanEnter reports whether target may be entered given the workflow's current
// step states. It never fails: unknown targets and missing step records are
// simply not enterable. Workflow status (paused, active) is not considered.
func CanEnter(wf model.WorkflowInstance, target model.StepName, cat *catalog.Catalog) bool {
	order, err := cat.OrderOf(target)
	if err != nil {
		return false
	}
	step := wf.Step(target)
	if step == nil {
		return false
	}

	switch step.Status {
	case model.StepStatusCompleted, model.StepStatusInProgress:
		return true
	case model.StepStatusPending:
		if order == 1 {
			return true
		}
		prevDef, ok := cat.At(order - 1)
		if !ok {
			return false
		}
		prev := wf.Step(prevDef.Name)
		return prev != nil && prev.Status == model.StepStatusCompleted
	default:
		return false
	}
}
