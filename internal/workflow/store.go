package workflow

import (
	"context"
	"sort"

	"github.com/pitabwire/claimflow/model"
)

// WorkflowStore persists workflow instances together with their steps,
// transitions and audit events.
type WorkflowStore interface {
	// Create persists a new workflow instance, its steps, any transitions
	// already present on it and the given events. Returns CONFLICT if the
	// ID is taken.
	Create(ctx context.Context, instance model.WorkflowInstance, events ...model.WorkflowEvent) error

	// Get retrieves a workflow instance by ID, scoped to an owner. An empty
	// ownerID skips the ownership check. Returns NOT_FOUND if the instance
	// doesn't exist or belongs to a different owner.
	Get(ctx context.Context, ownerID, instanceID string) (model.WorkflowInstance, error)

	// Update atomically replaces the workflow and step fields of the stored
	// instance and appends the given history. instance.Version must match
	// the stored version; on success the stored version becomes
	// instance.Version+1. Returns CONFLICT if the version has changed and
	// NOT_FOUND if the instance doesn't exist. instance.Transitions is
	// ignored; only appended is written.
	Update(ctx context.Context, instance model.WorkflowInstance, appended History) error

	// List returns the owner's workflow instances, most recently started
	// first.
	List(ctx context.Context, ownerID string, filters WorkflowFilters) ([]model.WorkflowInstance, error)

	// GetEvents returns the audit events of a workflow in the order they
	// were written, scoped like Get.
	GetEvents(ctx context.Context, ownerID, instanceID string) ([]model.WorkflowEvent, error)
}

// History is what one update appends to a workflow's records.
type History struct {
	Transitions []model.WorkflowTransition
	Events      []model.WorkflowEvent
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	Status model.WorkflowStatus
	Limit  int
	Offset int
}

// paginate applies offset and limit to an already sorted result.
func paginate(result []model.WorkflowInstance, filters WorkflowFilters) []model.WorkflowInstance {
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result
}

// sortByStartedDesc orders instances most recently started first, breaking
// ties by descending ID.
func sortByStartedDesc(result []model.WorkflowInstance) {
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})
}
