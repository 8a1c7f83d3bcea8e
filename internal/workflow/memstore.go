package workflow

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/pitabwire/claimflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-instance development.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	events    map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	s.events[inst.ID] = cloneEvents(nil, events)
	return nil
}

// Get retrieves a workflow instance by ID, scoped to owner.
func (s *MemoryWorkflowStore) Get(_ context.Context, ownerID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || (ownerID != "" && inst.OwnerID != ownerID) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// Update persists an updated instance with optimistic locking. Workflow
// fields, steps and appended history are written under one lock.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance, appended History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	next := inst.Clone()
	next.Transitions = append(existing.Transitions, appended.Transitions...)
	next.Version++
	s.instances[inst.ID] = next
	s.events[inst.ID] = cloneEvents(s.events[inst.ID], appended.Events)
	return nil
}

// GetEvents returns the workflow's audit events, oldest first.
func (s *MemoryWorkflowStore) GetEvents(_ context.Context, ownerID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || (ownerID != "" && inst.OwnerID != ownerID) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneEvents(nil, s.events[instanceID]), nil
}

// cloneEvents appends copies of events to dst.
func cloneEvents(dst, events []model.WorkflowEvent) []model.WorkflowEvent {
	for _, evt := range events {
		evt.Changes = maps.Clone(evt.Changes)
		dst = append(dst, evt)
	}
	return dst
}

// List returns the owner's instances sorted by StartedAt descending.
func (s *MemoryWorkflowStore) List(_ context.Context, ownerID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.OwnerID != ownerID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst.Clone())
	}

	sortByStartedDesc(result)
	return paginate(result, filters), nil
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
