package model

import "time"

// StepName identifies a pipeline step in the catalog.
type StepName string

// Pipeline step names.
const (
	StepUpload   StepName = "upload"
	StepProcess  StepName = "process"
	StepReview   StepName = "review"
	StepClaims   StepName = "claims"
	StepMap      StepName = "map"
	StepDecision StepName = "decision"
	StepReports  StepName = "reports"
)

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

// Workflow instance status constants.
const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusActive, WorkflowStatusPaused, WorkflowStatusCompleted, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further mutation of workflow status is possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// StepStatus is the lifecycle status of a single workflow step.
type StepStatus string

// Workflow step status constants.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether the step can no longer change status.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// TransitionType classifies how a step activation happened.
type TransitionType string

// Transition type constants.
const (
	TransitionAuto        TransitionType = "auto"
	TransitionManual      TransitionType = "manual"
	TransitionConditional TransitionType = "conditional"
)

// StepDefinition is one entry of the static pipeline catalog.
type StepDefinition struct {
	Name  StepName `json:"name" yaml:"name"`
	Order int      `json:"order" yaml:"order"`
	Label string   `json:"label" yaml:"label"`
}

// WorkflowInstance is one run of the pipeline for one owner.
type WorkflowInstance struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Status         WorkflowStatus       `json:"status"`
	CurrentStep    StepName             `json:"currentStep"`
	TotalSteps     int                  `json:"totalSteps"`
	CompletedSteps int                  `json:"completedSteps"`
	OwnerID        string               `json:"ownerId"`
	StartedAt      time.Time            `json:"startedAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	LastActiveAt   time.Time            `json:"lastActiveAt"`
	Steps          []WorkflowStep       `json:"steps"`
	Transitions    []WorkflowTransition `json:"transitions"`
	Version        int                  `json:"version"`
}

// Step returns a pointer into inst.Steps for the named step, or nil.
func (inst *WorkflowInstance) Step(name StepName) *WorkflowStep {
	for i := range inst.Steps {
		if inst.Steps[i].StepName == name {
			return &inst.Steps[i]
		}
	}
	return nil
}

// StepByID returns a pointer into inst.Steps for the step with the given ID,
// or nil.
func (inst *WorkflowInstance) StepByID(id string) *WorkflowStep {
	for i := range inst.Steps {
		if inst.Steps[i].ID == id {
			return &inst.Steps[i]
		}
	}
	return nil
}

// StepAt returns a pointer to the step with the given order, or nil.
func (inst *WorkflowInstance) StepAt(order int) *WorkflowStep {
	for i := range inst.Steps {
		if inst.Steps[i].StepOrder == order {
			return &inst.Steps[i]
		}
	}
	return nil
}

// CountCompleted returns the number of steps with status completed.
func (inst *WorkflowInstance) CountCompleted() int {
	n := 0
	for _, s := range inst.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the instance. Step data maps are copied one
// level deep.
func (inst WorkflowInstance) Clone() WorkflowInstance {
	out := inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = make([]WorkflowStep, len(inst.Steps))
	for i, s := range inst.Steps {
		out.Steps[i] = s.Clone()
	}
	out.Transitions = make([]WorkflowTransition, len(inst.Transitions))
	copy(out.Transitions, inst.Transitions)
	return out
}

// WorkflowStep is the per-instance state of one pipeline step.
type WorkflowStep struct {
	ID           string         `json:"id"`
	StepName     StepName       `json:"stepName"`
	StepOrder    int            `json:"stepOrder"`
	Status       StepStatus     `json:"status"`
	Progress     int            `json:"progress"`
	ResourceID   string         `json:"resourceId,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Notes        string         `json:"notes,omitempty"`
}

// Clone returns a copy of the step with its own Data map and timestamps.
func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	if s.Data != nil {
		out.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// WorkflowTransition is an append-only audit record of a step activation.
type WorkflowTransition struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	FromStepID     string         `json:"fromStepId,omitempty"`
	ToStepID       string         `json:"toStepId"`
	TransitionType TransitionType `json:"transitionType"`
	Data           map[string]any `json:"data,omitempty"`
	TriggeredBy    string         `json:"triggeredBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// EventType names a committed workflow change.
type EventType string

// Workflow change event types.
const (
	EventWorkflowCreated   EventType = "workflow.created"
	EventWorkflowPaused    EventType = "workflow.paused"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventStepCompleted     EventType = "step.completed"
	EventStepUpdated       EventType = "step.updated"
)

// WorkflowEvent is written with every committed mutation and published after
// the commit. The stored events form the workflow's audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflowId"`
	OwnerID    string         `json:"ownerId"`
	StepName   StepName       `json:"stepName,omitempty"`
	ActorID    string         `json:"actorId"`
	Version    int            `json:"version"`
	Changes    map[string]any `json:"changes,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}
