package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/model"
)

const (
	tracerName          = "github.com/pitabwire/claimflow/internal/workflow"
	defaultStoreTimeout = 5 * time.Second
)

// Operation names reported to observers and spans.
const (
	OpCreate       = "create"
	OpCompleteStep = "complete_step"
	OpUpdateStep   = "update_step"
	OpPause        = "pause"
	OpResume       = "resume"
	OpCancel       = "cancel"
	OpGet          = "get"
	OpList         = "list"
	OpAudit        = "audit"
)

// Observer receives the outcome of every engine operation. Implementations
// may record metrics, audit logs, or other telemetry.
type Observer interface {
	OnWorkflowOperation(ctx context.Context, event OperationEvent)
}

// OperationEvent describes the outcome of one engine operation.
type OperationEvent struct {
	Operation   string
	WorkflowID  string
	StepName    model.StepName
	SubjectID   string
	Success     bool
	Code        string
	Duration    time.Duration
	Transitions []model.WorkflowTransition
	// Finished is set when the operation moved the workflow into a terminal
	// status; Status is then that status.
	Finished bool
	Status   model.WorkflowStatus
}

// CreateInput holds the fields accepted when starting a workflow.
type CreateInput struct {
	Name        string
	Description string
	// OwnerID defaults to the caller. Creating on behalf of another owner is
	// forbidden.
	OwnerID string
}

// StepCompletion carries the optional payload merged into a completed step.
type StepCompletion struct {
	Data         map[string]any
	ResourceID   string
	ResourceType string
	Notes        string
}

// StepPatch is a partial update of a step. Nil fields are left unchanged.
type StepPatch struct {
	Status       *model.StepStatus
	Progress     *int
	Data         map[string]any
	ResourceID   *string
	ResourceType *string
	Notes        *string
}

// ListFilters select the workflows returned by List.
type ListFilters struct {
	OwnerID string
	Status  model.WorkflowStatus
	Limit   int
	Offset  int
}

// Engine is the only writer of step status and CurrentStep. Mutations of
// one workflow are serialized in-process by a keyed lock and across
// processes by the store's version check.
type Engine struct {
	catalog      *catalog.Catalog
	store        WorkflowStore
	publisher    Publisher
	observers    []Observer
	locks        *keyedLocker
	logger       *zap.Logger
	tracer       trace.Tracer
	storeTimeout time.Duration
	now          func() time.Time
}

// EngineOption configures optional dependencies.
type EngineOption func(*Engine)

// WithPublisher sets where committed changes are published.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithObserver adds an operation observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new transition engine.
func NewEngine(cat *catalog.Catalog, store WorkflowStore, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog:      cat,
		store:        store,
		locks:        newKeyedLocker(),
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the step catalog the engine was built with.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Create starts a new workflow: one step per catalog entry, the first one
// in progress, and an initial transition with no source step.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, input CreateInput) (inst model.WorkflowInstance, err error) {
	ctx, done := e.begin(ctx, rctx, OpCreate, "", "")
	defer func() { done(&inst, nil, err) }()

	// 1. Validate input.
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{{
			Field: "name", Code: model.FieldRequired, Message: "name is required",
		}})
	}
	ownerID := input.OwnerID
	if ownerID == "" {
		ownerID = rctx.SubjectID
	}
	if ownerID != rctx.SubjectID {
		return model.WorkflowInstance{}, model.NewForbiddenError("cannot create a workflow for another owner")
	}

	// 2. Allocate steps from the catalog.
	now := e.now()
	defs := e.catalog.OrderedSteps()
	inst = model.WorkflowInstance{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		Status:       model.WorkflowStatusActive,
		CurrentStep:  defs[0].Name,
		TotalSteps:   len(defs),
		OwnerID:      ownerID,
		StartedAt:    now,
		LastActiveAt: now,
		Steps:        make([]model.WorkflowStep, len(defs)),
		Version:      1,
	}
	for i, def := range defs {
		inst.Steps[i] = model.WorkflowStep{
			ID:        uuid.New().String(),
			StepName:  def.Name,
			StepOrder: def.Order,
			Status:    model.StepStatusPending,
		}
	}

	// 3. Activate the first step.
	first := &inst.Steps[0]
	if first.Status, err = advanceStep(first.StepName, first.Status, triggerStart); err != nil {
		return model.WorkflowInstance{}, err
	}
	first.StartedAt = &now
	inst.Transitions = []model.WorkflowTransition{
		e.newTransition(inst.ID, "", first.ID, model.TransitionAuto, rctx.SubjectID, now),
	}

	// 4. Persist with the creation event.
	created := e.newEvent(inst, model.EventWorkflowCreated, "", rctx.SubjectID, nil)
	created.Version = inst.Version
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.Create(sctx, inst, created); err != nil {
		return model.WorkflowInstance{}, e.classify(ctx, OpCreate, inst.ID, err)
	}

	e.logger.Info("workflow created",
		zap.String("workflow_id", inst.ID),
		zap.String("owner_id", inst.OwnerID),
		zap.String("current_step", string(inst.CurrentStep)),
	)
	e.publish(ctx, inst, created)
	return inst, nil
}

// Get returns one of the caller's workflows.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, id string) (inst model.WorkflowInstance, err error) {
	ctx, done := e.begin(ctx, rctx, OpGet, id, "")
	defer func() { done(nil, nil, err) }()

	return e.load(ctx, rctx, OpGet, id)
}

// List returns the caller's workflows, most recently started first.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters ListFilters) (result []model.WorkflowInstance, err error) {
	ctx, done := e.begin(ctx, rctx, OpList, "", "")
	defer func() { done(nil, nil, err) }()

	ownerID := filters.OwnerID
	if ownerID == "" {
		ownerID = rctx.SubjectID
	}
	if ownerID != rctx.SubjectID {
		return nil, model.NewForbiddenError("cannot list workflows of another owner")
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "status", Code: model.FieldInvalid,
			Message: fmt.Sprintf("unknown workflow status %q", filters.Status),
		}})
	}
	if filters.Limit < 0 || filters.Offset < 0 {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "limit", Code: model.FieldInvalid, Message: "limit and offset must not be negative",
		}})
	}

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	result, err = e.store.List(sctx, ownerID, WorkflowFilters{
		Status: filters.Status,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
	if err != nil {
		return nil, e.classify(ctx, OpList, "", err)
	}
	if result == nil {
		result = []model.WorkflowInstance{}
	}
	return result, nil
}

// AuditLog returns the committed change events of one of the caller's
// workflows, oldest first.
func (e *Engine) AuditLog(ctx context.Context, rctx *model.RequestContext, id string) (events []model.WorkflowEvent, err error) {
	ctx, done := e.begin(ctx, rctx, OpAudit, id, "")
	defer func() { done(nil, nil, err) }()

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	events, err = e.store.GetEvents(sctx, rctx.SubjectID, id)
	if err != nil {
		return nil, e.classify(ctx, OpAudit, id, err)
	}
	if events == nil {
		events = []model.WorkflowEvent{}
	}
	return events, nil
}

// CompleteStep marks the named step completed, merges the payload into it
// and auto-advances: the next pending step becomes in progress, or, past
// the last step, the workflow completes. The whole change is one store
// write. Completing an already terminal step fails with INVALID_TRANSITION.
func (e *Engine) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	stepName model.StepName,
	completion StepCompletion,
) (model.WorkflowInstance, error) {
	return e.mutate(ctx, rctx, OpCompleteStep, id, stepName, func(inst *model.WorkflowInstance, now time.Time) (*change, error) {
		step := inst.Step(stepName)
		if step == nil {
			return nil, model.NewNotFoundError(fmt.Sprintf("step %q not found in workflow %q", stepName, id))
		}
		return e.finishStep(inst, step, triggerComplete, model.TransitionAuto, completion, rctx.SubjectID, now)
	})
}

// UpdateStep applies a partial update to a step addressed by ID or name.
// Setting status to completed or skipped auto-advances like CompleteStep;
// terminal steps never return to pending or in_progress.
func (e *Engine) UpdateStep(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	stepRef string,
	patch StepPatch,
) (model.WorkflowStep, error) {
	if errs := validatePatch(patch); len(errs) > 0 {
		return model.WorkflowStep{}, model.NewValidationError(errs)
	}

	var stepID string
	inst, err := e.mutate(ctx, rctx, OpUpdateStep, id, model.StepName(stepRef), func(inst *model.WorkflowInstance, now time.Time) (*change, error) {
		step := inst.StepByID(stepRef)
		if step == nil {
			step = inst.Step(model.StepName(stepRef))
		}
		if step == nil {
			return nil, model.NewNotFoundError(fmt.Sprintf("step %q not found in workflow %q", stepRef, id))
		}
		stepID = step.ID
		return e.patchStep(inst, step, patch, rctx.SubjectID, now)
	})
	if err != nil {
		return model.WorkflowStep{}, err
	}
	return inst.StepByID(stepID).Clone(), nil
}

// Pause moves an active workflow to paused. Step statuses are untouched.
func (e *Engine) Pause(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, rctx, OpPause, id, "", func(inst *model.WorkflowInstance, now time.Time) (*change, error) {
		status, err := advanceWorkflow(inst.ID, inst.Status, triggerPause)
		if err != nil {
			return nil, err
		}
		inst.Status = status
		inst.LastActiveAt = now
		return &change{events: []model.WorkflowEvent{
			e.newEvent(*inst, model.EventWorkflowPaused, inst.CurrentStep, "", nil),
		}}, nil
	})
}

// Resume reactivates a workflow at fromStep (the current step when empty).
// fromStep must pass the navigation gate. Step statuses are untouched.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, id string, fromStep model.StepName) (model.WorkflowInstance, error) {
	if fromStep != "" && !e.catalog.Has(fromStep) {
		return model.WorkflowInstance{}, model.NewUnknownStepError("fromStep", fromStep)
	}
	return e.mutate(ctx, rctx, OpResume, id, fromStep, func(inst *model.WorkflowInstance, now time.Time) (*change, error) {
		target := fromStep
		if target == "" {
			target = inst.CurrentStep
		}
		status, err := advanceWorkflow(inst.ID, inst.Status, triggerResume)
		if err != nil {
			return nil, err
		}
		if !CanEnter(*inst, target, e.catalog) {
			return nil, model.NewInvalidNavigationError(
				fmt.Sprintf("step %q cannot be entered until the previous steps are completed", target),
			)
		}
		inst.Status = status
		inst.CurrentStep = target
		inst.LastActiveAt = now
		return &change{events: []model.WorkflowEvent{
			e.newEvent(*inst, model.EventWorkflowResumed, target, "", map[string]any{"currentStep": target}),
		}}, nil
	})
}

// Cancel ends an active or paused workflow.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, rctx, OpCancel, id, "", func(inst *model.WorkflowInstance, now time.Time) (*change, error) {
		status, err := advanceWorkflow(inst.ID, inst.Status, triggerCancel)
		if err != nil {
			return nil, err
		}
		inst.Status = status
		inst.LastActiveAt = now
		return &change{
			finished: true,
			events: []model.WorkflowEvent{
				e.newEvent(*inst, model.EventWorkflowCancelled, inst.CurrentStep, "", nil),
			},
		}, nil
	})
}

// change is what a mutation appends besides the instance fields.
type change struct {
	transitions []model.WorkflowTransition
	events      []model.WorkflowEvent
	finished    bool
}

type mutation func(inst *model.WorkflowInstance, now time.Time) (*change, error)

// mutate runs fn against the latest stored instance under the workflow's
// lock and writes the result in one versioned update. If the version check
// fails, fn is re-evaluated against the fresh state without writing: an
// error from it (typically INVALID_TRANSITION because the step became
// terminal) is returned, otherwise CONFLICT.
func (e *Engine) mutate(
	ctx context.Context,
	rctx *model.RequestContext,
	op string,
	id string,
	stepName model.StepName,
	fn mutation,
) (inst model.WorkflowInstance, err error) {
	var ch *change
	ctx, done := e.begin(ctx, rctx, op, id, stepName)
	defer func() { done(&inst, ch, err) }()

	// 1. Serialize per workflow within this process.
	lctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	unlock, lockErr := e.locks.Lock(lctx, id)
	cancel()
	if lockErr != nil {
		return model.WorkflowInstance{}, e.classify(ctx, op, id, lockErr)
	}
	defer unlock()

	// 2. Load.
	inst, err = e.load(ctx, rctx, op, id)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	base := inst.Clone()

	// 3. Apply.
	now := e.now()
	if ch, err = fn(&inst, now); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.CompletedSteps = inst.CountCompleted()

	// 4. Persist atomically, events included.
	for i := range ch.events {
		ch.events[i].ActorID = rctx.SubjectID
		ch.events[i].Version = inst.Version + 1
	}
	sctx, cancelStore := context.WithTimeout(ctx, e.storeTimeout)
	err = e.store.Update(sctx, inst, History{Transitions: ch.transitions, Events: ch.events})
	cancelStore()
	if model.IsCode(err, model.ErrConflict) {
		return model.WorkflowInstance{}, e.recheck(ctx, rctx, op, base, fn, err)
	}
	if err != nil {
		return model.WorkflowInstance{}, e.classify(ctx, op, id, err)
	}

	inst.Version++
	inst.Transitions = append(inst.Transitions, ch.transitions...)

	e.logger.Info("workflow updated",
		zap.String("operation", op),
		zap.String("workflow_id", inst.ID),
		zap.String("status", string(inst.Status)),
		zap.String("current_step", string(inst.CurrentStep)),
		zap.Int("completed_steps", inst.CompletedSteps),
		zap.Int("version", inst.Version),
	)
	for _, evt := range ch.events {
		e.publish(ctx, inst, evt)
	}
	return inst, nil
}

// recheck re-reads the workflow after a lost version race and reports why
// the mutation no longer applies.
func (e *Engine) recheck(
	ctx context.Context,
	rctx *model.RequestContext,
	op string,
	base model.WorkflowInstance,
	fn mutation,
	conflict error,
) error {
	fresh, err := e.load(ctx, rctx, op, base.ID)
	if err != nil {
		return err
	}
	if _, err := fn(&fresh, e.now()); err != nil {
		return err
	}
	e.logger.Warn("workflow version conflict",
		zap.String("operation", op),
		zap.String("workflow_id", base.ID),
		zap.Int("expected_version", base.Version),
		zap.Int("current_version", fresh.Version),
	)
	return conflict
}

func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, op, id string) (model.WorkflowInstance, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	inst, err := e.store.Get(sctx, rctx.SubjectID, id)
	if err != nil {
		return model.WorkflowInstance{}, e.classify(ctx, op, id, err)
	}
	return inst, nil
}

// finishStep moves step into a terminal status via trigger and advances the
// pipeline past it.
func (e *Engine) finishStep(
	inst *model.WorkflowInstance,
	step *model.WorkflowStep,
	trigger stepTrigger,
	transitionType model.TransitionType,
	completion StepCompletion,
	actor string,
	now time.Time,
) (*change, error) {
	// 1. Check the workflow accepts step changes.
	if inst.Status != model.WorkflowStatusActive {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow %q is %s, not active", inst.ID, inst.Status),
		)
	}

	// 2. Move the step.
	if step.Status == model.StepStatusPending && !CanEnter(*inst, step.StepName, e.catalog) {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q cannot change before the previous steps are completed", step.StepName),
		)
	}
	status, err := advanceStep(step.StepName, step.Status, trigger)
	if err != nil {
		return nil, err
	}

	// 3. Merge the payload.
	if completion.Data != nil {
		merged, err := model.MergeStepData(step.StepName, step.Data, completion.Data)
		if err != nil {
			return nil, err
		}
		step.Data = merged
	}
	if completion.ResourceID != "" {
		step.ResourceID = completion.ResourceID
	}
	if completion.ResourceType != "" {
		step.ResourceType = completion.ResourceType
	}
	if completion.Notes != "" {
		step.Notes = completion.Notes
	}

	step.Status = status
	if status == model.StepStatusCompleted {
		step.Progress = 100
	}
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.CompletedAt = &now
	inst.LastActiveAt = now

	eventType := model.EventStepCompleted
	if status != model.StepStatusCompleted {
		eventType = model.EventStepUpdated
	}
	ch := &change{events: []model.WorkflowEvent{
		e.newEvent(*inst, eventType, step.StepName, actor, map[string]any{"status": string(status)}),
	}}

	// 4. Auto-advance to the next pending step.
	if next := inst.StepAt(step.StepOrder + 1); next != nil {
		if next.Status == model.StepStatusPending {
			if next.Status, err = advanceStep(next.StepName, next.Status, triggerStart); err != nil {
				return nil, err
			}
			next.StartedAt = &now
			inst.CurrentStep = next.StepName
			ch.transitions = append(ch.transitions,
				e.newTransition(inst.ID, step.ID, next.ID, transitionType, actor, now),
			)
		}
		return ch, nil
	}

	// 5. Past the last step: complete the workflow once every step is done.
	for _, s := range inst.Steps {
		if s.Status != model.StepStatusCompleted && s.Status != model.StepStatusSkipped {
			return ch, nil
		}
	}
	if inst.Status, err = advanceWorkflow(inst.ID, inst.Status, triggerFinish); err != nil {
		return nil, err
	}
	inst.CompletedAt = &now
	ch.finished = true
	ch.events = append(ch.events, e.newEvent(*inst, model.EventWorkflowCompleted, step.StepName, actor, nil))
	return ch, nil
}

// patchStep applies a StepPatch.
func (e *Engine) patchStep(
	inst *model.WorkflowInstance,
	step *model.WorkflowStep,
	patch StepPatch,
	actor string,
	now time.Time,
) (*change, error) {
	if inst.Status == model.WorkflowStatusCancelled {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("workflow %q is cancelled", inst.ID))
	}

	// 1. Status changes that finish the step go through finishStep.
	if patch.Status != nil && *patch.Status != step.Status {
		switch *patch.Status {
		case model.StepStatusCompleted, model.StepStatusSkipped:
			trigger, transitionType := triggerComplete, model.TransitionAuto
			if *patch.Status == model.StepStatusSkipped {
				trigger, transitionType = triggerSkip, model.TransitionManual
			}
			completion := StepCompletion{Data: patch.Data}
			if patch.ResourceID != nil {
				completion.ResourceID = *patch.ResourceID
			}
			if patch.ResourceType != nil {
				completion.ResourceType = *patch.ResourceType
			}
			if patch.Notes != nil {
				completion.Notes = *patch.Notes
			}
			return e.finishStep(inst, step, trigger, transitionType, completion, actor, now)
		}
	}

	changes := make(map[string]any)

	// 2. Status and progress need an active workflow and a live step.
	if patch.Status != nil && *patch.Status != step.Status {
		if err := e.requireActive(inst); err != nil {
			return nil, err
		}
		trigger, ok := stepTriggerFor(*patch.Status)
		if !ok {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("step %q cannot return to %s", step.StepName, *patch.Status),
			)
		}
		if step.Status == model.StepStatusPending && !CanEnter(*inst, step.StepName, e.catalog) {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("step %q cannot change before the previous steps are completed", step.StepName),
			)
		}
		status, err := advanceStep(step.StepName, step.Status, trigger)
		if err != nil {
			return nil, err
		}
		step.Status = status
		switch status {
		case model.StepStatusInProgress:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		case model.StepStatusFailed:
			step.CompletedAt = &now
		}
		changes["status"] = string(status)
	}
	if patch.Progress != nil && *patch.Progress != step.Progress {
		if step.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("progress of %s step %q cannot change", step.Status, step.StepName),
			)
		}
		if err := e.requireActive(inst); err != nil {
			return nil, err
		}
		step.Progress = *patch.Progress
		changes["progress"] = step.Progress
	}

	// 3. Payload edits are allowed on completed steps too.
	if patch.Data != nil {
		merged, err := model.MergeStepData(step.StepName, step.Data, patch.Data)
		if err != nil {
			return nil, err
		}
		step.Data = merged
		changes["data"] = patch.Data
	}
	if patch.ResourceID != nil {
		step.ResourceID = *patch.ResourceID
		changes["resourceId"] = step.ResourceID
	}
	if patch.ResourceType != nil {
		step.ResourceType = *patch.ResourceType
		changes["resourceType"] = step.ResourceType
	}
	if patch.Notes != nil {
		step.Notes = *patch.Notes
		changes["notes"] = step.Notes
	}

	inst.LastActiveAt = now
	return &change{events: []model.WorkflowEvent{
		e.newEvent(*inst, model.EventStepUpdated, step.StepName, actor, changes),
	}}, nil
}

func (e *Engine) requireActive(inst *model.WorkflowInstance) error {
	if inst.Status != model.WorkflowStatusActive {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("workflow %q is %s, not active", inst.ID, inst.Status),
		)
	}
	return nil
}

func validatePatch(patch StepPatch) []model.FieldError {
	var errs []model.FieldError
	if patch.Status != nil && !patch.Status.Valid() {
		errs = append(errs, model.FieldError{
			Field: "status", Code: model.FieldInvalid,
			Message: fmt.Sprintf("unknown step status %q", *patch.Status),
		})
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		errs = append(errs, model.FieldError{
			Field: "progress", Code: model.FieldInvalid, Message: "progress must be between 0 and 100",
		})
	}
	return errs
}

func (e *Engine) newTransition(
	workflowID, fromStepID, toStepID string,
	transitionType model.TransitionType,
	actor string,
	now time.Time,
) model.WorkflowTransition {
	return model.WorkflowTransition{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		FromStepID:     fromStepID,
		ToStepID:       toStepID,
		TransitionType: transitionType,
		TriggeredBy:    actor,
		CreatedAt:      now,
	}
}

func (e *Engine) newEvent(
	inst model.WorkflowInstance,
	eventType model.EventType,
	stepName model.StepName,
	actor string,
	changes map[string]any,
) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		WorkflowID: inst.ID,
		OwnerID:    inst.OwnerID,
		StepName:   stepName,
		ActorID:    actor,
		Changes:    changes,
		OccurredAt: e.now(),
	}
}

// publish sends a committed change. Failures are logged; the change itself
// is already durable.
func (e *Engine) publish(ctx context.Context, inst model.WorkflowInstance, evt model.WorkflowEvent) {
	if e.publisher == nil {
		return
	}
	evt.Version = inst.Version
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("publishing workflow event failed",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

// classify passes envelope errors through and turns everything else (store
// timeouts, connection failures) into UNAVAILABLE.
func (e *Engine) classify(ctx context.Context, op, id string, err error) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	e.logger.Error("workflow store failure",
		zap.String("operation", op),
		zap.String("workflow_id", id),
		zap.Error(err),
	)
	return model.NewUnavailableError()
}

// begin starts the operation span and returns a function that ends it and
// notifies observers.
func (e *Engine) begin(
	ctx context.Context,
	rctx *model.RequestContext,
	op, id string,
	stepName model.StepName,
) (context.Context, func(*model.WorkflowInstance, *change, error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		attribute.String("claimflow.workflow_id", id),
		attribute.String("claimflow.step_name", string(stepName)),
		attribute.String("claimflow.subject_id", rctx.SubjectID),
	))

	return ctx, func(inst *model.WorkflowInstance, ch *change, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if len(e.observers) == 0 {
			return
		}
		event := OperationEvent{
			Operation:  op,
			WorkflowID: id,
			StepName:   stepName,
			SubjectID:  rctx.SubjectID,
			Success:    err == nil,
			Code:       model.CodeOf(err),
			Duration:   time.Since(start),
		}
		if err == nil && inst != nil {
			event.WorkflowID = inst.ID
			event.Status = inst.Status
			if op == OpCreate {
				event.Transitions = inst.Transitions
			}
		}
		if err == nil && ch != nil {
			event.Transitions = ch.transitions
			event.Finished = ch.finished
		}
		for _, o := range e.observers {
			o.OnWorkflowOperation(ctx, event)
		}
	}
}
