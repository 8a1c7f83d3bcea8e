// Package session holds one caller's view of the workflows they own: which
// one is selected, its latest known state, and step-scoped helpers over it.
// A session only reads and asks the engine to write; it never changes step
// status itself.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// DefaultPollInterval is used by Poll and the Watch fallback when no
// interval is configured.
const DefaultPollInterval = 5 * time.Second

// Engine is the set of workflow operations a session drives. Both the
// in-process engine and the HTTP client implement it.
type Engine interface {
	Get(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error)
	List(ctx context.Context, rctx *model.RequestContext, filters workflow.ListFilters) ([]model.WorkflowInstance, error)
	CompleteStep(ctx context.Context, rctx *model.RequestContext, id string, stepName model.StepName, completion workflow.StepCompletion) (model.WorkflowInstance, error)
	UpdateStep(ctx context.Context, rctx *model.RequestContext, id string, stepRef string, patch workflow.StepPatch) (model.WorkflowStep, error)
	Pause(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error)
	Resume(ctx context.Context, rctx *model.RequestContext, id string, fromStep model.StepName) (model.WorkflowInstance, error)
}

// Option configures a Session.
type Option func(*Session)

// WithNotifier sets where navigation warnings and rejected writes are
// reported. The default logs them.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithSubscriber enables event-driven refresh in Watch.
func WithSubscriber(sub workflow.Subscriber) Option {
	return func(s *Session) { s.subscriber = sub }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithPollInterval sets the default refresh interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Session is one caller's view. It is safe for concurrent use.
type Session struct {
	engine       Engine
	rctx         *model.RequestContext
	catalog      *catalog.Catalog
	notifier     Notifier
	subscriber   workflow.Subscriber
	logger       *zap.Logger
	pollInterval time.Duration
	refreshes    singleflight.Group

	mu       sync.RWMutex
	selected string
	explicit bool
	current  *model.WorkflowInstance
	viewing  model.StepName
}

// New creates a session for the caller described by rctx.
func New(engine Engine, rctx *model.RequestContext, cat *catalog.Catalog, opts ...Option) *Session {
	s := &Session{
		engine:       engine,
		rctx:         rctx,
		catalog:      cat,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = logNotifier{logger: s.logger}
	}
	return s
}

// SelectWorkflow loads a workflow and makes it the session's selection.
// On error the previous selection is kept.
func (s *Session) SelectWorkflow(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := s.engine.Get(ctx, s.rctx, id)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	s.mu.Lock()
	s.selected = inst.ID
	s.explicit = true
	s.setCurrent(inst)
	s.mu.Unlock()
	return inst, nil
}

// Selected returns the last known state of the selected workflow.
func (s *Session) Selected() (model.WorkflowInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return model.WorkflowInstance{}, false
	}
	return s.current.Clone(), true
}

// ListWorkflows returns the owner's workflows. Unless a workflow was picked
// with SelectWorkflow, the most recently started active one becomes the
// selection.
func (s *Session) ListWorkflows(ctx context.Context, ownerID string) ([]model.WorkflowInstance, error) {
	list, err := s.engine.List(ctx, s.rctx, workflow.ListFilters{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.explicit {
		return list, nil
	}
	var pick *model.WorkflowInstance
	for i := range list {
		if list[i].Status != model.WorkflowStatusActive {
			continue
		}
		if pick == nil || list[i].StartedAt.After(pick.StartedAt) {
			pick = &list[i]
		}
	}
	if pick != nil {
		s.selected = pick.ID
		s.setCurrent(*pick)
	}
	return list, nil
}

// Viewing returns the step last opened with NavigateTo, or the workflow's
// current step after a selection.
func (s *Session) Viewing() model.StepName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewing
}

// NavigateTo opens target if the navigation gate allows it. A refusal is
// returned as *NavigationDenied and reported to the notifier; nothing is
// written either way. The error result is reserved for load failures.
func (s *Session) NavigateTo(ctx context.Context, target model.StepName) (*NavigationDenied, error) {
	inst, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !workflow.CanEnter(inst, target, s.catalog) {
		denied := &NavigationDenied{WorkflowID: inst.ID, Target: target}
		if step := inst.Step(target); step != nil && step.Status == model.StepStatusPending {
			if prev, ok := s.catalog.Neighbour(target, -1); ok {
				denied.Blocking = prev
			}
		}
		s.notifier.Notify(ctx, Notice{
			WorkflowID: inst.ID,
			StepName:   target,
			Code:       model.ErrInvalidNavigation,
			Message:    denied.Error(),
		})
		return denied, nil
	}

	s.mu.Lock()
	if s.selected == inst.ID {
		s.viewing = target
	}
	s.mu.Unlock()
	return nil, nil
}

// StepStatus returns the cached status of a step of the selection.
func (s *Session) StepStatus(name model.StepName) (model.StepStatus, bool) {
	step, ok := s.step(name)
	return step.Status, ok
}

// StepProgress returns the cached progress of a step of the selection.
func (s *Session) StepProgress(name model.StepName) (int, bool) {
	step, ok := s.step(name)
	return step.Progress, ok
}

// StepData returns a copy of the cached data map of a step.
func (s *Session) StepData(name model.StepName) map[string]any {
	step, ok := s.step(name)
	if !ok || step.Data == nil {
		return nil
	}
	out := make(map[string]any, len(step.Data))
	for k, v := range step.Data {
		out[k] = v
	}
	return out
}

// StepPayload decodes the cached data of a step into its typed payload.
func (s *Session) StepPayload(name model.StepName) (model.StepPayload, error) {
	step, ok := s.step(name)
	if !ok {
		return nil, model.NewNotFoundError("step " + string(name) + " not found in the selected workflow")
	}
	return model.DecodeStepPayload(name, step.Data)
}

// NextStep refreshes the selection and returns the catalog step after its
// current step. ok is false past the last step.
func (s *Session) NextStep(ctx context.Context) (model.StepName, bool, error) {
	return s.neighbour(ctx, 1)
}

// PreviousStep refreshes the selection and returns the catalog step before
// its current step. ok is false before the first step.
func (s *Session) PreviousStep(ctx context.Context) (model.StepName, bool, error) {
	return s.neighbour(ctx, -1)
}

func (s *Session) neighbour(ctx context.Context, offset int) (model.StepName, bool, error) {
	inst, err := s.Refresh(ctx)
	if err != nil {
		return "", false, err
	}
	name, ok := s.catalog.Neighbour(inst.CurrentStep, offset)
	return name, ok, nil
}

// Refresh re-reads the selected workflow. Concurrent calls share one read.
// A read older than the cached state does not replace it.
func (s *Session) Refresh(ctx context.Context) (model.WorkflowInstance, error) {
	id := s.selectedID()
	if id == "" {
		return model.WorkflowInstance{}, noSelection()
	}

	ch := s.refreshes.DoChan(id, func() (any, error) {
		inst, err := s.engine.Get(context.WithoutCancel(ctx), s.rctx, id)
		if err != nil {
			return nil, err
		}
		return s.remember(inst), nil
	})
	select {
	case <-ctx.Done():
		return model.WorkflowInstance{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.WorkflowInstance{}, res.Err
		}
		return res.Val.(model.WorkflowInstance).Clone(), nil
	}
}

// Poll refreshes the selection every interval until ctx is done. Refresh
// failures are logged and polling continues.
func (s *Session) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("workflow refresh failed; will retry",
					zap.String("workflow_id", s.selectedID()),
					zap.Error(err),
				)
			}
		}
	}
}

// Watch keeps the selection fresh until ctx is done: it refreshes on every
// change event newer than the cached state, and falls back to Poll when no
// subscriber is configured or the event stream ends.
func (s *Session) Watch(ctx context.Context) error {
	id := s.selectedID()
	if id == "" {
		return noSelection()
	}
	if s.subscriber == nil {
		return s.Poll(ctx, s.pollInterval)
	}

	events, err := s.subscriber.Subscribe(ctx, id)
	if err != nil {
		s.logger.Warn("workflow event subscription failed; polling instead",
			zap.String("workflow_id", id),
			zap.Error(err),
		)
		return s.Poll(ctx, s.pollInterval)
	}
	// Catch up on anything committed before the subscription started.
	if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("workflow refresh failed", zap.String("workflow_id", id), zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("workflow event stream closed; polling instead", zap.String("workflow_id", id))
				return s.Poll(ctx, s.pollInterval)
			}
			if evt.Version != 0 && evt.Version <= s.cachedVersion(id) {
				continue
			}
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("workflow refresh failed", zap.String("workflow_id", id), zap.Error(err))
			}
		}
	}
}

// CompleteStep completes a step of the selected workflow.
func (s *Session) CompleteStep(ctx context.Context, name model.StepName, completion workflow.StepCompletion) (model.WorkflowInstance, error) {
	id := s.selectedID()
	if id == "" {
		return model.WorkflowInstance{}, noSelection()
	}
	inst, err := s.engine.CompleteStep(ctx, s.rctx, id, name, completion)
	if err != nil {
		s.reportRejection(ctx, id, name, err)
		return model.WorkflowInstance{}, err
	}
	s.remember(inst)
	return inst, nil
}

// UpdateStep patches a step of the selected workflow, then refreshes since
// the patch may have advanced the workflow.
func (s *Session) UpdateStep(ctx context.Context, stepRef string, patch workflow.StepPatch) (model.WorkflowStep, error) {
	id := s.selectedID()
	if id == "" {
		return model.WorkflowStep{}, noSelection()
	}
	step, err := s.engine.UpdateStep(ctx, s.rctx, id, stepRef, patch)
	if err != nil {
		s.reportRejection(ctx, id, model.StepName(stepRef), err)
		return model.WorkflowStep{}, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("workflow refresh after step update failed",
			zap.String("workflow_id", id),
			zap.Error(err),
		)
	}
	return step, nil
}

// Pause pauses the selected workflow.
func (s *Session) Pause(ctx context.Context) (model.WorkflowInstance, error) {
	id := s.selectedID()
	if id == "" {
		return model.WorkflowInstance{}, noSelection()
	}
	inst, err := s.engine.Pause(ctx, s.rctx, id)
	if err != nil {
		s.reportRejection(ctx, id, "", err)
		return model.WorkflowInstance{}, err
	}
	s.remember(inst)
	return inst, nil
}

// Resume resumes the selected workflow at fromStep.
func (s *Session) Resume(ctx context.Context, fromStep model.StepName) (model.WorkflowInstance, error) {
	id := s.selectedID()
	if id == "" {
		return model.WorkflowInstance{}, noSelection()
	}
	inst, err := s.engine.Resume(ctx, s.rctx, id, fromStep)
	if err != nil {
		s.reportRejection(ctx, id, fromStep, err)
		return model.WorkflowInstance{}, err
	}
	s.remember(inst)
	return inst, nil
}

// reportRejection notifies the user of rule violations. Other failures are
// left to the caller.
func (s *Session) reportRejection(ctx context.Context, id string, name model.StepName, err error) {
	code := model.CodeOf(err)
	if code != model.ErrInvalidTransition && code != model.ErrInvalidNavigation {
		return
	}
	s.notifier.Notify(ctx, Notice{
		WorkflowID: id,
		StepName:   name,
		Code:       code,
		Message:    err.Error(),
	})
}

// remember stores inst as the cached state if it is still the selection and
// not older than what is cached. It returns the state now cached.
func (s *Session) remember(inst model.WorkflowInstance) model.WorkflowInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != inst.ID {
		return inst
	}
	if s.current != nil && s.current.ID == inst.ID && inst.Version < s.current.Version {
		return s.current.Clone()
	}
	s.setCurrent(inst)
	return inst
}

// setCurrent requires s.mu held for writing.
func (s *Session) setCurrent(inst model.WorkflowInstance) {
	previous := s.current
	clone := inst.Clone()
	s.current = &clone
	if previous == nil || previous.ID != inst.ID || s.viewing == "" {
		s.viewing = inst.CurrentStep
	}
}

func (s *Session) selectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *Session) cachedVersion(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.ID != id {
		return 0
	}
	return s.current.Version
}

func (s *Session) step(name model.StepName) (model.WorkflowStep, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return model.WorkflowStep{}, false
	}
	step := s.current.Step(name)
	if step == nil {
		return model.WorkflowStep{}, false
	}
	return step.Clone(), true
}

func noSelection() error {
	return model.NewBadRequestError("no workflow selected")
}
