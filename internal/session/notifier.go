package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/model"
)

// NavigationDenied reports that a step cannot be entered yet. It is a
// warning for the user, not a failure of the session.
type NavigationDenied struct {
	WorkflowID string
	Target     model.StepName
	// Blocking is the predecessor that has to be completed first. Empty when
	// the target is unknown or is itself failed or skipped.
	Blocking model.StepName
}

func (d *NavigationDenied) Error() string {
	if d.Blocking != "" {
		return fmt.Sprintf("complete %q before opening %q", d.Blocking, d.Target)
	}
	return fmt.Sprintf("step %q cannot be opened", d.Target)
}

// Notice is a user-facing message raised by the session.
type Notice struct {
	WorkflowID string
	StepName   model.StepName
	Code       string
	Message    string
}

// Notifier delivers notices to a human (toast, log, terminal).
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

type logNotifier struct {
	logger *zap.Logger
}

func (l logNotifier) Notify(_ context.Context, n Notice) {
	l.logger.Warn(n.Message,
		zap.String("workflow_id", n.WorkflowID),
		zap.String("step_name", string(n.StepName)),
		zap.String("code", n.Code),
	)
}
