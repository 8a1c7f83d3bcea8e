package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

const (
	maxBodyBytes = 1 << 20

	idempotencyHeader  = "X-Idempotency-Key"
	idempotencyCreates = "create_workflow"
)

// keepAliveInterval is how often an idle event stream sends a comment frame.
var keepAliveInterval = 15 * time.Second

// A create that finds its idempotency key reserved polls every
// inFlightPoll for up to inFlightWait before giving up with CONFLICT.
var (
	inFlightWait = 5 * time.Second
	inFlightPoll = 20 * time.Millisecond
)

const releaseTimeout = 2 * time.Second

type handlers struct {
	deps Dependencies
}

type createWorkflowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
}

type updateWorkflowRequest struct {
	Status      model.WorkflowStatus `json:"status"`
	CurrentStep model.StepName       `json:"currentStep"`
}

type updateStepRequest struct {
	Status       *model.StepStatus `json:"status"`
	Progress     *int              `json:"progress"`
	Data         map[string]any    `json:"data"`
	ResourceID   *string           `json:"resourceId"`
	ResourceType *string           `json:"resourceType"`
	Notes        *string           `json:"notes"`
}

type completeStepRequest struct {
	Data         map[string]any `json:"data"`
	ResourceID   string         `json:"resourceId"`
	ResourceType string         `json:"resourceType"`
	Notes        string         `json:"notes"`
}

type continueRequest struct {
	FromStep model.StepName `json:"fromStep"`
}

func (h *handlers) logger(r *http.Request) *zap.Logger {
	logger := observability.LoggerFrom(r.Context(), h.deps.Logger)
	return observability.WorkflowLogger(logger, chi.URLParam(r, "workflowId"))
}

// decodeBody reads the JSON body, validates it against the operation's
// request schema and decodes it into dst. An empty body leaves dst
// untouched when the operation allows it.
func (h *handlers) decodeBody(r *http.Request, operationID string, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewBadRequestError("could not read request body")
	}
	if len(data) > maxBodyBytes {
		return model.NewBadRequestError("request body too large")
	}

	var raw any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	if h.deps.API != nil {
		if errs := h.deps.API.ValidateRequest(operationID, raw); len(errs) > 0 {
			return model.NewValidationError(errs)
		}
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func (h *handlers) listSteps(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.deps.Catalog.OrderedSteps())
}

func (h *handlers) createWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.MustRequestContext(ctx)

	var body createWorkflowRequest
	if err := h.decodeBody(r, "createWorkflow", &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	input := workflow.CreateInput{Name: body.Name, Description: body.Description, OwnerID: body.OwnerID}

	key := r.Header.Get(idempotencyHeader)
	if key == "" || h.deps.Idempotency == nil {
		inst, err := h.deps.Engine.Create(ctx, rctx, input)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
		return
	}

	scoped := idempotency.FormatKey(rctx.SubjectID, idempotencyCreates, key)
	hash := idempotency.HashInput(body)
	record, err := h.reserveKey(ctx, scoped, hash)
	if err != nil {
		switch {
		case model.IsCode(err, model.ErrConflict):
			h.recordIdempotency("conflict")
			writeRequestError(w, r, err)
		case ctx.Err() != nil:
			writeRequestError(w, r, model.NewUnavailableError())
		default:
			h.logger(r).Error("idempotency reservation failed", zap.Error(err))
			writeRequestError(w, r, model.NewUnavailableError())
		}
		return
	}
	if record != nil {
		h.recordIdempotency("replay")
		inst, err := h.deps.Engine.Get(ctx, rctx, record.WorkflowID)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
		return
	}
	h.recordIdempotency("miss")

	inst, err := h.deps.Engine.Create(ctx, rctx, input)
	if err != nil {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if relErr := h.deps.Idempotency.Release(relCtx, scoped); relErr != nil {
			h.logger(r).Warn("idempotency reservation not released", zap.Error(relErr))
		}
		cancel()
		writeRequestError(w, r, err)
		return
	}
	ttl := h.deps.Config.Idempotency.DefaultTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	rec := idempotency.Record{WorkflowID: inst.ID, CreatedAt: inst.StartedAt}
	if err := h.deps.Idempotency.Store(ctx, scoped, hash, rec, ttl); err != nil {
		h.logger(r).Warn("idempotency record not stored",
			zap.String(observability.FieldWorkflowID, inst.ID), zap.Error(err))
	}
	WriteJSON(w, http.StatusCreated, inst)
}

// errKeyInFlight means another request holds the idempotency key.
var errKeyInFlight = errors.New("idempotency key in flight")

// reserveKey claims key for this request, waiting while another request
// with the same key is still creating. It returns the earlier request's
// record, or nil once the key is reserved for this request.
func (h *handlers) reserveKey(ctx context.Context, key, hash string) (*idempotency.Record, error) {
	var record *idempotency.Record
	backoff := retry.WithMaxDuration(inFlightWait, retry.NewConstant(inFlightPoll))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec, reserved, err := h.deps.Idempotency.Reserve(ctx, key, hash)
		switch {
		case err != nil:
			return err
		case reserved:
			return nil
		case rec != nil:
			record = rec
			return nil
		default:
			return retry.RetryableError(errKeyInFlight)
		}
	})
	if errors.Is(err, errKeyInFlight) {
		return nil, model.NewConflictError("a request with this idempotency key is still in progress")
	}
	return record, err
}

func (h *handlers) recordIdempotency(result string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordIdempotencyLookup(result)
	}
}

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	q := r.URL.Query()

	var errs []model.FieldError
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		errs = append(errs, model.FieldError{Field: "limit", Code: model.FieldInvalid, Message: "limit must be an integer"})
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		errs = append(errs, model.FieldError{Field: "offset", Code: model.FieldInvalid, Message: "offset must be an integer"})
	}
	if len(errs) > 0 {
		writeRequestError(w, r, model.NewValidationError(errs))
		return
	}

	result, err := h.deps.Engine.List(r.Context(), rctx, workflow.ListFilters{
		OwnerID: q.Get("ownerId"),
		Status:  model.WorkflowStatus(q.Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	inst, err := h.deps.Engine.Get(r.Context(), rctx, chi.URLParam(r, "workflowId"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

// getAuditLog returns the workflow's recorded change events.
func (h *handlers) getAuditLog(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	events, err := h.deps.Engine.AuditLog(r.Context(), rctx, chi.URLParam(r, "workflowId"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

// updateWorkflow maps a status change onto Pause, Resume or Cancel. A
// currentStep without a status resumes at that step.
func (h *handlers) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.MustRequestContext(ctx)
	id := chi.URLParam(r, "workflowId")

	var body updateWorkflowRequest
	if err := h.decodeBody(r, "updateWorkflow", &body); err != nil {
		writeRequestError(w, r, err)
		return
	}

	var (
		inst model.WorkflowInstance
		err  error
	)
	switch body.Status {
	case model.WorkflowStatusActive, "":
		if body.Status == "" && body.CurrentStep == "" {
			err = model.NewValidationError([]model.FieldError{{
				Field: "status", Code: model.FieldRequired, Message: "status or currentStep is required",
			}})
			break
		}
		inst, err = h.deps.Engine.Resume(ctx, rctx, id, body.CurrentStep)
	case model.WorkflowStatusPaused, model.WorkflowStatusCancelled:
		if body.CurrentStep != "" {
			err = model.NewValidationError([]model.FieldError{{
				Field: "currentStep", Code: model.FieldInvalid,
				Message: fmt.Sprintf("currentStep cannot be set while moving to %s", body.Status),
			}})
			break
		}
		if body.Status == model.WorkflowStatusPaused {
			inst, err = h.deps.Engine.Pause(ctx, rctx, id)
		} else {
			inst, err = h.deps.Engine.Cancel(ctx, rctx, id)
		}
	default:
		err = model.NewValidationError([]model.FieldError{{
			Field: "status", Code: model.FieldInvalid,
			Message: fmt.Sprintf("status %q cannot be requested", body.Status),
		}})
	}
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) updateStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.MustRequestContext(ctx)
	id := chi.URLParam(r, "workflowId")
	stepRef := chi.URLParam(r, "stepId")

	var body updateStepRequest
	if err := h.decodeBody(r, "updateStep", &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if body.Data != nil {
		h.logger(r).Debug("step data update",
			zap.String("step", stepRef),
			zap.Any("data", observability.RedactBody(body.Data, nil)),
		)
	}

	step, err := h.deps.Engine.UpdateStep(ctx, rctx, id, stepRef, workflow.StepPatch{
		Status:       body.Status,
		Progress:     body.Progress,
		Data:         body.Data,
		ResourceID:   body.ResourceID,
		ResourceType: body.ResourceType,
		Notes:        body.Notes,
	})
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, step)
}

func (h *handlers) completeStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.MustRequestContext(ctx)
	id := chi.URLParam(r, "workflowId")
	stepName := model.StepName(chi.URLParam(r, "stepName"))

	if !h.deps.Catalog.Has(stepName) {
		writeRequestError(w, r, model.NewUnknownStepError("stepName", stepName))
		return
	}
	var body completeStepRequest
	if err := h.decodeBody(r, "completeStep", &body); err != nil {
		writeRequestError(w, r, err)
		return
	}

	inst, err := h.deps.Engine.CompleteStep(ctx, rctx, id, stepName, workflow.StepCompletion{
		Data:         body.Data,
		ResourceID:   body.ResourceID,
		ResourceType: body.ResourceType,
		Notes:        body.Notes,
	})
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) continueWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.MustRequestContext(ctx)

	var body continueRequest
	if err := h.decodeBody(r, "continueWorkflow", &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if body.FromStep == "" {
		writeRequestError(w, r, model.NewValidationError([]model.FieldError{{
			Field: "fromStep", Code: model.FieldRequired, Message: "fromStep is required",
		}}))
		return
	}

	inst, err := h.deps.Engine.Resume(ctx, rctx, chi.URLParam(r, "workflowId"), body.FromStep)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

// streamEvents writes the workflow's change events as server-sent events
// until the client goes away.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	id := chi.URLParam(r, "workflowId")

	if h.deps.Events == nil {
		writeRequestError(w, r, model.NewUnavailableError())
		return
	}
	if _, err := h.deps.Engine.Get(r.Context(), rctx, id); err != nil {
		writeRequestError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := h.deps.Events.Subscribe(ctx, id)
	if err != nil {
		h.logger(r).Error("event subscription failed", zap.Error(err))
		writeRequestError(w, r, model.NewUnavailableError())
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger(r).Warn("event stream cannot flush", zap.Error(err))
		return
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.EventStreamOpened()
		defer h.deps.Metrics.EventStreamClosed()
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.deps.StreamsDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, evt model.WorkflowEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
	return err
}

// queryInt parses an integer query parameter. ok is false when the value
// is present but not an integer.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def, false
	}
	return v, true
}

func notFoundRoute(r *http.Request) error {
	return model.NewNotFoundError(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func methodNotAllowed(r *http.Request) error {
	return model.NewBadRequestError(fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
}
