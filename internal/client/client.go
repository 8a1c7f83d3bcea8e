// Package client is an HTTP client for the claimflow REST API. It implements
// the same operations as the in-process engine so a session can drive a
// remote server, and it follows a workflow's change events over SSE.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

const (
	defaultSubjectHeader = "X-Subject-Id"
	idempotencyHeader    = "X-Idempotency-Key"
	maxResponseBytes     = 10 << 20
	maxEventBytes        = 1 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken authenticates every call with a JWT. When set, the subject
// header is not sent.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSubject sets the subject sent in the subject header when a call has no
// request context, and for event streams.
func WithSubject(subject string) Option {
	return func(c *Client) { c.subject = subject }
}

// WithSubjectHeader names the header that carries the caller's subject for
// servers running header identity.
func WithSubjectHeader(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.subjectHeader = name
		}
	}
}

// WithRetry sets how many times an UNAVAILABLE answer is retried and the
// initial backoff between attempts.
func WithRetry(maxRetries uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithBreaker sets the number of consecutive failures that stop calls and
// how long they stay stopped.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) { c.breaker = newBreaker(threshold, cooldown) }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client calls a claimflow server. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	stream        *http.Client
	token         string
	subject       string
	subjectHeader string
	maxRetries    uint64
	backoff       time.Duration
	maxBackoff    time.Duration
	breaker       *breaker
	logger        *zap.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base URL %q has no host", baseURL)
	}

	u.RawQuery, u.Fragment = "", ""

	c := &Client{
		baseURL:       u.String(),
		subjectHeader: defaultSubjectHeader,
		maxRetries:    3,
		backoff:       100 * time.Millisecond,
		maxBackoff:    2 * time.Second,
		breaker:       newBreaker(5, 30*time.Second),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	// Event streams share the transport but must not be cut by the call
	// timeout.
	c.stream = &http.Client{Transport: c.http.Transport}
	return c, nil
}

// Steps returns the step catalog in order.
func (c *Client) Steps(ctx context.Context, rctx *model.RequestContext) ([]model.StepDefinition, error) {
	var out []model.StepDefinition
	err := c.do(ctx, rctx, call{method: http.MethodGet, path: "/api/steps"}, &out)
	return out, err
}

// Create starts a workflow. A non-empty idempotencyKey makes the call safe
// to retry: the server returns the workflow created by the first attempt.
func (c *Client) Create(
	ctx context.Context, rctx *model.RequestContext, input workflow.CreateInput, idempotencyKey string,
) (model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	body := createRequest{Name: input.Name, Description: input.Description, OwnerID: input.OwnerID}
	req := call{method: http.MethodPost, path: "/api/workflows", body: body, idempotencyKey: idempotencyKey}
	err := c.do(ctx, rctx, req, &out)
	return out, err
}

// Get returns a workflow the caller owns.
func (c *Client) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	err := c.do(ctx, rctx, call{method: http.MethodGet, path: workflowPath(id)}, &out)
	return out, err
}

// AuditLog returns the workflow's recorded change events, oldest first.
func (c *Client) AuditLog(ctx context.Context, rctx *model.RequestContext, id string) ([]model.WorkflowEvent, error) {
	var out []model.WorkflowEvent
	err := c.do(ctx, rctx, call{method: http.MethodGet, path: workflowPath(id) + "/audit"}, &out)
	return out, err
}

// List returns workflows matching filters, most recently started first.
func (c *Client) List(ctx context.Context, rctx *model.RequestContext, filters workflow.ListFilters) ([]model.WorkflowInstance, error) {
	q := url.Values{}
	if filters.OwnerID != "" {
		q.Set("ownerId", filters.OwnerID)
	}
	if filters.Status != "" {
		q.Set("status", string(filters.Status))
	}
	if filters.Limit != 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	if filters.Offset != 0 {
		q.Set("offset", strconv.Itoa(filters.Offset))
	}

	out := []model.WorkflowInstance{}
	err := c.do(ctx, rctx, call{method: http.MethodGet, path: "/api/workflows", query: q}, &out)
	return out, err
}

// CompleteStep completes the named step and returns the updated workflow.
func (c *Client) CompleteStep(
	ctx context.Context, rctx *model.RequestContext, id string, stepName model.StepName, completion workflow.StepCompletion,
) (model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	body := completeRequest{
		Data:         completion.Data,
		ResourceID:   completion.ResourceID,
		ResourceType: completion.ResourceType,
		Notes:        completion.Notes,
	}
	path := workflowPath(id) + "/steps/" + url.PathEscape(string(stepName)) + "/complete"
	err := c.do(ctx, rctx, call{method: http.MethodPost, path: path, body: body}, &out)
	return out, err
}

// UpdateStep patches a step addressed by ID or name.
func (c *Client) UpdateStep(
	ctx context.Context, rctx *model.RequestContext, id string, stepRef string, patch workflow.StepPatch,
) (model.WorkflowStep, error) {
	var out model.WorkflowStep
	body := stepPatchRequest{
		Status:       patch.Status,
		Progress:     patch.Progress,
		Data:         patch.Data,
		ResourceID:   patch.ResourceID,
		ResourceType: patch.ResourceType,
		Notes:        patch.Notes,
	}
	path := workflowPath(id) + "/steps/" + url.PathEscape(stepRef)
	err := c.do(ctx, rctx, call{method: http.MethodPatch, path: path, body: body}, &out)
	return out, err
}

// Pause pauses an active workflow.
func (c *Client) Pause(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	return c.setStatus(ctx, rctx, id, model.WorkflowStatusPaused)
}

// Cancel cancels a workflow.
func (c *Client) Cancel(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	return c.setStatus(ctx, rctx, id, model.WorkflowStatusCancelled)
}

// Resume reactivates a workflow. An empty fromStep resumes at the current
// step.
func (c *Client) Resume(ctx context.Context, rctx *model.RequestContext, id string, fromStep model.StepName) (model.WorkflowInstance, error) {
	if fromStep == "" {
		return c.setStatus(ctx, rctx, id, model.WorkflowStatusActive)
	}
	var out model.WorkflowInstance
	req := call{method: http.MethodPost, path: workflowPath(id) + "/continue", body: continueRequest{FromStep: fromStep}}
	err := c.do(ctx, rctx, req, &out)
	return out, err
}

func (c *Client) setStatus(
	ctx context.Context, rctx *model.RequestContext, id string, status model.WorkflowStatus,
) (model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	req := call{method: http.MethodPatch, path: workflowPath(id), body: statusRequest{Status: status}}
	err := c.do(ctx, rctx, req, &out)
	return out, err
}

// Subscribe follows the workflow's change events. The channel is closed
// when ctx is done or the server ends the stream.
func (c *Client) Subscribe(ctx context.Context, workflowID string) (<-chan model.WorkflowEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(workflowPath(workflowID)+"/events", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	c.setHeaders(ctx, req, nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("client: open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, decodeError(resp.StatusCode, body)
	}

	out := make(chan model.WorkflowEvent)
	go c.readEvents(ctx, workflowID, resp.Body, out)
	return out, nil
}

// readEvents parses SSE frames. Comment lines and fields other than data
// are skipped; the data field carries the JSON event.
func (c *Client) readEvents(ctx context.Context, workflowID string, body io.ReadCloser, out chan<- model.WorkflowEvent) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt model.WorkflowEvent
			if err := json.Unmarshal(data.Bytes(), &evt); err != nil {
				c.logger.Warn("malformed workflow event", zap.String("workflow_id", workflowID), zap.Error(err))
				data.Reset()
				continue
			}
			data.Reset()
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("workflow event stream ended", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// call describes one API request.
type call struct {
	method         string
	path           string
	query          url.Values
	body           any
	idempotencyKey string
}

// retryTransportErrors reports whether a call may be repeated after the
// request was possibly delivered.
func (r call) retryTransportErrors() bool {
	return r.method == http.MethodGet || r.idempotencyKey != ""
}

func (c *Client) do(ctx context.Context, rctx *model.RequestContext, req call, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "client "+req.method,
		attribute.String("http.route", req.path),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var payload []byte
	if req.body != nil {
		if payload, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(c.maxRetries,
		retry.WithCappedDuration(c.maxBackoff, retry.NewExponential(c.backoff)))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, rctx, req, payload, out)
		if err == nil {
			return nil
		}
		if c.retryable(req, err) {
			c.logger.Debug("retrying call",
				zap.String("method", req.method),
				zap.String("path", req.path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) retryable(req call, err error) bool {
	if errors.Is(err, errBreakerOpen) {
		return false
	}
	var te *transportError
	if errors.As(err, &te) {
		return te.notSent || req.retryTransportErrors()
	}
	// The server answers UNAVAILABLE only when nothing was committed.
	return model.IsCode(err, model.ErrUnavailable)
}

var errBreakerOpen = &model.ErrorEnvelope{
	Code:    model.ErrUnavailable,
	Message: "server keeps failing; calls are paused",
}

// transportError is a failure to get any HTTP answer. notSent is set when
// the connection was never established.
type transportError struct {
	err     error
	notSent bool
}

func (e *transportError) Error() string { return "client: request failed: " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func (c *Client) once(ctx context.Context, rctx *model.RequestContext, req call, payload []byte, out any) error {
	if !c.breaker.allow() {
		return errBreakerOpen
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.url(req.path, req.query), body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	c.setHeaders(ctx, httpReq, rctx)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set(idempotencyHeader, sanitizeHeader(req.idempotencyKey))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.failure()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: err, notSent: isDialError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.failure()
		return &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		c.breaker.failure()
	} else {
		c.breaker.success()
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("client: decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, rctx *model.RequestContext) {
	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(c.token))
	} else {
		subject := c.subject
		if rctx != nil && rctx.SubjectID != "" {
			subject = rctx.SubjectID
		}
		if subject != "" {
			req.Header.Set(c.subjectHeader, sanitizeHeader(subject))
		}
	}
	if rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

// url joins the base URL with an already escaped path.
func (c *Client) url(path string, query url.Values) string {
	s := c.baseURL + path
	if len(query) > 0 {
		s += "?" + query.Encode()
	}
	return s
}

// decodeError turns an error response into an *model.ErrorEnvelope. Bodies
// that are not envelopes get a code derived from the status.
func decodeError(status int, body []byte) error {
	var wrapper struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil && wrapper.Error.Code != "" {
		return wrapper.Error
	}
	return &model.ErrorEnvelope{Code: codeForStatus(status), Message: http.StatusText(status)}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return model.ErrBadRequest
	case http.StatusUnauthorized:
		return model.ErrUnauthorized
	case http.StatusForbidden:
		return model.ErrForbidden
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		return model.ErrConflict
	case http.StatusUnprocessableEntity:
		return model.ErrValidationError
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return model.ErrUnavailable
	default:
		return model.ErrInternalError
	}
}

func workflowPath(id string) string {
	return "/api/workflows/" + url.PathEscape(id)
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isDialError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
}

type completeRequest struct {
	Data         map[string]any `json:"data,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	Notes        string         `json:"notes,omitempty"`
}

type stepPatchRequest struct {
	Status       *model.StepStatus `json:"status,omitempty"`
	Progress     *int              `json:"progress,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	ResourceID   *string           `json:"resourceId,omitempty"`
	ResourceType *string           `json:"resourceType,omitempty"`
	Notes        *string           `json:"notes,omitempty"`
}

type statusRequest struct {
	Status model.WorkflowStatus `json:"status"`
}

type continueRequest struct {
	FromStep model.StepName `json:"fromStep"`
}
