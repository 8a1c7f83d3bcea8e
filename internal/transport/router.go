package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/openapi"
	"github.com/pitabwire/claimflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Engine       *workflow.Engine
	Catalog      *catalog.Catalog
	Events       workflow.Subscriber
	Idempotency  idempotency.Store
	API          *openapi.Index
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
	// StreamsDone is closed when the server shuts down. Open event streams
	// end then instead of holding the shutdown.
	StreamsDone <-chan struct{}
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass authentication. Events and Idempotency may be nil.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Catalog == nil {
		deps.Catalog = deps.Engine.Catalog()
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}
	r.Get("/openapi.yaml", handleAPIDocument)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(deps.Logger))

		// Event streams outlive the handler timeout.
		r.Get("/api/workflows/{workflowId}/events", h.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.Get("/api/steps", h.listSteps)
			r.Post("/api/workflows", h.createWorkflow)
			r.Get("/api/workflows", h.listWorkflows)
			r.Get("/api/workflows/{workflowId}", h.getWorkflow)
			r.Get("/api/workflows/{workflowId}/audit", h.getAuditLog)
			r.Patch("/api/workflows/{workflowId}", h.updateWorkflow)
			r.Patch("/api/workflows/{workflowId}/steps/{stepId}", h.updateStep)
			r.Post("/api/workflows/{workflowId}/steps/{stepName}/complete", h.completeStep)
			r.Post("/api/workflows/{workflowId}/continue", h.continueWorkflow)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeRequestError(w, r, notFoundRoute(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeRequestError(w, r, methodNotAllowed(r))
	})

	return r
}

func handleAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Document())
}
