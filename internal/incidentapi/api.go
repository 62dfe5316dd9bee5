// Package incidentapi exposes the incident registry over HTTP: ingestion,
// inspection, manual control and a server-sent event stream per incident.
package incidentapi

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/registry"
)

// IncidentService defines the registry operations the API needs.
type IncidentService interface {
	CreateIncident(ctx context.Context, alert incident.Alert) (string, error)
	GetIncident(id string) (*incident.Incident, error)
	ListIncidents(f registry.Filter) []*incident.Incident
	Escalate(ctx context.Context, id string, req orchestrator.EscalateRequest) (*incident.Incident, error)
	Resolve(ctx context.Context, id string, req orchestrator.ResolveRequest) (*incident.Incident, error)
	Takeover(ctx context.Context, id string, req orchestrator.TakeoverRequest) (*incident.Incident, error)
	SubscribeEvents(ctx context.Context, id string, afterSeq uint64) (<-chan events.Event, error)
	Report(id string) (*orchestrator.Report, error)
	Evict(id string) error
}

// ReportArchive serves reports for incidents no longer held in memory.
type ReportArchive interface {
	Get(ctx context.Context, id string) (*orchestrator.Report, bool, error)
}

// Options configures optional API behavior.
type Options struct {
	// Runbooks is served by GET /api/v1/runbooks.
	Runbooks []playbook.Runbook
	// Archive, when set, backs the report endpoint for evicted incidents.
	Archive ReportArchive
	// IngestRate limits incident creation in requests per second; 0 disables limiting.
	IngestRate  float64
	IngestBurst int
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       IncidentService
	runbooks  []playbook.Runbook
	archive   ReportArchive
	limiter   *rate.Limiter
	validate  *validator.Validate
	keepAlive time.Duration
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.IngestRate > 0 {
		burst := opts.IngestBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.IngestRate), burst)
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &API{
		logger:    logger,
		svc:       svc,
		runbooks:  opts.Runbooks,
		archive:   opts.Archive,
		limiter:   limiter,
		validate:  newValidator(),
		keepAlive: keepAlive,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.rateLimit).Post("/incidents", a.handleCreateIncident)
		r.With(a.rateLimit).Post("/alerts/alertmanager", a.handleAlertmanager)
		r.Get("/incidents", a.handleListIncidents)
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetIncident)
			r.Delete("/", a.handleEvictIncident)
			r.Get("/diagnostics", a.handleGetDiagnostics)
			r.Get("/report", a.handleGetReport)
			r.Get("/events", a.handleStreamEvents)
			r.Post("/escalate", a.handleEscalate)
			r.Post("/resolve", a.handleResolve)
			r.Post("/takeover", a.handleTakeover)
		})
		r.Get("/runbooks", a.handleListRunbooks)
	})
}

// rateLimit rejects ingestion beyond the configured rate with 429.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleListRunbooks(w http.ResponseWriter, _ *http.Request) {
	runbooks := a.runbooks
	if runbooks == nil {
		runbooks = []playbook.Runbook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runbooks": runbooks})
}
