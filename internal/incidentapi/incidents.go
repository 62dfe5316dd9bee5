package incidentapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/registry"
)

// createIncidentRequest is the body of POST /api/v1/incidents.
type createIncidentRequest struct {
	AlertID     string         `json:"alert_id" validate:"max=128"`
	Source      string         `json:"source" validate:"required,max=64"`
	Title       string         `json:"title" validate:"required,max=256"`
	Description string         `json:"description" validate:"max=4096"`
	Service     string         `json:"service" validate:"required,max=128"`
	Host        string         `json:"host" validate:"max=256"`
	Timestamp   time.Time      `json:"timestamp"`
	Raw         map[string]any `json:"raw"`
}

func (req createIncidentRequest) alert() incident.Alert {
	return incident.Alert{
		ID:          req.AlertID,
		Source:      req.Source,
		Title:       req.Title,
		Description: req.Description,
		Service:     req.Service,
		Host:        req.Host,
		Timestamp:   req.Timestamp,
		Raw:         req.Raw,
	}
}

type createIncidentResponse struct {
	IncidentID string `json:"incident_id"`
	StreamURL  string `json:"stream_url"`
}

func streamURL(id string) string {
	return "/api/v1/incidents/" + id + "/events"
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if !a.decode(w, r, &req) {
		return
	}

	id, err := a.svc.CreateIncident(r.Context(), req.alert())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to create incident", "service", req.Service)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.incident.id", id),
		attribute.String("warden.alert.service", req.Service),
	)
	writeJSON(w, http.StatusAccepted, createIncidentResponse{IncidentID: id, StreamURL: streamURL(id)})
}

// alertmanagerWebhook is the subset of the Alertmanager webhook payload
// that warden reads.
type alertmanagerWebhook struct {
	Alerts []alertmanagerAlert `json:"alerts" validate:"required,dive"`
}

type alertmanagerAlert struct {
	Status      string            `json:"status" validate:"required"`
	Fingerprint string            `json:"fingerprint"`
	Labels      map[string]string `json:"labels" validate:"required"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

// alert maps an Alertmanager alert onto an incident alert. The service
// comes from the service label, falling back to job.
func (al alertmanagerAlert) alert() incident.Alert {
	service := al.Labels["service"]
	if service == "" {
		service = al.Labels["job"]
	}
	raw := make(map[string]any, len(al.Labels)+len(al.Annotations))
	for k, v := range al.Labels {
		raw[k] = v
	}
	for k, v := range al.Annotations {
		raw[k] = v
	}
	return incident.Alert{
		ID:          al.Fingerprint,
		Source:      "alertmanager",
		Title:       al.Labels["alertname"],
		Description: al.Annotations["summary"],
		Service:     service,
		Host:        al.Labels["instance"],
		Timestamp:   al.StartsAt,
		Raw:         raw,
	}
}

func (a *API) handleAlertmanager(w http.ResponseWriter, r *http.Request) {
	var wh alertmanagerWebhook
	if !a.decodeLenient(w, r, &wh) {
		return
	}

	accepted := []string{}
	for _, al := range wh.Alerts {
		// resolved notifications do not open incidents
		if al.Status != "firing" {
			continue
		}
		alert := al.alert()
		if alert.Service == "" || alert.Title == "" {
			a.logger.Warn(r.Context(), "skipping alert without service or alertname", "fingerprint", al.Fingerprint)
			continue
		}
		id, err := a.svc.CreateIncident(r.Context(), alert)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to create incident", "fingerprint", al.Fingerprint)
			continue
		}
		accepted = append(accepted, id)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Phase:   incident.Phase(q.Get("phase")),
		Service: q.Get("service"),
	}
	if f.Phase != "" && !f.Phase.Valid() {
		writeError(w, http.StatusBadRequest, "unknown phase")
		return
	}
	if s := q.Get("severity"); s != "" {
		sev, err := incident.ParseSeverity(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
		f.Severity = sev
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	list := a.svc.ListIncidents(f)
	if list == nil {
		list = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.incident.id", id))

	inc, err := a.svc.GetIncident(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.incident.phase", string(inc.Phase)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	inc, err := a.svc.GetIncident(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": inc.ID,
		"phase":       inc.Phase,
		"diagnostics": inc.Diagnostics,
	})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rep, err := a.svc.Report(id)
	if err == nil {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	if errorStatus(err) != http.StatusNotFound || a.archive == nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	archived, ok, aerr := a.archive.Get(r.Context(), id)
	if aerr != nil {
		a.logger.Error(r.Context(), aerr, "failed to load archived report", "incident_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

func (a *API) handleEvictIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.Evict(id); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	a.logger.Info(r.Context(), "incident evicted", "incident_id", id)
	w.WriteHeader(http.StatusNoContent)
}
