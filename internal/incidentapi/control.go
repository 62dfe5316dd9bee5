package incidentapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

type escalateRequest struct {
	Actor  string `json:"actor" validate:"max=128"`
	Reason string `json:"reason" validate:"max=1024"`
	// Level is the target level, e.g. "L3_SENIOR" or "L3"; empty steps up by one.
	Level  string `json:"level" validate:"max=32"`
	Reopen bool   `json:"reopen"`
}

type resolveRequest struct {
	Actor   string `json:"actor" validate:"required,max=128"`
	Summary string `json:"summary" validate:"max=4096"`
}

type takeoverRequest struct {
	Operator string `json:"operator" validate:"required,max=128"`
	Reason   string `json:"reason" validate:"max=1024"`
}

func (a *API) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if !a.decode(w, r, &req) {
		return
	}
	var level incident.EscalationLevel
	if req.Level != "" {
		l, err := incident.ParseEscalationLevel(req.Level)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		level = l
	}
	id := chi.URLParam(r, "id")
	inc, err := a.svc.Escalate(r.Context(), id, orchestrator.EscalateRequest{
		Actor:  req.Actor,
		Reason: req.Reason,
		Level:  level,
		Reopen: req.Reopen,
	})
	a.writeControl(w, r, "escalate", id, inc, err)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	inc, err := a.svc.Resolve(r.Context(), id, orchestrator.ResolveRequest(req))
	a.writeControl(w, r, "resolve", id, inc, err)
}

func (a *API) handleTakeover(w http.ResponseWriter, r *http.Request) {
	var req takeoverRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	inc, err := a.svc.Takeover(r.Context(), id, orchestrator.TakeoverRequest(req))
	a.writeControl(w, r, "takeover", id, inc, err)
}

func (a *API) writeControl(w http.ResponseWriter, r *http.Request, op, id string, inc *incident.Incident, err error) {
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			a.logger.Error(r.Context(), err, "control operation failed", "op", op, "incident_id", id)
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	a.logger.Info(r.Context(), "control operation applied", "op", op, "incident_id", id, "phase", string(inc.Phase))
	writeJSON(w, http.StatusOK, inc)
}
