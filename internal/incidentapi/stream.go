package incidentapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/events"
)

// handleStreamEvents serves an incident's progress log as server-sent
// events. Each event's SSE id is its sequence number, so a reconnecting
// client resumes from Last-Event-ID (or ?after=). The stream ends once
// the incident is terminal and fully delivered.
func (a *API) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, err := a.svc.SubscribeEvents(r.Context(), id, after)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut long-lived streams
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.logger.Warn(r.Context(), "event stream flush unsupported", "incident_id", id, "error", err)
	}

	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-ch:
			if !ok {
				_, _ = fmt.Fprint(w, "event: end\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			if err := writeEvent(w, ev); err != nil {
				a.logger.Warn(r.Context(), "event stream write failed", "incident_id", id, "seq", ev.Seq, "error", err)
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// resumePoint returns the sequence number to resume after. Last-Event-ID
// wins over ?after= since browsers set it on reconnect.
func resumePoint(r *http.Request) (uint64, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume sequence %q", v)
	}
	return n, nil
}
