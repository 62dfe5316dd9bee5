// Package registry keeps every live incident orchestrator in process
// memory, keyed by incident ID, and is the surface the transport layer
// talks to.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

const shardCount = 16

type shard struct {
	mu sync.RWMutex
	m  map[string]*orchestrator.Orchestrator
}

// Registry maps incident IDs to orchestrators. Incidents stay until
// evicted explicitly or swept after reaching a terminal phase.
type Registry struct {
	wf     *orchestrator.Workflow
	logger log.Logger
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates an empty registry that builds orchestrators from wf.
func New(wf *orchestrator.Workflow, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Registry{wf: wf, logger: logger, now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{m: make(map[string]*orchestrator.Orchestrator)}
	}
	return r
}

func (r *Registry) shard(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Filter narrows ListIncidents. Zero fields match everything.
type Filter struct {
	Phase    incident.Phase
	Severity incident.Severity
	Service  string
	Limit    int
}

func (f Filter) match(inc *incident.Incident) bool {
	if f.Phase != "" && inc.Phase != f.Phase {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Service != "" && !strings.EqualFold(inc.Alert.Service, f.Service) {
		return false
	}
	return true
}

// CreateIncident registers a new incident for alert and starts automation.
func (r *Registry) CreateIncident(ctx context.Context, alert incident.Alert) (string, error) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = r.now().UTC()
	}
	id := incident.NewID()
	o := r.wf.NewOrchestrator(id)

	s := r.shard(id)
	s.mu.Lock()
	s.m[id] = o
	s.mu.Unlock()

	if err := o.Submit(ctx, alert); err != nil {
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
		return "", fmt.Errorf("submit incident: %w", err)
	}
	r.logger.Info(ctx, "incident registered", "incident_id", id, "service", alert.Service, "alert_id", alert.ID)
	return id, nil
}

func (r *Registry) lookup(id string) (*orchestrator.Orchestrator, error) {
	s := r.shard(id)
	s.mu.RLock()
	o, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", incident.ErrNotFound, id)
	}
	return o, nil
}

// GetIncident returns a snapshot of the incident.
func (r *Registry) GetIncident(id string) (*incident.Incident, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	snap := o.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%w: incident %s", incident.ErrNotFound, id)
	}
	return snap, nil
}

// ListIncidents returns matching snapshots, newest first.
func (r *Registry) ListIncidents(f Filter) []*incident.Incident {
	var out []*incident.Incident
	for _, s := range r.shards {
		s.mu.RLock()
		for _, o := range s.m {
			if snap := o.Snapshot(); snap != nil && f.match(snap) {
				out = append(out, snap)
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *incident.Incident) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Len returns the number of registered incidents.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Escalate forwards a manual escalation to the incident's orchestrator.
func (r *Registry) Escalate(ctx context.Context, id string, req orchestrator.EscalateRequest) (*incident.Incident, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return o.Escalate(ctx, req)
}

// Resolve forwards a manual resolution.
func (r *Registry) Resolve(ctx context.Context, id string, req orchestrator.ResolveRequest) (*incident.Incident, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return o.Resolve(ctx, req)
}

// Takeover forwards a manual takeover.
func (r *Registry) Takeover(ctx context.Context, id string, req orchestrator.TakeoverRequest) (*incident.Incident, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return o.Takeover(ctx, req)
}

// SubscribeEvents streams the incident's events with sequence numbers
// greater than afterSeq. The channel closes once the incident is terminal
// and every event has been delivered, or when ctx is done.
func (r *Registry) SubscribeEvents(ctx context.Context, id string, afterSeq uint64) (<-chan events.Event, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	ch, err := r.wf.Bus().Subscribe(ctx, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: incident %s", incident.ErrNotFound, id)
	}
	return ch, nil
}

// Events returns the recorded events after afterSeq without following.
func (r *Registry) Events(id string, afterSeq uint64) ([]events.Event, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return o.History(afterSeq)
}

// Report builds the post-incident report from the current snapshot.
func (r *Registry) Report(id string) (*orchestrator.Report, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	history, err := o.History(0)
	if err != nil {
		return nil, err
	}
	return orchestrator.BuildReport(o.Snapshot(), history), nil
}

// Evict drops a terminal incident and its event stream. Active incidents
// cannot be evicted.
func (r *Registry) Evict(id string) error {
	s := r.shard(id)
	s.mu.Lock()
	o, ok := s.m[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: incident %s", incident.ErrNotFound, id)
	}
	// Close checks the phase and releases the stream under the
	// orchestrator's lock, so a concurrent reopen either wins or fails.
	if err := o.Close(); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.m, id)
	s.mu.Unlock()
	return nil
}

// Sweep evicts terminal incidents last updated more than ttl ago and
// returns how many were removed.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	var stale []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id, o := range s.m {
			if snap := o.Snapshot(); snap != nil && snap.Phase.Terminal() && snap.UpdatedAt.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		s.mu.RUnlock()
	}

	n := 0
	for _, id := range stale {
		// A reopen between the scan and now makes Evict refuse.
		if err := r.Evict(id); err == nil {
			n++
		}
	}
	return n
}

// RunJanitor sweeps every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(ttl); n > 0 {
				r.logger.Info(ctx, "swept terminal incidents", "count", n, "ttl", ttl.String())
			}
		}
	}
}
