package orchestrator

import (
	"context"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Sink receives every incident that reaches a terminal phase, together
// with its event history. Sinks run in the background and their errors
// are logged, never propagated.
type Sink interface {
	Name() string
	OnTerminal(ctx context.Context, inc *incident.Incident, history []events.Event) error
}

func (o *Orchestrator) notifySinks(ctx context.Context, snap *incident.Incident, history []events.Event) {
	if len(o.wf.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range o.wf.sinks {
		go func() {
			if err := s.OnTerminal(ctx, snap.Clone(), history); err != nil {
				o.logger.Error(ctx, err, "terminal sink failed", "sink", s.Name())
			}
		}()
	}
}
