package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnknownStream is returned for an incident with no open log.
	ErrUnknownStream = errors.New("events: unknown stream")

	// ErrStreamExists is returned by Open for an incident that already has a log.
	ErrStreamExists = errors.New("events: stream already exists")

	// ErrSealed is returned when publishing to a sealed log.
	ErrSealed = errors.New("events: stream sealed")
)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 16

// Bus holds one append-only log per incident. Appends are serialized per
// incident; reads and subscriptions may run concurrently with appends.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	now     func() time.Time
}

type stream struct {
	mu     sync.Mutex
	events []Event
	sealed bool
	// wake is closed and replaced whenever the stream changes.
	wake chan struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

// Open creates the log for an incident.
func (b *Bus) Open(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[id]; ok {
		return ErrStreamExists
	}
	b.streams[id] = &stream{wake: make(chan struct{})}
	return nil
}

func (b *Bus) stream(id string) (*stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[id]
	if !ok {
		return nil, ErrUnknownStream
	}
	return s, nil
}

// Publish appends an event and returns it with its assigned sequence number.
// Sequence numbers start at 1 and have no gaps.
func (b *Bus) Publish(id string, kind Kind, payload any) (Event, error) {
	s, err := b.stream(id)
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return Event{}, ErrSealed
	}
	ev := Event{
		IncidentID: id,
		Seq:        uint64(len(s.events)) + 1,
		Kind:       kind,
		Payload:    payload,
		At:         b.now().UTC(),
	}
	s.events = append(s.events, ev)
	s.notify()
	return ev, nil
}

// Seal marks the log finished: subscribers drain what remains and end.
func (b *Bus) Seal(id string) error {
	return b.setSealed(id, true)
}

// Unseal reopens a sealed log for further appends.
func (b *Bus) Unseal(id string) error {
	return b.setSealed(id, false)
}

func (b *Bus) setSealed(id string, sealed bool) error {
	s, err := b.stream(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != sealed {
		s.sealed = sealed
		s.notify()
	}
	return nil
}

// Remove drops an incident's log. Active subscribers end after draining
// whatever they already had access to.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	s, ok := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.sealed = true
		s.notify()
		s.mu.Unlock()
	}
}

// History returns a copy of the events with sequence numbers greater than after.
func (b *Bus) History(id string, after uint64) ([]Event, error) {
	s, err := b.stream(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since(after), nil
}

// Subscribe replays every event after the given sequence number and then
// follows the log live. The channel is closed once the log is sealed and
// fully delivered, or when ctx is done. Resuming from the last sequence
// number a consumer saw yields no duplicates and no gaps.
func (b *Bus) Subscribe(ctx context.Context, id string, after uint64) (<-chan Event, error) {
	s, err := b.stream(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	go func() {
		defer close(ch)
		next := after
		for {
			s.mu.Lock()
			pending := s.since(next)
			sealed := s.sealed
			wake := s.wake
			s.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
					next = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if sealed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Emitter returns an Emitter that publishes to the incident's log and
// reports false once the log is sealed or gone.
func (b *Bus) Emitter(id string) Emitter {
	return EmitterFunc(func(_ context.Context, kind Kind, payload any) bool {
		_, err := b.Publish(id, kind, payload)
		return err == nil
	})
}

func (s *stream) notify() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *stream) since(after uint64) []Event {
	if after >= uint64(len(s.events)) {
		return nil
	}
	out := make([]Event, len(s.events)-int(after))
	copy(out, s.events[after:])
	return out
}
