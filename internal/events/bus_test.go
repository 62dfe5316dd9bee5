package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("subscription did not close within %v (got %d events)", timeout, len(out))
			return nil
		}
	}
}

func TestPublish_SequenceStartsAtOneWithoutGaps(t *testing.T) {
	t.Parallel()

	b := NewBus()
	if err := b.Open("inc-1"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		ev, err := b.Publish("inc-1", KindPhaseChanged, nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if ev.Seq != uint64(i) {
			t.Errorf("Seq = %d, want %d", ev.Seq, i)
		}
		if ev.IncidentID != "inc-1" {
			t.Errorf("IncidentID = %q, want inc-1", ev.IncidentID)
		}
	}
}

func TestPublish_ConcurrentAppendsAreSerialized(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Publish("inc", KindDiagnosticCheckComplete, nil)
		}()
	}
	wg.Wait()

	hist, err := b.History("inc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 50 {
		t.Fatalf("len = %d, want 50", len(hist))
	}
	for i, ev := range hist {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("hist[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestPublish_Errors(t *testing.T) {
	t.Parallel()

	b := NewBus()
	if _, err := b.Publish("missing", KindResolved, nil); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("err = %v, want ErrUnknownStream", err)
	}
	_ = b.Open("inc")
	if err := b.Open("inc"); !errors.Is(err, ErrStreamExists) {
		t.Errorf("err = %v, want ErrStreamExists", err)
	}
	_ = b.Seal("inc")
	if _, err := b.Publish("inc", KindResolved, nil); !errors.Is(err, ErrSealed) {
		t.Errorf("err = %v, want ErrSealed", err)
	}
	if b.Emitter("inc").Emit(context.Background(), KindResolved, nil) {
		t.Error("Emit on sealed stream reported true")
	}
	_ = b.Unseal("inc")
	if !b.Emitter("inc").Emit(context.Background(), KindPhaseChanged, nil) {
		t.Error("Emit after Unseal reported false")
	}
}

func TestSubscribe_LiveThenFiniteAfterSeal(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")
	_, _ = b.Publish("inc", KindPhaseChanged, nil)

	ch, err := b.Subscribe(context.Background(), "inc", 0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_, _ = b.Publish("inc", KindTriageComplete, nil)
		_, _ = b.Publish("inc", KindResolved, nil)
		_ = b.Seal("inc")
	}()

	got := collect(t, ch, 2*time.Second)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[2].Kind != KindResolved {
		t.Errorf("last kind = %q, want %q", got[2].Kind, KindResolved)
	}
}

func TestSubscribe_ResumeFromSequence(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")
	for range 4 {
		_, _ = b.Publish("inc", KindPhaseChanged, nil)
	}
	_ = b.Seal("inc")

	ch, _ := b.Subscribe(context.Background(), "inc", 2)
	got := collect(t, ch, time.Second)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("resumed events = %+v, want seq 3 and 4", got)
	}

	ch, _ = b.Subscribe(context.Background(), "inc", 10)
	if got := collect(t, ch, time.Second); len(got) != 0 {
		t.Errorf("subscribe past end returned %d events, want 0", len(got))
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "inc", 0)
	cancel()
	collect(t, ch, time.Second)
}

func TestRemove_EndsSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")
	_, _ = b.Publish("inc", KindPhaseChanged, nil)
	ch, _ := b.Subscribe(context.Background(), "inc", 0)

	b.Remove("inc")
	got := collect(t, ch, time.Second)
	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}
	if _, err := b.History("inc", 0); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("History after Remove err = %v, want ErrUnknownStream", err)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	t.Parallel()

	b := NewBus()
	_ = b.Open("inc")
	_, _ = b.Publish("inc", KindPhaseChanged, "a")

	h, _ := b.History("inc", 0)
	h[0].Kind = KindResolved

	h2, _ := b.History("inc", 0)
	if h2[0].Kind != KindPhaseChanged {
		t.Error("History exposed internal slice")
	}
}
