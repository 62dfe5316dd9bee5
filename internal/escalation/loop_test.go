package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
)

// fakeState is an in-memory State. preemptAt makes Preempted report true
// from the given boundary check onward (1-based); 0 never preempts.
type fakeState struct {
	mu         sync.Mutex
	level      incident.EscalationLevel
	attempts   []incident.RemediationAttempt
	kinds      []events.Kind
	checks     int
	preemptAt  int
	preempted  bool
	refuseKind events.Kind
}

func newFakeState() *fakeState { return &fakeState{level: incident.LevelAuto} }

func (s *fakeState) Emit(_ context.Context, kind events.Kind, _ any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preempted || kind == s.refuseKind {
		s.preempted = true
		return false
	}
	s.kinds = append(s.kinds, kind)
	return true
}

func (s *fakeState) Context() incident.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return incident.Context{IncidentID: "inc-1", Level: s.level}
}

func (s *fakeState) Preempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.preemptAt > 0 && s.checks >= s.preemptAt {
		s.preempted = true
	}
	return s.preempted
}

func (s *fakeState) Record(_ context.Context, a incident.RemediationAttempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preempted {
		return false
	}
	s.attempts = append(s.attempts, a)
	if a.Verified != nil {
		s.kinds = append(s.kinds, events.KindVerificationOutcome)
	}
	return true
}

func (s *fakeState) Escalate(_ context.Context, _ string) (incident.EscalationLevel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preempted {
		return s.level, false
	}
	s.level++
	s.kinds = append(s.kinds, events.KindEscalated)
	return s.level, true
}

func (s *fakeState) count(kind events.Kind) int {
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

var restartPolicy = PolicyFunc(func(_ context.Context, _ incident.Context, level incident.EscalationLevel) (Action, error) {
	return Action{ID: "restart_service", RunbookID: "RB-00" + level.String()[1:2]}, nil
})

var okExecutor = ExecutorFunc(func(context.Context, incident.Context, Action) (ActionResult, error) {
	return ActionResult{Success: true, Output: "done"}, nil
})

// verifySequence returns a verifier that reports results[i] on call i.
func verifySequence(results ...bool) (Verifier, *int) {
	var mu sync.Mutex
	calls := 0
	return VerifierFunc(func(context.Context, incident.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > len(results) {
			return false, nil
		}
		return results[calls-1], nil
	}), &calls
}

func newTestLoop(t *testing.T, p Policy, e Executor, v Verifier) *Loop {
	t.Helper()
	l, err := NewLoop(DefaultConfig(), p, e, v, log.Nop())
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l
}

func TestRun_ExhaustedAfterMaxIterations(t *testing.T) {
	t.Parallel()

	v, calls := verifySequence(false, false, false)
	st := newFakeState()

	got := newTestLoop(t, restartPolicy, okExecutor, v).Run(context.Background(), st)
	if got != OutcomeExhausted {
		t.Fatalf("outcome = %q, want %q", got, OutcomeExhausted)
	}
	if len(st.attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(st.attempts))
	}
	if n := st.count(events.KindVerificationOutcome); n != 3 {
		t.Errorf("VerificationOutcome events = %d, want 3", n)
	}
	if n := st.count(events.KindLoopIterationStart); n != 3 {
		t.Errorf("LoopIterationStart events = %d, want 3", n)
	}
	if *calls != 3 {
		t.Errorf("verify calls = %d, want 3", *calls)
	}
	if st.level != incident.LevelManagement {
		t.Errorf("level = %v, want %v", st.level, incident.LevelManagement)
	}
	for i, a := range st.attempts {
		if a.Iteration != i+1 {
			t.Errorf("attempt[%d].Iteration = %d, want %d", i, a.Iteration, i+1)
		}
		if a.Level != incident.EscalationLevel(i+1) {
			t.Errorf("attempt[%d].Level = %v, want L%d", i, a.Level, i+1)
		}
	}
}

func TestRun_ResolvedOnSecondIteration(t *testing.T) {
	t.Parallel()

	v, calls := verifySequence(false, true, true)
	st := newFakeState()

	got := newTestLoop(t, restartPolicy, okExecutor, v).Run(context.Background(), st)
	if got != OutcomeResolved {
		t.Fatalf("outcome = %q, want %q", got, OutcomeResolved)
	}
	if len(st.attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(st.attempts))
	}
	if n := st.count(events.KindLoopIterationStart); n != 2 {
		t.Errorf("iterations started = %d, want 2", n)
	}
	if *calls != 2 {
		t.Errorf("verify calls = %d, want 2", *calls)
	}
	if !*st.attempts[1].Verified {
		t.Error("second attempt not marked verified")
	}
}

func TestRun_CeilingEndsLoopEarly(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxIterations = 5
	cfg.MaxLevel = incident.LevelOnCall
	v, _ := verifySequence()
	l, err := NewLoop(cfg, restartPolicy, okExecutor, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := newFakeState()

	if got := l.Run(context.Background(), st); got != OutcomeExhausted {
		t.Fatalf("outcome = %q, want exhausted", got)
	}
	// L1 -> L2 stays within the ceiling, L2 -> L3 exceeds it.
	if len(st.attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(st.attempts))
	}
}

func TestRun_RemediationErrorEscalatesWithoutVerify(t *testing.T) {
	t.Parallel()

	var execCalls int
	exec := ExecutorFunc(func(context.Context, incident.Context, Action) (ActionResult, error) {
		execCalls++
		if execCalls == 1 {
			return ActionResult{}, errors.New("kubectl: connection refused")
		}
		return ActionResult{Success: true}, nil
	})
	v, verifyCalls := verifySequence(true)
	st := newFakeState()

	got := newTestLoop(t, restartPolicy, exec, v).Run(context.Background(), st)
	if got != OutcomeResolved {
		t.Fatalf("outcome = %q, want resolved", got)
	}
	if len(st.attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(st.attempts))
	}
	first := st.attempts[0]
	if first.Success || first.Error == "" || first.Verified != nil {
		t.Errorf("first attempt = %+v, want failed with error and no verification", first)
	}
	if *verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1", *verifyCalls)
	}
}

func TestRun_PolicyErrorIsRecorded(t *testing.T) {
	t.Parallel()

	p := PolicyFunc(func(context.Context, incident.Context, incident.EscalationLevel) (Action, error) {
		return Action{}, errors.New("no runbook matches")
	})
	v, calls := verifySequence()
	st := newFakeState()

	if got := newTestLoop(t, p, okExecutor, v).Run(context.Background(), st); got != OutcomeExhausted {
		t.Fatalf("outcome = %q, want exhausted", got)
	}
	if len(st.attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(st.attempts))
	}
	if *calls != 0 {
		t.Errorf("verify calls = %d, want 0", *calls)
	}
}

func TestRun_PreemptedAtBoundary(t *testing.T) {
	t.Parallel()

	v, _ := verifySequence(false, false, false)
	st := newFakeState()
	st.preemptAt = 2 // second boundary check, i.e. top of iteration 2

	got := newTestLoop(t, restartPolicy, okExecutor, v).Run(context.Background(), st)
	if got != OutcomeAborted {
		t.Fatalf("outcome = %q, want aborted", got)
	}
	if len(st.attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (in-flight iteration completes)", len(st.attempts))
	}
}

func TestRun_SignalBeforeVerificationRecordedWins(t *testing.T) {
	t.Parallel()

	// The manual resolve lands while verification is in flight: the
	// healthy verification result cannot be recorded, so Aborted wins.
	st := newFakeState()
	v := VerifierFunc(func(context.Context, incident.Context) (bool, error) {
		st.mu.Lock()
		st.preempted = true
		st.mu.Unlock()
		return true, nil
	})

	got := newTestLoop(t, restartPolicy, okExecutor, v).Run(context.Background(), st)
	if got != OutcomeAborted {
		t.Fatalf("outcome = %q, want aborted", got)
	}
	if len(st.attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(st.attempts))
	}
}

func TestRun_ActionTimeoutBounded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	cfg.ActionTimeout = 20 * time.Millisecond
	slow := ExecutorFunc(func(ctx context.Context, _ incident.Context, _ Action) (ActionResult, error) {
		<-ctx.Done()
		return ActionResult{}, ctx.Err()
	})
	v, _ := verifySequence()
	l, _ := NewLoop(cfg, restartPolicy, slow, v, nil)
	st := newFakeState()

	if got := l.Run(context.Background(), st); got != OutcomeExhausted {
		t.Fatalf("outcome = %q, want exhausted", got)
	}
	if st.attempts[0].Error == "" {
		t.Error("timed out action recorded without error")
	}
}

func TestNewLoop_Configuration(t *testing.T) {
	t.Parallel()

	v, _ := verifySequence()
	bad := []Config{
		{MaxIterations: 0, MaxLevel: 4, ActionTimeout: time.Second, CallTimeout: time.Second},
		{MaxIterations: 3, MaxLevel: 0, ActionTimeout: time.Second, CallTimeout: time.Second},
		{MaxIterations: 3, MaxLevel: 4, ActionTimeout: 0, CallTimeout: time.Second},
		{MaxIterations: 3, MaxLevel: 4, ActionTimeout: time.Second, CallTimeout: -1},
	}
	for i, cfg := range bad {
		if _, err := NewLoop(cfg, restartPolicy, okExecutor, v, nil); !errors.Is(err, incident.ErrConfiguration) {
			t.Errorf("config %d: err = %v, want ErrConfiguration", i, err)
		}
	}
	if _, err := NewLoop(DefaultConfig(), nil, okExecutor, v, nil); !errors.Is(err, incident.ErrConfiguration) {
		t.Errorf("nil policy: err = %v, want ErrConfiguration", err)
	}
}
