package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/warden/internal/archive/pgarchive.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgarchive.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsStoragePackage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"github.com/linnemanlabs/warden/internal/archive/pgarchive.(*Store).OnTerminal", true},
		{"github.com/linnemanlabs/warden/internal/postgres.NewPool", true},
		{"github.com/linnemanlabs/warden/internal/incidentapi.(*API).handleReport", false},
		{"github.com/linnemanlabs/warden/internal/orchestrator.(*Orchestrator).notifySinks.func1", false},
	}
	for _, tt := range tests {
		if got := isStoragePackage(tt.fn); got != tt.want {
			t.Errorf("isStoragePackage(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestOperationFromContext(t *testing.T) {
	t.Parallel()

	routed := chi.NewRouteContext()
	routed.RoutePatterns = []string{"/api/v1/incidents/{id}"}
	routeCtx := context.WithValue(context.Background(), chi.RouteCtxKey, routed)

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"labelled", WithOperation(context.Background(), "archive"), "archive"},
		{"empty label ignored", WithOperation(context.Background(), ""), "unknown"},
		{"route fallback", routeCtx, "/api/v1/incidents/{id}"},
		{"label beats route", WithOperation(routeCtx, "report"), "report"},
		{"bare", context.Background(), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := operationFromContext(tt.ctx); got != tt.want {
				t.Errorf("operationFromContext = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	in := "SELECT id,\n\t\tphase\n  FROM incidents\n WHERE id = $1"
	if got, want := compactSQL(in), "SELECT id, phase FROM incidents WHERE id = $1"; got != want {
		t.Errorf("compactSQL = %q, want %q", got, want)
	}
}

// Not parallel: swaps the global query observer.
func TestTraceQuery_ObservesOutcome(t *testing.T) {
	defer SetQueryObserver(nil)

	type observation struct {
		op, outcome string
		dur         time.Duration
	}
	var got []observation
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, op, outcome string, dur time.Duration) {
		got = append(got, observation{op, outcome, dur})
	}))

	tr := wrapQueryTracer(nil, log.Nop())
	ctx := WithOperation(context.Background(), "archive")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	qs, ok := qctx.Value(ctxKeyQuery).(queryStart)
	if !ok {
		t.Fatal("query start not stored in context")
	}
	if !strings.HasPrefix(qs.caller, "TestTraceQuery_ObservesOutcome") {
		t.Errorf("caller = %q, want the test function", qs.caller)
	}
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 2"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0].op != "archive" || got[0].outcome != "ok" || got[0].dur < time.Millisecond {
		t.Errorf("first observation = %+v", got[0])
	}
	if got[1].outcome != "error" {
		t.Errorf("second outcome = %q, want error", got[1].outcome)
	}
}

// Not parallel: swaps the global query observer.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "archive", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
