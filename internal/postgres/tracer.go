package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

// context keys for query metadata.
type ctxKey string

const (
	ctxKeyQuery     ctxKey = "pgx.query"
	ctxKeyOperation ctxKey = "warden.db.operation"
)

type queryObserverHolder struct{ QueryObserver }

// queryStart is what TraceQueryStart hands to TraceQueryEnd.
type queryStart struct {
	sql    string
	start  time.Time
	caller string
	origin string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration) {
	f(ctx, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithOperation labels the queries issued under ctx, e.g. "archive" or
// "report". Queries without a label fall back to the chi route pattern.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOperation, op)
}

func operationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOperation).(string); ok {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and an observer call for every query.
type queryTracer struct {
	inner  pgx.QueryTracer
	logger log.Logger
}

func wrapQueryTracer(inner pgx.QueryTracer, logger log.Logger) pgx.QueryTracer {
	if logger == nil {
		logger = log.Nop()
	}
	return queryTracer{inner: inner, logger: logger}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qs := queryStart{sql: data.SQL, start: time.Now()}
	qs.caller, qs.origin = findDBCaller()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	// Annotate the otelpgx span so the issuing code is visible on the DB span.
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if qs.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qs.caller))
		}
		if qs.origin != "" {
			span.SetAttributes(attribute.String("db.origin", qs.origin))
		}
	}

	return context.WithValue(ctx, ctxKeyQuery, qs)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// Inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qs, _ := ctx.Value(ctxKeyQuery).(queryStart)
	var dur time.Duration
	if !qs.start.IsZero() {
		dur = time.Since(qs.start)
	}

	op := operationFromContext(ctx)
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, op, outcome, dur)
	}

	fields := []any{
		"db.statement", compactSQL(qs.sql),
		"db.duration", dur.Seconds(),
		"db.operation", op,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if qs.caller != "" {
		fields = append(fields, "db.caller", qs.caller)
	}
	if qs.origin != "" {
		fields = append(fields, "db.origin", qs.origin)
	}

	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		t.logger.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	t.logger.Info(ctx, "db query", fields...)
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findDBCaller walks the stack to find:
//   - caller: the first warden function issuing the query
//   - origin: the next warden frame outside the storage packages
func findDBCaller() (caller, origin string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if strings.HasPrefix(fn, modulePrefix) && !strings.Contains(fn, "queryTracer.TraceQuery") {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStoragePackage(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			break
		}
	}
	return caller, origin
}

const modulePrefix = "github.com/linnemanlabs/warden/"

func isStoragePackage(fn string) bool {
	return strings.Contains(fn, "/internal/postgres.") || strings.Contains(fn, "/internal/archive/")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
