// Package pgarchive persists terminal incidents and their timelines in
// PostgreSQL so reports outlive the in-memory registry.
package pgarchive

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
	"github.com/linnemanlabs/warden/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/archive/pgarchive")

//go:embed schema.sql
var schema string

// Store archives terminal incidents. It implements orchestrator.Sink.
type Store struct {
	pool *pgxpool.Pool
}

var _ orchestrator.Sink = (*Store)(nil)

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string, logger log.Logger) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(postgres.WithOperation(ctx, "migrate"), schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Name implements orchestrator.Sink.
func (s *Store) Name() string { return "pgarchive" }

// OnTerminal implements orchestrator.Sink. A reopened incident that closes
// again overwrites its row and appends the new events; events already
// archived are left alone.
func (s *Store) OnTerminal(ctx context.Context, inc *incident.Incident, history []events.Event) error {
	ctx = postgres.WithOperation(ctx, "archive")
	ctx, span := tracer.Start(ctx, "pgarchive.Archive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("warden.incident.id", inc.ID),
		attribute.Int("warden.events", len(history)),
	))
	defer span.End()

	if err := s.archive(ctx, orchestrator.BuildReport(inc, history), history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) archive(ctx context.Context, rep *orchestrator.Report, history []events.Event) error {
	inc := rep.Incident
	record, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	closedAt := inc.UpdatedAt
	if inc.Resolution != nil {
		closedAt = inc.Resolution.At
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO incidents (
		id, service, title, phase, severity, category, escalation_level,
		attempts, reopens, summary, record, created_at, closed_at, duration_s
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		phase            = EXCLUDED.phase,
		severity         = EXCLUDED.severity,
		category         = EXCLUDED.category,
		escalation_level = EXCLUDED.escalation_level,
		attempts         = EXCLUDED.attempts,
		reopens          = EXCLUDED.reopens,
		summary          = EXCLUDED.summary,
		record           = EXCLUDED.record,
		closed_at        = EXCLUDED.closed_at,
		duration_s       = EXCLUDED.duration_s`,
		inc.ID, inc.Alert.Service, inc.Alert.Title, string(inc.Phase), string(inc.Severity), inc.Category,
		int(inc.Level), len(inc.Attempts), inc.Reopens, rep.Summary, record, inc.CreatedAt, closedAt,
		rep.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}

	batch := &pgx.Batch{}
	for i, ev := range history {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		batch.Queue(`INSERT INTO incident_events (incident_id, seq, kind, summary, payload, at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (incident_id, seq) DO NOTHING`,
			inc.ID, int64(ev.Seq), string(ev.Kind), rep.Timeline[i].Summary, payload, ev.At,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads an archived incident report. It returns (nil, false, nil)
// when the incident was never archived.
func (s *Store) Get(ctx context.Context, id string) (*orchestrator.Report, bool, error) {
	ctx = postgres.WithOperation(ctx, "report")
	ctx, span := tracer.Start(ctx, "pgarchive.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("warden.incident.id", id),
	))
	defer span.End()

	rep, err := s.get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return rep, rep != nil, nil
}

func (s *Store) get(ctx context.Context, id string) (*orchestrator.Report, error) {
	var (
		record    []byte
		summary   string
		durationS float64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT record, summary, duration_s FROM incidents WHERE id = $1`, id,
	).Scan(&record, &summary, &durationS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	var inc incident.Incident
	if err := json.Unmarshal(record, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, summary, at FROM incident_events WHERE incident_id = $1 ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	timeline := []orchestrator.TimelineEntry{}
	for rows.Next() {
		var (
			seq  int64
			kind string
			e    orchestrator.TimelineEntry
		)
		if err := rows.Scan(&seq, &kind, &e.Summary, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq) //nolint:gosec // G115: seq is written from a uint64 and never negative
		e.Kind = events.Kind(kind)
		timeline = append(timeline, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return &orchestrator.Report{
		Incident:        &inc,
		Summary:         summary,
		DurationSeconds: durationS,
		Timeline:        timeline,
	}, nil
}

// Purge deletes incidents closed before cutoff and returns how many rows went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = postgres.WithOperation(ctx, "purge")
	ctx, span := tracer.Start(ctx, "pgarchive.Purge", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE closed_at < $1`, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
