// Package pgstore provides a PostgreSQL implementation of incident.Store.
//
// Each incident is one row: the full record as JSONB plus the columns the
// list queries filter and sort on. Mutations run read-modify-write inside a
// transaction holding the row lock, applying the same incident methods the
// in-memory store uses.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/commander/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create validates the alert and inserts a new open incident.
func (s *Store) Create(ctx context.Context, al *alert.Alert) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	defer span.End()

	inc, err := incident.New(incident.NewID(), al, s.now().UTC())
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("incident.id", inc.ID))

	doc, err := json.Marshal(inc)
	if err != nil {
		return nil, fail(span, fmt.Errorf("marshal incident: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO incidents (id, status, alert_type, severity, created_at, updated_at, resolved_at, closed_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, NULL, $7)`,
		inc.ID, string(inc.Status), inc.Alert.Type, inc.Alert.Severity, inc.CreatedAt, inc.UpdatedAt, doc,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert incident: %w", err))
	}
	return inc, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT doc FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// ApplyStageResult attaches a stage result under the row lock.
func (s *Store) ApplyStageResult(ctx context.Context, id string, res *incident.StageResult) (*incident.Incident, error) {
	return s.mutate(ctx, "ApplyStageResult", id, func(inc *incident.Incident, now time.Time) error {
		return inc.Apply(res, now)
	})
}

// RecordFailure stores the latest stage failure on the incident.
func (s *Store) RecordFailure(ctx context.Context, id string, stage incident.Stage, msg string) (*incident.Incident, error) {
	return s.mutate(ctx, "RecordFailure", id, func(inc *incident.Incident, now time.Time) error {
		inc.RecordFailure(stage, msg, now)
		return nil
	})
}

// Resolve forces resolution.
func (s *Store) Resolve(ctx context.Context, id string, at time.Time) (*incident.Incident, error) {
	return s.mutate(ctx, "Resolve", id, func(inc *incident.Incident, _ time.Time) error {
		return inc.ForceResolve(at.UTC())
	})
}

// Close closes a resolved incident.
func (s *Store) Close(ctx context.Context, id string, at time.Time) (*incident.Incident, error) {
	return s.mutate(ctx, "Close", id, func(inc *incident.Incident, _ time.Time) error {
		return inc.Close(at.UTC())
	})
}

// ListActive returns open, analyzing and resolving incidents, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	return s.list(ctx, "ListActive",
		`SELECT doc FROM incidents WHERE status IN ('open', 'analyzing', 'resolving') ORDER BY created_at ASC, id ASC`)
}

// ListCompleted returns resolved and closed incidents, newest first.
func (s *Store) ListCompleted(ctx context.Context) ([]*incident.Incident, error) {
	return s.list(ctx, "ListCompleted",
		`SELECT doc FROM incidents WHERE status IN ('resolved', 'closed') ORDER BY created_at DESC, id DESC`)
}

// Reset removes every incident.
func (s *Store) Reset(ctx context.Context) error {
	ctx, span := startSpan(ctx, "Reset", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM incidents`); err != nil {
		return fail(span, fmt.Errorf("delete incidents: %w", err))
	}
	return nil
}

// mutate loads the row FOR UPDATE, applies fn and writes the result back in
// the same transaction. A rejected mutation rolls back untouched.
func (s *Store) mutate(ctx context.Context, name, id string, fn func(*incident.Incident, time.Time) error) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, name, "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	inc, err := scanIncident(tx.QueryRow(ctx, `SELECT doc FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	if inc == nil {
		return nil, fail(span, fmt.Errorf("%w: %s", incident.ErrNotFound, id))
	}

	if err := fn(inc, s.now().UTC()); err != nil {
		return nil, fail(span, err)
	}

	if err := update(ctx, tx, inc); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return inc, nil
}

func update(ctx context.Context, tx pgx.Tx, inc *incident.Incident) error {
	doc, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE incidents
		 SET status = $2, updated_at = $3, resolved_at = $4, closed_at = $5, doc = $6
		 WHERE id = $1`,
		inc.ID, string(inc.Status), inc.UpdatedAt, inc.ResolvedAt, inc.ClosedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update incident %s: %d rows affected", inc.ID, tag.RowsAffected())
	}
	return nil
}

func (s *Store) list(ctx context.Context, name, query string) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, name, "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	out := []*incident.Incident{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fail(span, fmt.Errorf("scan incident: %w", err))
		}
		inc, err := decode(doc)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// scanIncident returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	return decode(doc)
}

func decode(doc []byte) (*incident.Incident, error) {
	var inc incident.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	if inc.Timeline == nil {
		inc.Timeline = []incident.TimelineEntry{}
	}
	return &inc, nil
}
