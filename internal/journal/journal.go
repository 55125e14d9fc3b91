// Package journal keeps an append-only log of the canonical events received
// for each workflow in a libSQL database, so a session's state can be rebuilt
// after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Entry is one journaled event.
type Entry struct {
	WorkflowID string       `json:"workflow_id"`
	Sequence   int64        `json:"sequence"`
	Event      schema.Event `json:"event"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Summary describes the journal of one workflow.
type Summary struct {
	WorkflowID string    `json:"workflow_id"`
	Events     int64     `json:"events"`
	LastType   string    `json:"last_type"`
	LastAt     time.Time `json:"last_at"`
}

// Journal is a libSQL-backed event journal. Safe for concurrent use.
type Journal struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the journal at dsn, e.g. "file:/path/journal.db",
// and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open journal").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, schema.NewError(schema.ErrCodeStore, "migrate journal").WithCause(err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Append records ev as the next event of workflowID and returns its sequence.
func (j *Journal) Append(ctx context.Context, workflowID string, ev schema.Event) (int64, error) {
	if workflowID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, workflowID,
	).Scan(&seq); err != nil {
		return 0, storeErr("next sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, sequence, event_type, raw_type, payload, event_timestamp, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workflowID, seq, ev.Type, nullStr(ev.RawType), nullRaw(ev.Data), nullStr(ev.Timestamp),
		schema.FormatTimestamp(j.now()),
	); err != nil {
		return 0, storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit event", err)
	}
	return seq, nil
}

// Events returns the events of workflowID with sequence > since, in order.
func (j *Journal) Events(ctx context.Context, workflowID string, since int64) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, event_type, raw_type, payload, event_timestamp, recorded_at
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			rawType, payload, ts sql.NullString
			recorded             string
		)
		if err := rows.Scan(&e.Sequence, &e.Event.Type, &rawType, &payload, &ts, &recorded); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.WorkflowID = workflowID
		e.Event.RawType = rawType.String
		if payload.Valid && payload.String != "" {
			e.Event.Data = json.RawMessage(payload.String)
		}
		e.Event.Timestamp = ts.String
		e.RecordedAt, _ = schema.ParseTimestamp(recorded)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate events", err)
	}
	return out, nil
}

// Workflows lists every journaled workflow, most recently active first.
func (j *Journal) Workflows(ctx context.Context) ([]Summary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT e.workflow_id, c.n, e.event_type, e.recorded_at
		 FROM events e
		 JOIN (SELECT workflow_id, COUNT(*) AS n, MAX(sequence) AS last FROM events GROUP BY workflow_id) c
		   ON c.workflow_id = e.workflow_id AND c.last = e.sequence
		 ORDER BY e.recorded_at DESC`)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var recorded string
		if err := rows.Scan(&s.WorkflowID, &s.Events, &s.LastType, &recorded); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		s.LastAt, _ = schema.ParseTimestamp(recorded)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate workflows", err)
	}
	return out, nil
}

// Delete removes the journal of workflowID.
func (j *Journal) Delete(ctx context.Context, workflowID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, workflowID); err != nil {
		return storeErr("delete events", err)
	}
	return nil
}

// Replay rebuilds the reduced state of workflowID from its journal.
// A gap in the sequence is reported rather than silently reduced around.
func (j *Journal) Replay(ctx context.Context, p *steps.Pipeline, workflowID string) (steps.State, error) {
	entries, err := j.Events(ctx, workflowID, 0)
	if err != nil {
		return steps.State{}, err
	}
	if len(entries) == 0 {
		return steps.State{}, schema.NewErrorf(schema.ErrCodeNotFound, "no journal for workflow %s", workflowID)
	}
	events := make([]schema.Event, len(entries))
	for i, e := range entries {
		if want := int64(i + 1); e.Sequence != want {
			return steps.State{}, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, want, e.Sequence)
		}
		events[i] = e.Event
	}
	return steps.Replay(p, events), nil
}

// Record subscribes to every event of d and appends it under workflowID.
// Heartbeat pongs are skipped. The returned func stops recording.
func (j *Journal) Record(d *dispatch.Dispatcher, workflowID string, logger *slog.Logger) func() {
	logger = logging.OrDefault(logger)
	id := d.SubscribeAll(func(ctx context.Context, ev schema.Event) {
		if ev.Type == schema.EventPong {
			return
		}
		if _, err := j.Append(context.WithoutCancel(ctx), workflowID, ev); err != nil {
			logging.LogWith(ctx, logger).Warn("journal append failed", slog.String("error", err.Error()))
		}
	})
	return func() { d.Unsubscribe(dispatch.AllEvents, id) }
}

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("journal: %s", op)).WithCause(err)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
