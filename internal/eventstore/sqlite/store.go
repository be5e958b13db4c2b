// Package sqlite provides a durable eventstore.Store backed by SQLite,
// opened through database/sql with modernc.org/sqlite (a pure-Go driver, no
// cgo) and queried with github.com/doug-martin/goqu/v9. The database runs in
// WAL mode with a single writer connection; schema creation is an idempotent
// CREATE TABLE IF NOT EXISTS, which covers the one table this store owns
// without pulling in a migration framework.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/eventv1"
)

const schema = `
CREATE TABLE IF NOT EXISTS denis_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT    NOT NULL,
	event_id        INTEGER NOT NULL,
	ts              TEXT    NOT NULL,
	trace_id        TEXT    NOT NULL DEFAULT '',
	type            TEXT    NOT NULL,
	severity        TEXT    NOT NULL,
	event_json      TEXT    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS denis_events_conv_event_id ON denis_events(conversation_id, event_id);
CREATE INDEX IF NOT EXISTS denis_events_conv_id ON denis_events(conversation_id, id);
`

// Store implements eventstore.Store against a SQLite database file.
type Store struct {
	db   *sql.DB
	goqu *goqu.Database

	table goqu.Expression

	// mu serializes Append; SQLite is single-writer and the append
	// read-max/insert/prune sequence must run as one logical transaction.
	mu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// mode, and ensures the denis_events table and indexes exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create denis_events schema: %w", err)
	}

	return &Store{
		db:    db,
		goqu:  goqu.New("sqlite3", db),
		table: goqu.T("denis_events"),
	}, nil
}

type eventRow struct {
	ConversationID string `db:"conversation_id"`
	EventID        int64  `db:"event_id"`
	TS             string `db:"ts"`
	TraceID        string `db:"trace_id"`
	Type           string `db:"type"`
	Severity       string `db:"severity"`
	EventJSON      string `db:"event_json"`
}

// Append assigns the next dense event_id for conversationID, inserts the
// event, then prunes rows older than the retention window. The read of
// max(event_id), the insert, and the prune run while holding mu so
// concurrent Append calls from the same process observe a consistent
// sequence; SQLite's single active connection serializes the statements
// themselves against any other process.
func (s *Store) Append(ctx context.Context, conversationID string, event eventv1.Envelope, retention int) (eventv1.Envelope, error) {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	if retention <= 0 {
		retention = eventstore.DefaultRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return eventv1.Envelope{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	maxQuery, _, err := s.goqu.From(s.table).
		Select(goqu.COALESCE(goqu.MAX("event_id"), 0)).
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return eventv1.Envelope{}, fmt.Errorf("build max event_id query: %w", err)
	}

	var maxEventID int64
	if err := tx.QueryRowContext(ctx, maxQuery).Scan(&maxEventID); err != nil {
		return eventv1.Envelope{}, fmt.Errorf("read max event_id: %w", err)
	}

	out := event.Clone()
	out.ConversationID = conversationID
	out.EventID = maxEventID + 1
	out.Stored = true

	payload, err := json.Marshal(out)
	if err != nil {
		return eventv1.Envelope{}, fmt.Errorf("marshal event: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.table).Rows(goqu.Record{
		"conversation_id": out.ConversationID,
		"event_id":        out.EventID,
		"ts":              out.TS,
		"trace_id":        out.TraceID,
		"type":            string(out.Type),
		"severity":        string(out.Severity),
		"event_json":      string(payload),
	}).ToSQL()
	if err != nil {
		return eventv1.Envelope{}, fmt.Errorf("build insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return eventv1.Envelope{}, fmt.Errorf("insert event: %w", err)
	}

	pruneQuery, _, err := s.goqu.Delete(s.table).
		Where(
			goqu.I("conversation_id").Eq(out.ConversationID),
			goqu.I("event_id").Lte(out.EventID-int64(retention)),
		).
		ToSQL()
	if err != nil {
		return eventv1.Envelope{}, fmt.Errorf("build prune query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, pruneQuery); err != nil {
		return eventv1.Envelope{}, fmt.Errorf("prune events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return eventv1.Envelope{}, fmt.Errorf("commit append tx: %w", err)
	}

	return out, nil
}

// QueryAfter implements eventstore.Store.
func (s *Store) QueryAfter(ctx context.Context, conversationID string, afterEventID int64) ([]eventv1.Envelope, error) {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}

	query, _, err := s.goqu.From(s.table).
		Select("conversation_id", "event_id", "ts", "trace_id", "type", "severity", "event_json").
		Where(
			goqu.I("conversation_id").Eq(conversationID),
			goqu.I("event_id").Gt(afterEventID),
		).
		Order(goqu.I("event_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query_after query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query_after: %w", err)
	}
	defer rows.Close()

	var out []eventv1.Envelope
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.ConversationID, &row.EventID, &row.TS, &row.TraceID, &row.Type, &row.Severity, &row.EventJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var env eventv1.Envelope
		if err := json.Unmarshal([]byte(row.EventJSON), &env); err != nil {
			return nil, fmt.Errorf("unmarshal event_json: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
