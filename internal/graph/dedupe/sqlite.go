package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS gml_mutations (
	mutation_id TEXT PRIMARY KEY,
	ts          TEXT NOT NULL
);
`

// SQLite is a Store backed by the gml_mutations table, sharing the same
// connection conventions as the event store (WAL, single writer).
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database
}

// OpenSQLite opens (creating if absent) the dedupe database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("dedupe: database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dedupe database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create gml_mutations schema: %w", err)
	}

	return &SQLite{db: db, goqu: goqu.New("sqlite3", db)}, nil
}

// Acquire implements Store. The primary-key constraint on mutation_id makes
// the insert the atomic acquire; a constraint violation means the mutation
// was already recorded.
func (s *SQLite) Acquire(ctx context.Context, mutationID string) bool {
	query, _, err := s.goqu.Insert(goqu.T("gml_mutations")).Rows(goqu.Record{
		"mutation_id": mutationID,
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
	}).ToSQL()
	if err != nil {
		return true
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return false
		}
		// Dedupe store failure: allow the mutation, graph MERGEs keep
		// replays safe.
		return true
	}
	return true
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
