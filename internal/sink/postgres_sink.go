package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresSink is the compliance Writer backend: database/sql + the
// pgx stdlib driver, with a dynamically built multi-row INSERT rather
// than one round-trip per record.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens a pooled connection to connString.
func NewPostgresSink(connString string) (*PostgresSink, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("guard-agent: sink: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Close() error { return s.db.Close() }

// EnsureSchema creates the backing table if it does not already exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS delivered_batches (
	batch_id     text NOT NULL,
	project_id   text NOT NULL,
	queue        text NOT NULL,
	item_count   integer NOT NULL,
	delivered_at timestamptz NOT NULL,
	PRIMARY KEY (batch_id, queue)
)`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("guard-agent: sink: ensure schema: %w", err)
	}
	return nil
}

// WriteBatch bulk-inserts records in a single statement, following the
// teacher's dynamically-built placeholder-list idiom rather than one
// INSERT per record.
func (s *PostgresSink) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	const numFields = 5
	placeholders := make([]string, 0, len(records))
	vals := make([]any, 0, len(records)*numFields)

	for i, r := range records {
		p := i * numFields
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5))
		vals = append(vals, r.BatchID, r.ProjectID, r.Queue, r.ItemCount, r.DeliveredAt)
	}

	query := fmt.Sprintf(
		`INSERT INTO delivered_batches (batch_id, project_id, queue, item_count, delivered_at)
VALUES %s ON CONFLICT (batch_id, queue) DO NOTHING`,
		strings.Join(placeholders, ","),
	)

	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("guard-agent: sink: write batch: %w", err)
	}
	return nil
}
