package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/smedrec/smart-logs-go/audit"
)

// PostgresStore persists dead letter entries in Postgres. The original
// event travels as a JSON column so the full payload survives schema
// evolution; the columns the maintenance loop and metrics query on are
// broken out for indexing.
//
// Expected schema:
//
//	CREATE TABLE dead_letter_entries (
//	    id              UUID PRIMARY KEY,
//	    event_id        UUID NOT NULL UNIQUE,
//	    event           JSONB NOT NULL,
//	    failure_reason  TEXT NOT NULL,
//	    failure_count   INT NOT NULL,
//	    first_failed_at TIMESTAMPTZ NOT NULL,
//	    last_failed_at  TIMESTAMPTZ NOT NULL,
//	    source_queue    TEXT NOT NULL DEFAULT '',
//	    retry_history   JSONB NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    archived_at     TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Add(ctx context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	historyJSON, err := json.Marshal(entry.RetryHistory)
	if err != nil {
		return fmt.Errorf("marshal retry history: %w", err)
	}

	query := `
		INSERT INTO dead_letter_entries (
			id, event_id, event, failure_reason, failure_count,
			first_failed_at, last_failed_at, source_queue, retry_history, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Event.ID,
		eventJSON,
		entry.FailureReason,
		entry.FailureCount,
		entry.FirstFailedAt,
		entry.LastFailedAt,
		entry.SourceQueue,
		historyJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert dead letter entry: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*Entry, error) {
	query := `
		SELECT id, event, failure_reason, failure_count,
		       first_failed_at, last_failed_at, source_queue, retry_history,
		       created_at, archived_at
		FROM dead_letter_entries
		WHERE event_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, eventID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]*Entry, error) {
	query := `
		SELECT id, event, failure_reason, failure_count,
		       first_failed_at, last_failed_at, source_queue, retry_history,
		       created_at, archived_at
		FROM dead_letter_entries
		WHERE archived_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending dead letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Delete(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letter_entries WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET archived_at = NOW()
		WHERE archived_at IS NULL AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive dead letter entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive dead letter entries: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letter_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired dead letter entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired dead letter entries: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW())),
		       MIN(created_at),
		       MAX(created_at)
		FROM dead_letter_entries
	`)

	var oldest, newest sql.NullTime
	if err := row.Scan(&m.TotalEntries, &m.CreatedToday, &oldest, &newest); err != nil {
		return m, fmt.Errorf("aggregate dead letter metrics: %w", err)
	}
	if oldest.Valid {
		m.OldestEntry = &oldest.Time
	}
	if newest.Valid {
		m.NewestEntry = &newest.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT failure_reason, COUNT(*) AS n
		FROM dead_letter_entries
		GROUP BY failure_reason
		ORDER BY n DESC, failure_reason ASC
		LIMIT 5
	`)
	if err != nil {
		return m, fmt.Errorf("aggregate failure reasons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return m, fmt.Errorf("scan failure reason: %w", err)
		}
		m.TopReasons = append(m.TopReasons, rc)
	}
	if err := rows.Err(); err != nil {
		return m, fmt.Errorf("iterate failure reasons: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry       Entry
		eventJSON   []byte
		historyJSON []byte
		archivedAt  sql.NullTime
	)

	err := row.Scan(
		&entry.ID,
		&eventJSON,
		&entry.FailureReason,
		&entry.FailureCount,
		&entry.FirstFailedAt,
		&entry.LastFailedAt,
		&entry.SourceQueue,
		&historyJSON,
		&entry.CreatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Event = &audit.Event{}
	if err := json.Unmarshal(eventJSON, entry.Event); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter event: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &entry.RetryHistory); err != nil {
		return nil, fmt.Errorf("unmarshal retry history: %w", err)
	}
	if archivedAt.Valid {
		entry.ArchivedAt = &archivedAt.Time
	}
	return &entry, nil
}
