package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evidence_queue (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS capture_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	date_key         TEXT NOT NULL,
	captured_at      TIMESTAMP NOT NULL,
	keystrokes       INTEGER NOT NULL DEFAULT 0,
	mouse_clicks     INTEGER NOT NULL DEFAULT 0,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	synced           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_capture_history_date ON capture_history(date_key);
`

// SQLite is the default embedded backend: offline queue plus the local
// capture-history cache, in one database file that survives restarts.
type SQLite struct {
	db  *sql.DB
	log logger.Logger
}

// OpenSQLite opens (creating if needed) the queue database at path.
func OpenSQLite(path string, log logger.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	return &SQLite{db: db, log: log}, nil
}

// Enqueue implements evidence.Queue.
func (s *SQLite) Enqueue(ctx context.Context, rec *evidence.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal evidence record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence_queue (id, payload, created_at) VALUES (?, ?, ?)`,
		rec.ID, payload, rec.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert evidence record: %w", err)
	}
	return nil
}

// Flush implements Store.
func (s *SQLite) Flush(ctx context.Context, upload UploadFunc) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM evidence_queue ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return 0, fmt.Errorf("select queued records: %w", err)
	}

	type queued struct {
		id      string
		payload []byte
	}
	var pending []queued
	for rows.Next() {
		var q queued
		if err := rows.Scan(&q.id, &q.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan queued record: %w", err)
		}
		pending = append(pending, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate queued records: %w", err)
	}

	replayed := 0
	for _, q := range pending {
		var rec evidence.Record
		if err := json.Unmarshal(q.payload, &rec); err != nil {
			// A corrupt row would block the queue forever; drop it loudly.
			s.log.Error("dropping undecodable queued record",
				logger.String("record_id", q.id), logger.Error(err))
			if _, delErr := s.db.ExecContext(ctx, `DELETE FROM evidence_queue WHERE id = ?`, q.id); delErr != nil {
				return replayed, fmt.Errorf("delete corrupt record: %w", delErr)
			}
			continue
		}

		if err := uploadWithRetry(ctx, upload, &rec); err != nil {
			return replayed, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM evidence_queue WHERE id = ?`, q.id); err != nil {
			return replayed, fmt.Errorf("delete replayed record: %w", err)
		}
		if err := s.markSynced(ctx, rec.CapturedAt); err != nil {
			s.log.Warn("history sync-flag update failed", logger.Error(err))
		}
		replayed++
	}

	if replayed > 0 {
		s.log.Info("offline queue flushed", logger.Int("replayed", replayed))
	}
	return replayed, nil
}

// Depth implements Store.
func (s *SQLite) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued records: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// AddEntry implements evidence.History.
func (s *SQLite) AddEntry(ctx context.Context, entry evidence.HistoryEntry) error {
	synced := 0
	if entry.Synced {
		synced = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_history (date_key, captured_at, keystrokes, mouse_clicks, duration_seconds, synced)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.DateKey, entry.CapturedAt.UTC(), entry.Keystrokes, entry.MouseClicks, entry.DurationSeconds, synced)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// EntriesForDate returns the user-facing history for one calendar day,
// oldest first.
func (s *SQLite) EntriesForDate(ctx context.Context, dateKey string) ([]evidence.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_key, captured_at, keystrokes, mouse_clicks, duration_seconds, synced
		 FROM capture_history WHERE date_key = ? ORDER BY captured_at ASC`, dateKey)
	if err != nil {
		return nil, fmt.Errorf("select history entries: %w", err)
	}
	defer rows.Close()

	var entries []evidence.HistoryEntry
	for rows.Next() {
		var e evidence.HistoryEntry
		var capturedAt time.Time
		var synced int
		if err := rows.Scan(&e.DateKey, &capturedAt, &e.Keystrokes, &e.MouseClicks, &e.DurationSeconds, &synced); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.CapturedAt = capturedAt
		e.Synced = synced != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// markSynced flips the history row for a replayed capture to synced.
func (s *SQLite) markSynced(ctx context.Context, capturedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE capture_history SET synced = 1 WHERE captured_at = ?`, capturedAt.UTC())
	return err
}
