package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps crawl records, rate-limiter state and last-crawl stamps
// in a single SQLite database. The crawler is single-threaded by design, so
// the store holds one connection.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if err := ensureSQLiteDir(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Record(ctx context.Context, source, itemID string) (Record, bool, error) {
	if source == "" || itemID == "" {
		return Record{}, false, nil
	}
	var rec Record
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint, last_seen FROM crawl_records WHERE source = ? AND item_id = ?",
		source, itemID,
	).Scan(&rec.Fingerprint, &rec.LastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, source, itemID string, rec Record) error {
	if source == "" || itemID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_records (source, item_id, fingerprint, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, item_id) DO UPDATE SET fingerprint = excluded.fingerprint, last_seen = excluded.last_seen`,
		source, itemID, rec.Fingerprint, rec.LastSeen.UTC(),
	)
	return err
}

func (s *SQLiteStore) PutRecords(ctx context.Context, source string, recs map[string]Record) error {
	if source == "" || len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crawl_records (source, item_id, fingerprint, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, item_id) DO UPDATE SET fingerprint = excluded.fingerprint, last_seen = excluded.last_seen`,
	)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for id, rec := range recs {
		if id == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, source, id, rec.Fingerprint, rec.LastSeen.UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RateState(ctx context.Context) (RateState, bool, error) {
	var st RateState
	err := s.db.QueryRowContext(ctx,
		"SELECT window_start, window_requests, daily_requests, daily_reset_at, throttle_streak FROM rate_state WHERE id = 1",
	).Scan(&st.WindowStart, &st.WindowRequests, &st.DailyRequests, &st.DailyResetAt, &st.ThrottleStreak)
	if err != nil {
		if err == sql.ErrNoRows {
			return RateState{}, false, nil
		}
		return RateState{}, false, err
	}
	return st, true, nil
}

func (s *SQLiteStore) SaveRateState(ctx context.Context, st RateState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_state (id, window_start, window_requests, daily_requests, daily_reset_at, throttle_streak)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			window_start = excluded.window_start,
			window_requests = excluded.window_requests,
			daily_requests = excluded.daily_requests,
			daily_reset_at = excluded.daily_reset_at,
			throttle_streak = excluded.throttle_streak`,
		st.WindowStart.UTC(), st.WindowRequests, st.DailyRequests, st.DailyResetAt.UTC(), st.ThrottleStreak,
	)
	return err
}

func (s *SQLiteStore) LastCrawl(ctx context.Context, source string) (time.Time, bool, error) {
	if source == "" {
		return time.Time{}, false, nil
	}
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT crawled_at FROM last_crawl WHERE source = ?", source,
	).Scan(&at)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *SQLiteStore) SetLastCrawl(ctx context.Context, source string, at time.Time) error {
	if source == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_crawl (source, crawled_at) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET crawled_at = excluded.crawled_at`,
		source, at.UTC(),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS crawl_records (
			source TEXT NOT NULL,
			item_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			PRIMARY KEY (source, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS crawl_records_last_seen_idx ON crawl_records (last_seen)`,
		`CREATE TABLE IF NOT EXISTS rate_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			window_start TIMESTAMP NOT NULL,
			window_requests INTEGER NOT NULL,
			daily_requests INTEGER NOT NULL,
			daily_reset_at TIMESTAMP NOT NULL,
			throttle_streak INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS last_crawl (
			source TEXT PRIMARY KEY,
			crawled_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create statestore schema: %w", err)
		}
	}
	return nil
}

func ensureSQLiteDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") {
		dsn = strings.TrimPrefix(dsn, "file:")
		if idx := strings.IndexRune(dsn, '?'); idx >= 0 {
			dsn = dsn[:idx]
		}
	}
	if dsn == "" || dsn == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
