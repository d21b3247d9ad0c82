package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/pool"
	_ "github.com/mattn/go-sqlite3"
)

// Storage is the run journal. It only ever exports counters; nothing is
// read back into a live pool.
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		concurrency INTEGER NOT NULL,
		max_cooldown INTEGER NOT NULL,
		passes INTEGER NOT NULL DEFAULT 0,
		links INTEGER NOT NULL,
		proxies INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		termination_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS link_stats (
		run_id TEXT NOT NULL,
		link_index INTEGER NOT NULL,
		url TEXT NOT NULL,
		hits INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		last_error TEXT,
		PRIMARY KEY (run_id, link_index),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE TABLE IF NOT EXISTS proxy_stats (
		run_id TEXT NOT NULL,
		proxy_index INTEGER NOT NULL,
		address TEXT NOT NULL,
		hits INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		PRIMARY KEY (run_id, proxy_index),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records the start of a run
func (s *Storage) BeginRun(run Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, strategy, concurrency, max_cooldown, passes, links, proxies, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Strategy, run.Concurrency, run.MaxCooldown, run.Passes, run.Links, run.Proxies, run.StartedAt.UTC())

	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the counters of every link and proxy of a run
func (s *Storage) SaveSnapshot(runID string, snap pool.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	linkStmt, err := tx.Prepare(`
		INSERT INTO link_stats (run_id, link_index, url, hits, errors, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, link_index) DO UPDATE SET
			hits = EXCLUDED.hits,
			errors = EXCLUDED.errors,
			last_error = EXCLUDED.last_error
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare link upsert: %w", err)
	}
	defer linkStmt.Close()

	for _, l := range snap.Links {
		if _, err := linkStmt.Exec(runID, l.Index, l.URL, int64(l.Hits), int64(l.Errors), l.LastError); err != nil {
			return fmt.Errorf("failed to upsert link %d: %w", l.Index, err)
		}
	}

	proxyStmt, err := tx.Prepare(`
		INSERT INTO proxy_stats (run_id, proxy_index, address, hits, errors)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, proxy_index) DO UPDATE SET
			hits = EXCLUDED.hits,
			errors = EXCLUDED.errors
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare proxy upsert: %w", err)
	}
	defer proxyStmt.Close()

	for _, px := range snap.Proxies {
		if _, err := proxyStmt.Exec(runID, px.Index, px.Address, int64(px.Hits), int64(px.Errors)); err != nil {
			return fmt.Errorf("failed to upsert proxy %d: %w", px.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// FinishRun stamps the end of a run
func (s *Storage) FinishRun(runID, reason string, finishedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, termination_reason = ? WHERE run_id = ?
	`, finishedAt.UTC(), reason, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun retrieves a run by ID, returns nil if not found
func (s *Storage) GetRun(runID string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	var reason sql.NullString

	err := s.db.QueryRow(`
		SELECT run_id, strategy, concurrency, max_cooldown, passes, links, proxies, started_at, finished_at, termination_reason
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Strategy, &run.Concurrency, &run.MaxCooldown, &run.Passes,
		&run.Links, &run.Proxies, &run.StartedAt, &finished, &reason)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.TerminationReason = reason.String
	return &run, nil
}

// LatestRunID returns the most recently started run, or "" for an empty journal
func (s *Storage) LatestRunID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest run: %w", err)
	}
	return id, nil
}

// LoadLinkStats returns the exported link counters of a run in index order
func (s *Storage) LoadLinkStats(runID string) ([]LinkStat, error) {
	rows, err := s.db.Query(`
		SELECT run_id, link_index, url, hits, errors, COALESCE(last_error, '')
		FROM link_stats
		WHERE run_id = ?
		ORDER BY link_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link stats: %w", err)
	}
	defer rows.Close()

	var stats []LinkStat
	for rows.Next() {
		var st LinkStat
		var hits, errs int64
		if err := rows.Scan(&st.RunID, &st.LinkIndex, &st.URL, &hits, &errs, &st.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan link stat: %w", err)
		}
		st.Hits, st.Errors = uint64(hits), uint64(errs)
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link stats: %w", err)
	}
	return stats, nil
}

// LoadProxyStats returns the exported proxy counters of a run in index order
func (s *Storage) LoadProxyStats(runID string) ([]ProxyStat, error) {
	rows, err := s.db.Query(`
		SELECT run_id, proxy_index, address, hits, errors
		FROM proxy_stats
		WHERE run_id = ?
		ORDER BY proxy_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy stats: %w", err)
	}
	defer rows.Close()

	var stats []ProxyStat
	for rows.Next() {
		var st ProxyStat
		var hits, errs int64
		if err := rows.Scan(&st.RunID, &st.ProxyIndex, &st.Address, &hits, &errs); err != nil {
			return nil, fmt.Errorf("failed to scan proxy stat: %w", err)
		}
		st.Hits, st.Errors = uint64(hits), uint64(errs)
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxy stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
