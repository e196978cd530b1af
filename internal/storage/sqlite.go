package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TimeLayout is the timestamp format used for all persisted UTC timestamps.
// It matches the format the upstream ingestion scripts have always written.
const TimeLayout = "2006-01-02T15:04:05Z"

// Store wraps a SQLite database with methods for messages, facts, call
// markers, posted summaries, and background jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "briefs.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for the retrieval layer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Messages ---

// InsertMessage appends a message row. Returns false if a row with the same
// (peer_id, msg_id) already exists; the existing row is left untouched.
func (s *Store) InsertMessage(m Message) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (peer_id, msg_id, ts_utc, from_me, text)
		VALUES (?, ?, ?, ?, ?)`,
		m.PeerID, m.MsgID, m.TS, boolToInt(m.FromMe), m.Text,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertMessages appends a batch of messages in one transaction and returns
// the number of rows actually inserted (duplicates are skipped).
func (s *Store) InsertMessages(msgs []Message) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (peer_id, msg_id, ts_utc, from_me, text)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		res, err := stmt.Exec(m.PeerID, m.MsgID, m.TS, boolToInt(m.FromMe), m.Text)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting message %d/%d: %w", m.PeerID, m.MsgID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// MessagesSince returns all messages for peerID at or after since, oldest first.
func (s *Store) MessagesSince(peerID int64, since time.Time) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, peer_id, msg_id, ts_utc, from_me, text
		FROM messages
		WHERE peer_id = ? AND ts_utc >= ?
		ORDER BY ts_utc ASC, id ASC`,
		peerID, since.UTC().Format(TimeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the number of stored messages for peerID.
func (s *Store) CountMessages(peerID int64) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE peer_id = ?", peerID).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromMe int
		if err := rows.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.TS, &fromMe, &m.Text); err != nil {
			return nil, err
		}
		m.FromMe = fromMe != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Facts ---

func (s *Store) InsertFact(f Fact) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	source := f.Source
	if source == "" {
		source = "manual"
	}
	confidence := f.Confidence
	if confidence == "" {
		confidence = "high"
	}
	_, err := s.db.Exec(`
		INSERT INTO facts (created_utc, author, text, source, confidence)
		VALUES (?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(TimeLayout), f.Author, f.Text, source, confidence,
	)
	return err
}

// ListFacts returns all facts in insertion order.
func (s *Store) ListFacts() ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, created_utc, author, text, source, confidence
		FROM facts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var createdAt string
		if err := rows.Scan(&f.ID, &createdAt, &f.Author, &f.Text, &f.Source, &f.Confidence); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_utc for fact %d: %w", f.ID, err)
		}
		f.CreatedAt = t
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// --- Call markers ---

func (s *Store) InsertCallMarker(c CallMarker) error {
	occurredAt := c.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	source := c.Source
	if source == "" {
		source = "manual"
	}
	_, err := s.db.Exec(`
		INSERT INTO calls (occurred_utc, source, notes) VALUES (?, ?, ?)`,
		occurredAt.UTC().Format(TimeLayout), source, c.Notes,
	)
	return err
}

// LatestCallMarker returns the most recent call marker by occurrence time,
// ties broken by row id. Returns ErrNotFound when no call has been marked.
func (s *Store) LatestCallMarker() (CallMarker, error) {
	var c CallMarker
	var occurredAt string
	err := s.db.QueryRow(`
		SELECT id, occurred_utc, source, notes
		FROM calls ORDER BY occurred_utc DESC, id DESC LIMIT 1`,
	).Scan(&c.ID, &occurredAt, &c.Source, &c.Notes)
	if err == sql.ErrNoRows {
		return CallMarker{}, ErrNotFound
	}
	if err != nil {
		return CallMarker{}, err
	}
	t, err := time.Parse(time.RFC3339, occurredAt)
	if err != nil {
		return CallMarker{}, fmt.Errorf("parsing occurred_utc: %w", err)
	}
	c.OccurredAt = t
	return c, nil
}

// --- Posted summaries ---

func (s *Store) SaveSummary(sum PostedSummary) error {
	postedAt := sum.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO summaries (posted_utc, channel_id, thread_ts, date_label, text)
		VALUES (?, ?, ?, ?, ?)`,
		postedAt.UTC().Format(TimeLayout), sum.ChannelID, sum.ThreadTS, sum.DateLabel, sum.Text,
	)
	return err
}

// LatestSummaryForChannel returns the most recently posted summary for a
// channel, or ErrNotFound if nothing was ever posted there.
func (s *Store) LatestSummaryForChannel(channelID string) (PostedSummary, error) {
	var sum PostedSummary
	var postedAt string
	err := s.db.QueryRow(`
		SELECT id, posted_utc, channel_id, thread_ts, date_label, text
		FROM summaries WHERE channel_id = ?
		ORDER BY posted_utc DESC, id DESC LIMIT 1`, channelID,
	).Scan(&sum.ID, &postedAt, &sum.ChannelID, &sum.ThreadTS, &sum.DateLabel, &sum.Text)
	if err == sql.ErrNoRows {
		return PostedSummary{}, ErrNotFound
	}
	if err != nil {
		return PostedSummary{}, err
	}
	t, err := time.Parse(time.RFC3339, postedAt)
	if err != nil {
		return PostedSummary{}, fmt.Errorf("parsing posted_utc: %w", err)
	}
	sum.PostedAt = t
	return sum, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
