package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store persists per-entry watch positions and the impression log in SQLite
// so position memory survives restarts. Media bytes are never stored. It is
// safe for concurrent use because the underlying *sql.DB is concurrency-safe.
type Store struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for the hot paths
	upsertPositionStmt *sql.Stmt
	getPositionStmt    *sql.Stmt
	insertImpression   *sql.Stmt
}

// NewStore opens (or creates) the SQLite database at the provided path and
// ensures all required tables exist. It applies lightweight
// performance-oriented pragmas (WAL, cache sizing). Caller should Close() it
// when finished.
func NewStore(dbPath string) (*Store, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works better with fewer connections
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	s := &Store{
		conn:   conn,
		logger: logger,
	}

	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watch_positions (
		entry_id   TEXT PRIMARY KEY,
		position   REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS impressions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id        TEXT NOT NULL,
		watched_seconds REAL NOT NULL,
		completed       INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_impressions_entry ON impressions(entry_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	var err error

	s.upsertPositionStmt, err = s.conn.Prepare(`
		INSERT INTO watch_positions (entry_id, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}

	s.getPositionStmt, err = s.conn.Prepare(`SELECT position FROM watch_positions WHERE entry_id = ?`)
	if err != nil {
		return err
	}

	s.insertImpression, err = s.conn.Prepare(`
		INSERT INTO impressions (entry_id, watched_seconds, completed, created_at) VALUES (?, ?, ?, ?)`)
	return err
}

// SavePosition remembers the playback position for an entry.
func (s *Store) SavePosition(entryID string, position float64) error {
	_, err := s.upsertPositionStmt.Exec(entryID, position, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", entryID, err)
	}
	return nil
}

// Position returns the remembered playback position for an entry, or false
// when none was recorded.
func (s *Store) Position(entryID string) (float64, bool) {
	var position float64
	err := s.getPositionStmt.QueryRow(entryID).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		s.logger.WithError(err).WithField("entry_id", entryID).Warn("Failed to read watch position")
		return 0, false
	}
	return position, true
}

// RecordImpression appends one impression outcome to the log.
func (s *Store) RecordImpression(entryID string, watchedSeconds float64, completed bool) error {
	_, err := s.insertImpression.Exec(entryID, watchedSeconds, completed, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record impression for %s: %w", entryID, err)
	}
	return nil
}

// ImpressionCount returns how many impressions were logged for an entry.
func (s *Store) ImpressionCount(entryID string) (int, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM impressions WHERE entry_id = ?`, entryID).Scan(&count)
	return count, err
}

// Close releases the prepared statements and the connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsertPositionStmt, s.getPositionStmt, s.insertImpression} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.conn.Close()
}
