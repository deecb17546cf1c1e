// Package store persists the uplinks a server restores on start. It keeps
// configuration only; no bus traffic is ever written here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fluxbus/internal/topic"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for a topic without a stored uplink.
var ErrNotFound = errors.New("uplink not found")

// Uplink is a stored uplink: the socket at URL mirrored under Topic.socket.
type Uplink struct {
	Topic     string    `json:"topic"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLiteStore keeps uplinks in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Add stores an uplink, replacing any previous one for the same topic.
func (s *SQLiteStore) Add(ctx context.Context, t, url string) error {
	if _, err := topic.Parse(t); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("uplink %s: empty url", t)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uplinks (topic, url, enabled, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(topic) DO UPDATE SET url = excluded.url, enabled = 1`,
		t, url, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("add uplink %s: %w", t, err)
	}
	s.logger.Debug("uplink stored", "topic", t)
	return nil
}

// Get returns the uplink stored for t.
func (s *SQLiteStore) Get(ctx context.Context, t string) (*Uplink, error) {
	var u Uplink
	err := s.db.QueryRowContext(ctx,
		`SELECT topic, url, enabled, created_at FROM uplinks WHERE topic = ?`, t,
	).Scan(&u.Topic, &u.URL, &u.Enabled, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// List returns every stored uplink ordered by topic. With enabledOnly set,
// disabled ones are left out.
func (s *SQLiteStore) List(ctx context.Context, enabledOnly bool) ([]Uplink, error) {
	query := `SELECT topic, url, enabled, created_at FROM uplinks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY topic`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uplinks []Uplink
	for rows.Next() {
		var u Uplink
		if err := rows.Scan(&u.Topic, &u.URL, &u.Enabled, &u.CreatedAt); err != nil {
			return nil, err
		}
		uplinks = append(uplinks, u)
	}
	return uplinks, rows.Err()
}

// SetEnabled enables or disables the uplink for t without forgetting it.
func (s *SQLiteStore) SetEnabled(ctx context.Context, t string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uplinks SET enabled = ? WHERE topic = ?`, enabled, t)
	if err != nil {
		return err
	}
	return affected(res, t)
}

func (s *SQLiteStore) Remove(ctx context.Context, t string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uplinks WHERE topic = ?`, t)
	if err != nil {
		return err
	}
	return affected(res, t)
}

func affected(res sql.Result, t string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
