// Package store persists hub state in an embedded SQLite database:
// users and refresh tokens, notifications and their captures, FCM
// device registrations and the settings singleton.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidSort is returned when a list request names a column
	// outside the whitelist for that table.
	ErrInvalidSort = errors.New("store: invalid sort column")
)

// Store handles all SQLite operations for the hub.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers from blocking the ingest writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. Safe to run on every start.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			revoked INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			type TEXT NOT NULL,
			rpi_event_id TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS captures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notification_id INTEGER,
			rpi_event_id TEXT,
			path TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (notification_id) REFERENCES notifications(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			config TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fcm_devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			fcm_token TEXT NOT NULL UNIQUE,
			physical_device_id TEXT NOT NULL,
			device_type TEXT,
			app_version TEXT,
			last_seen_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, physical_device_id),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_time ON notifications(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_event ON captures(rpi_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_notification ON captures(notification_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ListOptions selects a page of a list endpoint. Zero values fall back
// to page 1, 20 rows, created_at descending.
type ListOptions struct {
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// orderClause validates the sort request against the whitelist for the
// table and renders the ORDER BY / LIMIT / OFFSET tail. Only
// whitelisted identifiers ever reach the SQL text.
func orderClause(columns map[string]string, opts ListOptions) (string, error) {
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	column, ok := columns[sortBy]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSort, opts.SortBy)
	}

	direction := strings.ToLower(opts.SortOrder)
	switch direction {
	case "":
		direction = "desc"
	case "asc", "desc":
	default:
		return "", fmt.Errorf("%w: order %q", ErrInvalidSort, opts.SortOrder)
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	return fmt.Sprintf(" ORDER BY %s %s LIMIT %d OFFSET %d", column, strings.ToUpper(direction), size, (page-1)*size), nil
}

// placeholders renders "?, ?, ?" for n bound values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
