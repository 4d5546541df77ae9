// Package store persists provider connections in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates no connection row matched the lookup.
var ErrNotFound = errors.New("connection not found")

// Connection is one user's linked provider account: the OAuth credential
// pair plus status. One active connection per user per provider account is
// the invariant the rest of the system relies on. Rows are deactivated,
// never deleted, so history is preserved.
type Connection struct {
	ID           int64
	UserID       string
	EmailAddress string
	AccessToken  string
	RefreshToken string
	IsActive     bool
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides access to the connections database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS provider_connections (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL,
    email_address TEXT NOT NULL,
    access_token  TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    is_active     INTEGER NOT NULL DEFAULT 1,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_connections_user
    ON provider_connections (user_id, is_active);
`

// Open opens (creating if needed) the connections database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const connectionColumns = `id, user_id, email_address, access_token, refresh_token, is_active, last_error, created_at, updated_at`

func scanConnection(row *sql.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.EmailAddress, &c.AccessToken, &c.RefreshToken,
		&c.IsActive, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new connection row. Any previously active connection for
// the same user and address is deactivated first, preserving the
// one-active-connection invariant without losing history.
func (s *Store) Create(userID, emailAddress, accessToken, refreshToken string) (*Connection, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE provider_connections
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND email_address = ? AND is_active = 1`,
		userID, emailAddress)
	if err != nil {
		return nil, fmt.Errorf("deactivate previous connection: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO provider_connections
		(user_id, email_address, access_token, refresh_token)
		VALUES (?, ?, ?, ?)`,
		userID, emailAddress, accessToken, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get returns a connection by row id.
func (s *Store) Get(id int64) (*Connection, error) {
	row := s.db.QueryRow(`SELECT `+connectionColumns+`
		FROM provider_connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ActiveForUser returns the user's active connection, or ErrNotFound.
func (s *Store) ActiveForUser(userID string) (*Connection, error) {
	row := s.db.QueryRow(`SELECT `+connectionColumns+`
		FROM provider_connections
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	return scanConnection(row)
}

// LatestForUser returns the user's most recent connection regardless of
// state, or ErrNotFound. Callers use it to distinguish "never connected"
// from "connected but revoked".
func (s *Store) LatestForUser(userID string) (*Connection, error) {
	row := s.db.QueryRow(`SELECT `+connectionColumns+`
		FROM provider_connections
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	return scanConnection(row)
}

// List returns all connections, newest first.
func (s *Store) List() ([]*Connection, error) {
	rows, err := s.db.Query(`SELECT ` + connectionColumns + `
		FROM provider_connections ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var c Connection
		err := rows.Scan(&c.ID, &c.UserID, &c.EmailAddress, &c.AccessToken, &c.RefreshToken,
			&c.IsActive, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListActive returns all active connections.
func (s *Store) ListActive() ([]*Connection, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Connection
	for _, c := range all {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateAccessToken persists a freshly refreshed access token and clears any
// previous error. The token lifecycle manager calls this before reissuing
// the original request.
func (s *Store) UpdateAccessToken(id int64, accessToken string) error {
	res, err := s.db.Exec(`UPDATE provider_connections
		SET access_token = ?, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, accessToken, id)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return requireOneRow(res)
}

// Deactivate marks a connection revoked with a user-facing error message.
// The row is kept for audit; only is_active flips.
func (s *Store) Deactivate(id int64, lastError string) error {
	res, err := s.db.Exec(`UPDATE provider_connections
		SET is_active = 0, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
