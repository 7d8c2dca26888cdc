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

	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when an update targets a missing session.
var ErrSessionNotFound = errors.New("session not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analysis_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		dataset_name TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		column_count INTEGER NOT NULL DEFAULT 0,
		executor TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON analysis_sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON analysis_sessions(last_active_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES analysis_sessions(session_id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, username, last_seen_at, created_at, updated_at FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CreateSession inserts a new analysis session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.AnalysisSession) error {
	query := `
	INSERT INTO analysis_sessions (
		session_id, user_id, dataset_name, row_count, column_count,
		executor, status, created_at, last_active_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "create_session", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.UserID, session.DatasetName,
			session.Rows, session.Columns, session.Executor, string(session.Status),
			session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `session_id, user_id, dataset_name, row_count, column_count,
	executor, status, created_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.AnalysisSession, error) {
	var sess domain.AnalysisSession
	var status string
	var createdAt, lastActive int64
	if err := row.Scan(
		&sess.SessionID, &sess.UserID, &sess.DatasetName, &sess.Rows, &sess.Columns,
		&sess.Executor, &status, &createdAt, &lastActive,
	); err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActiveAt = time.Unix(lastActive, 0)
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.AnalysisSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ActiveSessionsForUser lists the user's open sessions, newest first.
func (s *SQLiteStore) ActiveSessionsForUser(ctx context.Context, userID string) ([]*domain.AnalysisSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE user_id = ? AND status = ? ORDER BY created_at DESC, rowid DESC`,
		userID, string(domain.SessionActive))
}

// ExpiredSessions lists active sessions idle for longer than ttl.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.AnalysisSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE status = ? AND last_active_at < ?`,
		string(domain.SessionActive), threshold)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.AnalysisSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.AnalysisSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchSession bumps last_active_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.updateSession(ctx, "touch_session",
		`UPDATE analysis_sessions SET last_active_at = ? WHERE session_id = ?`,
		at.Unix(), sessionID)
}

// CloseSession marks a session closed. Closing an already closed session is not an error.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, "close_session",
		`UPDATE analysis_sessions SET status = ? WHERE session_id = ?`,
		string(domain.SessionClosed), sessionID)
}

func (s *SQLiteStore) updateSession(ctx context.Context, name, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, name, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// AppendMessage adds a transcript entry to a session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append_message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, msg.Role, msg.Content, createdAt.Unix())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a session's transcript in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var createdAt int64
		if err := rows.Scan(&msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteClosedBefore purges closed sessions created before cutoff.
func (s *SQLiteStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete_closed", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id IN (
				SELECT session_id FROM analysis_sessions WHERE status = ? AND last_active_at < ?)`,
			string(domain.SessionClosed), cutoff.Unix()); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM analysis_sessions WHERE status = ? AND last_active_at < ?`,
			string(domain.SessionClosed), cutoff.Unix())
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if deleted, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}
