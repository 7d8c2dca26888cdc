// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/datachat/internal/domain"
)

// Repository defines the interface for persisting users, sessions and transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession inserts a new analysis session.
	CreateSession(ctx context.Context, session *domain.AnalysisSession) error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.AnalysisSession, error)

	// ActiveSessionsForUser lists the user's sessions that are not closed, newest first.
	ActiveSessionsForUser(ctx context.Context, userID string) ([]*domain.AnalysisSession, error)

	// TouchSession bumps last_active_at.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// CloseSession marks a session closed.
	CloseSession(ctx context.Context, sessionID string) error

	// ExpiredSessions lists active sessions idle for longer than ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.AnalysisSession, error)

	// AppendMessage adds a transcript entry to a session.
	AppendMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error

	// ListMessages returns a session's transcript in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)

	// DeleteClosedBefore purges closed sessions (and their transcripts) older than cutoff.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
