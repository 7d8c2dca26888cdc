package domain

import (
	"time"
)

// SessionStatus tracks whether a session's execution scope is still live.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// AnalysisSession is the persisted record of one loaded dataset.
// The execution scope itself lives only in memory.
type AnalysisSession struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	DatasetName  string        `json:"dataset_name"`
	Rows         int           `json:"rows"`
	Columns      int           `json:"columns"`
	Executor     string        `json:"executor"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// IsActive reports whether the session has not been closed.
func (s *AnalysisSession) IsActive() bool {
	return s.Status == SessionActive
}

// IdleFor returns how long the session has been inactive.
func (s *AnalysisSession) IdleFor(now time.Time) time.Duration {
	d := now.Sub(s.LastActiveAt)
	if d < 0 {
		return 0
	}
	return d
}

// Message roles in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StoredMessage is a transcript entry.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
