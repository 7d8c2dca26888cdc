package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestUserRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetUser(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for missing user, got %v, %v", got, err)
	}

	now := time.Now()
	if err := repo.UpsertUser(ctx, &domain.User{UserID: "u1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	got, err = repo.GetUser(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != "anon-1" {
		t.Errorf("unexpected username %q", got.Username)
	}
}

func TestSessionLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"s1", "s2"} {
		err := repo.CreateSession(ctx, &domain.AnalysisSession{
			SessionID:    id,
			UserID:       "u1",
			DatasetName:  "sales.csv",
			Rows:         3,
			Columns:      2,
			Executor:     "starlark",
			Status:       domain.SessionActive,
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
			LastActiveAt: now,
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", id, err)
		}
	}

	active, err := repo.ActiveSessionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSessionsForUser failed: %v", err)
	}
	if len(active) != 2 || active[0].SessionID != "s2" {
		t.Fatalf("expected newest session first, got %+v", active)
	}

	if err := repo.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	sess, err := repo.GetSession(ctx, "s1")
	if err != nil || sess == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.IsActive() {
		t.Fatal("expected s1 to be closed")
	}

	if err := repo.TouchSession(ctx, "nope", now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExpiredSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	if err := repo.CreateSession(ctx, &domain.AnalysisSession{
		SessionID: "old", UserID: "u1", DatasetName: "a.csv", Executor: "starlark",
		Status: domain.SessionActive, CreatedAt: old, LastActiveAt: old,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := repo.CreateSession(ctx, &domain.AnalysisSession{
		SessionID: "fresh", UserID: "u2", DatasetName: "b.csv", Executor: "starlark",
		Status: domain.SessionActive, CreatedAt: time.Now(), LastActiveAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	expired, err := repo.ExpiredSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpiredSessions failed: %v", err)
	}
	if len(expired) != 1 || expired[0].SessionID != "old" {
		t.Fatalf("expected only the old session, got %+v", expired)
	}
}

func TestMessagesAndPurge(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	if err := repo.CreateSession(ctx, &domain.AnalysisSession{
		SessionID: "s1", UserID: "u1", DatasetName: "a.csv", Executor: "starlark",
		Status: domain.SessionActive, CreatedAt: old, LastActiveAt: old,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for _, m := range []domain.StoredMessage{
		{Role: domain.RoleUser, Content: "quantas linhas?"},
		{Role: domain.RoleAssistant, Content: "3 linhas"},
	} {
		if err := repo.AppendMessage(ctx, "s1", m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := repo.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Content != "3 linhas" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	if err := repo.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	deleted, err := repo.DeleteClosedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteClosedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted session, got %d", deleted)
	}
	msgs, err = repo.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected transcript to be purged, got %d messages", len(msgs))
	}
}
