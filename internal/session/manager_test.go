package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/convlog"
	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/present"
	"github.com/ashureev/datachat/internal/store"
)

func sessionTable(t *testing.T) *dataset.Table {
	t.Helper()
	table, err := dataset.FromRecords("vendas", []string{"produto", "valor"}, [][]string{{"a", "10"}, {"b", "20.5"}, {"c", "5"}}, false)
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}
	return table
}

func newTestManager(t *testing.T, model llm.Completer) (*Manager, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	mgr := NewManager(Config{
		ChartsDir:      t.TempDir(),
		MaxIterations:  3,
		AnswerLanguage: "Portuguese (Brazil)",
	}, repo, model)
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })
	return mgr, repo
}

type blockingModel struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingModel) Complete(ctx context.Context, _ llm.Request) (string, error) {
	close(b.started)
	select {
	case <-b.release:
		return "Final Answer: ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestNewSessionPersists(t *testing.T) {
	mgr, repo := newTestManager(t, llm.NewScript())
	ctx := context.Background()

	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if h.Rows != 3 || len(h.Columns) != 2 {
		t.Errorf("unexpected handle %+v", h)
	}
	if h.Columns[1].Type != "float64" {
		t.Errorf("expected float64 valor column, got %q", h.Columns[1].Type)
	}
	rec, err := repo.GetSession(ctx, h.SessionID)
	if err != nil || rec == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Status != domain.SessionActive || rec.DatasetName != "vendas" {
		t.Errorf("unexpected record %+v", rec)
	}
	root, err := mgr.ChartRoot("u1", h.SessionID)
	if err != nil {
		t.Fatalf("ChartRoot failed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("expected session directory to exist: %v", err)
	}
}

func TestNewSessionFailsWhenVerifyFails(t *testing.T) {
	model := &llm.Script{VerifyErr: errors.New("bad key")}
	mgr, _ := newTestManager(t, model)

	if _, err := mgr.NewSession(context.Background(), "u1", sessionTable(t)); err == nil {
		t.Fatal("expected verify failure")
	}
	if mgr.Count() != 0 {
		t.Errorf("expected no live sessions, got %d", mgr.Count())
	}
}

func TestNewSessionClosesPrevious(t *testing.T) {
	mgr, repo := newTestManager(t, llm.NewScript())
	ctx := context.Background()

	first, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	firstRoot, _ := mgr.ChartRoot("u1", first.SessionID)
	second, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if _, err := mgr.Get("u1", first.SessionID); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected first session to be gone, got %v", err)
	}
	if _, err := os.Stat(firstRoot); !os.IsNotExist(err) {
		t.Errorf("expected first chart directory to be removed, got %v", err)
	}
	rec, _ := repo.GetSession(ctx, first.SessionID)
	if rec == nil || rec.Status != domain.SessionClosed {
		t.Errorf("expected first record closed, got %+v", rec)
	}
	cur, err := mgr.Current("u1")
	if err != nil || cur.SessionID != second.SessionID {
		t.Errorf("expected current session %s, got %+v, %v", second.SessionID, cur, err)
	}
}

func TestRunTurnStoresTranscript(t *testing.T) {
	model := llm.NewScript(
		"Thought: contar\nAction: code_execution_tool\nAction Input: print(len(df))",
		"Thought: pronto\nFinal Answer: São 3 linhas.",
		"Final Answer: A soma é 35.5.",
	)
	mgr, _ := newTestManager(t, model)
	ctx := context.Background()

	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	turn, err := mgr.RunTurn(ctx, "u1", h.SessionID, "Quantas linhas?", nil)
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if turn.Result.Termination != agent.TerminationNormal {
		t.Fatalf("expected NORMAL, got %s", turn.Result.Termination)
	}
	if !strings.Contains(turn.Result.Steps[0].Observation, "3") {
		t.Errorf("expected observation with row count, got %q", turn.Result.Steps[0].Observation)
	}
	if turn.View.Status != present.StatusAnswer {
		t.Errorf("unexpected view status %q", turn.View.Status)
	}

	if _, err := mgr.RunTurn(ctx, "u1", h.SessionID, "E a soma?", nil); err != nil {
		t.Fatalf("second RunTurn failed: %v", err)
	}
	reqs := model.Requests()
	last := reqs[len(reqs)-1].Prompt
	if !strings.Contains(last, "user: Quantas linhas?\nassistant: São 3 linhas.") {
		t.Errorf("expected stored history in prompt:\n%s", last)
	}

	msgs, err := mgr.Messages(ctx, "u1", h.SessionID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[3].Role != domain.RoleAssistant || msgs[3].Content != "A soma é 35.5." {
		t.Errorf("unexpected last message %+v", msgs[3])
	}
	if _, err := mgr.Messages(ctx, "u2", h.SessionID); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected foreign user to be rejected, got %v", err)
	}
}

type recordingLog struct {
	mu     sync.Mutex
	events []convlog.Event
}

func (r *recordingLog) Log(ev convlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingLog) Close() error { return nil }

func TestRunTurnTagsLogEventsWithTab(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	rec := &recordingLog{}
	model := llm.NewScript("Thought: t\nAction: code_execution_tool\nAction Input: print(1)", "Final Answer: 1")
	mgr := NewManager(Config{ChartsDir: t.TempDir(), MaxIterations: 3}, repo, model, WithConversationLog(rec))
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	ctx := context.Background()
	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, err := mgr.RunTurn(ctx, "u1", h.SessionID, "?", nil, WithTabID("tab-7")); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var types []string
	for _, ev := range rec.events {
		types = append(types, ev.EventType)
		if ev.TabID != "tab-7" || ev.SessionID != h.SessionID {
			t.Errorf("event %s has tab %q session %q", ev.EventType, ev.TabID, ev.SessionID)
		}
	}
	if strings.Join(types, ",") != "turn_question,turn_step,turn_answer" {
		t.Errorf("unexpected events %v", types)
	}
}

func TestRunTurnLimitStoresLimitMessage(t *testing.T) {
	model := &llm.Script{Replies: []string{"Thought: hmm\nAction: code_execution_tool\nAction Input: print(1)"}, Loop: true}
	mgr, _ := newTestManager(t, model)
	ctx := context.Background()

	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	turn, err := mgr.RunTurn(ctx, "u1", h.SessionID, "?", nil)
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if turn.Result.Termination != agent.TerminationIterationLimit || len(turn.Result.Steps) != 3 {
		t.Fatalf("expected limit after 3 steps, got %s with %d", turn.Result.Termination, len(turn.Result.Steps))
	}
	msgs, _ := mgr.Messages(ctx, "u1", h.SessionID)
	if len(msgs) != 2 || msgs[1].Content != present.LimitMessage {
		t.Errorf("expected limit message in transcript, got %+v", msgs)
	}
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	model := &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
	mgr, _ := newTestManager(t, model)
	ctx := context.Background()

	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := mgr.RunTurn(ctx, "u1", h.SessionID, "primeira", nil)
		done <- err
	}()
	<-model.started

	if _, err := mgr.RunTurn(ctx, "u1", h.SessionID, "segunda", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(model.release)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestRunTurnUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, llm.NewScript())
	if _, err := mgr.RunTurn(context.Background(), "u1", "nope", "?", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	mgr, repo := newTestManager(t, llm.NewScript())
	ctx := context.Background()

	mgr.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	h, err := mgr.NewSession(ctx, "u1", sessionTable(t))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	mgr.now = time.Now

	closed, err := mgr.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("expected 1 closed session, got %d", closed)
	}
	if mgr.Count() != 0 {
		t.Errorf("expected no live sessions, got %d", mgr.Count())
	}
	rec, _ := repo.GetSession(ctx, h.SessionID)
	if rec == nil || rec.Status != domain.SessionClosed {
		t.Errorf("expected record closed, got %+v", rec)
	}
}
