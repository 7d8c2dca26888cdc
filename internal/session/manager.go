// Package session owns the live analysis sessions: one dataset, one
// execution scope and one transcript per session, with at most one turn
// in flight at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/convlog"
	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/present"
	"github.com/ashureev/datachat/internal/scope"
	"github.com/ashureev/datachat/internal/shared"
	"github.com/ashureev/datachat/internal/store"
	"github.com/ashureev/datachat/internal/tool"
)

var (
	// ErrNoSession is returned for unknown, closed or foreign sessions.
	ErrNoSession = errors.New("session not found")
	// ErrBusy is returned when a turn is already running in the session.
	ErrBusy = errors.New("a turn is already running for this session")
)

// Config configures a Manager.
type Config struct {
	// ChartsDir is the root of the per-session work directories.
	ChartsDir      string
	Executor       string
	MaxSteps       uint64
	OutputLimit    int
	MaxIterations  int
	TurnTimeout    time.Duration
	AnswerLanguage string
	// PreviewRows is the number of rows returned in a Handle preview.
	PreviewRows int
}

// Handle describes a live session to callers.
type Handle struct {
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Dataset   string       `json:"dataset"`
	Rows      int          `json:"rows"`
	Columns   []ColumnInfo `json:"columns"`
	Executor  string       `json:"executor"`
	CreatedAt time.Time    `json:"created_at"`
	Preview   [][]string   `json:"preview,omitempty"`
}

// ColumnInfo names a column and its inferred type.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Turn is the outcome of RunTurn.
type Turn struct {
	Result *agent.TurnResult `json:"result"`
	View   present.View      `json:"view"`
}

type live struct {
	handle     Handle
	table      *dataset.Table
	backend    scope.Backend
	tool       *tool.CodeTool
	workDir    string
	turn       sync.Mutex
	mu         sync.Mutex
	lastActive time.Time
}

func (l *live) touch(now time.Time) {
	l.mu.Lock()
	l.lastActive = now
	l.mu.Unlock()
}

func (l *live) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActive
}

// Manager creates, runs and expires sessions.
type Manager struct {
	cfg      Config
	repo     store.Repository
	model    llm.Completer
	launcher scope.Launcher
	convlog  convlog.Logger
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*live
	byUser   map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher sets the worker launcher for the python and docker executors.
func WithLauncher(l scope.Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithConversationLog records turns to l.
func WithConversationLog(l convlog.Logger) Option {
	return func(m *Manager) { m.convlog = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(cfg Config, repo store.Repository, model llm.Completer, opts ...Option) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = agent.DefaultMaxIterations
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 5
	}
	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		model:    model,
		convlog:  convlog.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*live),
		byUser:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession loads table into a fresh scope. It first verifies the model so
// credential or model errors surface here rather than mid-turn. On success
// every earlier session of the user is closed.
func (m *Manager) NewSession(ctx context.Context, userID string, table *dataset.Table) (*Handle, error) {
	if table == nil || table.NumCols() == 0 {
		return nil, dataset.ErrEmpty
	}
	if err := llm.Verify(ctx, m.model); err != nil {
		return nil, fmt.Errorf("language model unavailable: %w", err)
	}

	sessionID := uuid.NewString()
	workDir := filepath.Join(m.cfg.ChartsDir, sessionID)
	backend, err := scope.New(ctx, m.cfg.Executor, table, scope.Options{
		WorkDir:     workDir,
		MaxSteps:    m.cfg.MaxSteps,
		OutputLimit: m.cfg.OutputLimit,
		Launcher:    m.launcher,
	})
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("initialize execution scope: %w", err)
	}

	now := m.now()
	executor := m.cfg.Executor
	if executor == "" {
		executor = scope.KindStarlark
	}
	l := &live{
		handle: Handle{
			SessionID: sessionID,
			UserID:    userID,
			Dataset:   table.Name,
			Rows:      table.NumRows(),
			Columns:   columnInfo(table),
			Executor:  executor,
			CreatedAt: now,
			Preview:   table.Preview(m.cfg.PreviewRows),
		},
		table:      table,
		backend:    backend,
		tool:       tool.New(backend),
		workDir:    workDir,
		lastActive: now,
	}

	record := &domain.AnalysisSession{
		SessionID:    sessionID,
		UserID:       userID,
		DatasetName:  table.Name,
		Rows:         table.NumRows(),
		Columns:      table.NumCols(),
		Executor:     executor,
		Status:       domain.SessionActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	err = shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "create session", func(ctx context.Context) error {
		return m.repo.CreateSession(ctx, record)
	})
	if err != nil {
		m.release(l)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.closePrevious(ctx, userID, sessionID)

	m.mu.Lock()
	m.sessions[sessionID] = l
	m.byUser[userID] = sessionID
	m.mu.Unlock()

	m.logger.Info("Session created",
		"user_id", userID,
		"session_id", sessionID,
		"dataset", table.Name,
		"rows", table.NumRows(),
		"executor", executor,
	)
	h := l.handle
	return &h, nil
}

// closePrevious closes the user's sessions other than keep, live or only
// persisted.
func (m *Manager) closePrevious(ctx context.Context, userID, keep string) {
	m.mu.Lock()
	prev, ok := m.byUser[userID]
	m.mu.Unlock()
	if ok {
		if err := m.Close(ctx, prev); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn("Failed to close previous session", "user_id", userID, "session_id", prev, "error", err)
		}
	}

	stale, err := m.repo.ActiveSessionsForUser(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to list previous sessions", "user_id", userID, "error", err)
		return
	}
	for _, s := range stale {
		if s.SessionID == keep {
			continue
		}
		m.mu.Lock()
		_, isLive := m.sessions[s.SessionID]
		m.mu.Unlock()
		if isLive {
			continue
		}
		if err := m.Close(ctx, s.SessionID); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn("Failed to close stale session", "user_id", userID, "session_id", s.SessionID, "error", err)
		}
	}
}

func columnInfo(t *dataset.Table) []ColumnInfo {
	out := make([]ColumnInfo, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = ColumnInfo{Name: c.Name, Type: c.Type.String()}
	}
	return out
}

// describe summarizes the table for the prompt.
func describe(t *dataset.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s` was loaded from %q: %d rows x %d columns.\nColumns (dtype):\n", scope.DatasetName, t.Name, t.NumRows(), t.NumCols())
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.Type)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) lookup(userID, sessionID string) (*live, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[sessionID]
	if !ok || (userID != "" && l.handle.UserID != userID) {
		return nil, ErrNoSession
	}
	return l, nil
}

// Get returns the handle of a live session owned by userID.
func (m *Manager) Get(userID, sessionID string) (*Handle, error) {
	l, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	h := l.handle
	return &h, nil
}

// Current returns the user's live session.
func (m *Manager) Current(userID string) (*Handle, error) {
	m.mu.Lock()
	sessionID, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return m.Get(userID, sessionID)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ChartRoot returns the directory chart markers of a session resolve in.
func (m *Manager) ChartRoot(userID, sessionID string) (string, error) {
	l, err := m.lookup(userID, sessionID)
	if err != nil {
		return "", err
	}
	return l.workDir, nil
}

// Messages returns the stored transcript of a session owned by userID.
func (m *Manager) Messages(ctx context.Context, userID, sessionID string) ([]domain.StoredMessage, error) {
	rec, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrNoSession
	}
	return m.repo.ListMessages(ctx, sessionID)
}

// TurnOption configures one RunTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	onEvent func(agent.Event)
	tabID   string
}

// WithEvents streams loop events of the turn to fn.
func WithEvents(fn func(agent.Event)) TurnOption {
	return func(o *turnOptions) { o.onEvent = fn }
}

// WithTabID tags the turn's conversation log events with a browser tab.
func WithTabID(id string) TurnOption {
	return func(o *turnOptions) { o.tabID = id }
}

// RunTurn answers question in the session. When history is nil the stored
// transcript is used. The user question and the assistant reply are
// appended to the transcript; steps are not persisted.
func (m *Manager) RunTurn(ctx context.Context, userID, sessionID, question string, history []agent.Message, opts ...TurnOption) (*Turn, error) {
	var o turnOptions
	for _, opt := range opts {
		opt(&o)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	l, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !l.turn.TryLock() {
		return nil, ErrBusy
	}
	defer l.turn.Unlock()

	// The session may have been closed while we waited for the lock.
	if _, err := m.lookup(userID, sessionID); err != nil {
		return nil, err
	}

	if history == nil {
		history, err = m.history(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	if m.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TurnTimeout)
		defer cancel()
	}

	l.touch(m.now())
	m.logEvent(l, o.tabID, "inbound", "turn_question", question, nil)

	observer := func(ev agent.Event) {
		if ev.Step != nil {
			m.logEvent(l, o.tabID, "internal", "turn_step", ev.Step.Observation, map[string]any{
				"cycle":      ev.Step.Cycle,
				"tool_name":  ev.Step.ToolName,
				"tool_input": ev.Step.ToolInput,
				"thought":    ev.Step.Thought,
			})
		}
		if o.onEvent != nil {
			o.onEvent(ev)
		}
	}

	exec, err := agent.NewExecutor(m.model, l.tool, agent.PromptConfig{
		AnswerLanguage: m.cfg.AnswerLanguage,
		Dialect:        l.backend.Dialect(),
		Dataset:        describe(l.table),
	},
		agent.WithMaxIterations(m.cfg.MaxIterations),
		agent.WithObserver(observer),
		agent.WithLogger(m.logger.With("session_id", sessionID)),
	)
	if err != nil {
		return nil, err
	}

	start := m.now()
	res, runErr := exec.Run(ctx, question, history)
	if runErr != nil {
		m.logger.Error("Turn failed", "user_id", userID, "session_id", sessionID, "error", runErr)
		m.logEvent(l, o.tabID, "outbound", "turn_error", runErr.Error(), nil)
		return &Turn{Result: res, View: present.Render(res, l.workDir)}, fmt.Errorf("run turn: %w", runErr)
	}

	view := present.Render(res, l.workDir)
	reply := view.HistoryText(res)
	now := m.now()
	for _, msg := range []domain.StoredMessage{
		{Role: domain.RoleUser, Content: question, CreatedAt: start},
		{Role: domain.RoleAssistant, Content: reply, CreatedAt: now},
	} {
		err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append message", func(ctx context.Context) error {
			return m.repo.AppendMessage(ctx, sessionID, msg)
		})
		if err != nil {
			m.logger.Warn("Failed to store transcript message", "session_id", sessionID, "role", msg.Role, "error", err)
		}
	}
	if err := m.repo.TouchSession(ctx, sessionID, now); err != nil {
		m.logger.Warn("Failed to touch session", "session_id", sessionID, "error", err)
	}
	l.touch(now)

	m.logEvent(l, o.tabID, "outbound", "turn_answer", reply, map[string]any{
		"termination": res.Termination.String(),
		"steps":       len(res.Steps),
		"duration_ms": now.Sub(start).Milliseconds(),
	})
	m.logger.Info("Turn completed",
		"user_id", userID,
		"session_id", sessionID,
		"termination", res.Termination.String(),
		"steps", len(res.Steps),
	)
	return &Turn{Result: res, View: view}, nil
}

func (m *Manager) history(ctx context.Context, sessionID string) ([]agent.Message, error) {
	stored, err := m.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	out := make([]agent.Message, 0, len(stored))
	for _, s := range stored {
		out = append(out, agent.Message{Role: s.Role, Content: s.Content})
	}
	return out, nil
}

func (m *Manager) logEvent(l *live, tabID, direction, eventType, content string, meta map[string]any) {
	m.convlog.Log(convlog.Event{
		UserID:     l.handle.UserID,
		SessionID:  l.handle.SessionID,
		TabID:      tabID,
		Channel:    "analysis",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// Close ends a session: its scope is released, its chart directory deleted
// and the record marked closed. Closing an unknown live session still
// marks a persisted one closed.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	l, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.byUser[l.handle.UserID] == sessionID {
			delete(m.byUser, l.handle.UserID)
		}
	}
	m.mu.Unlock()

	if ok {
		m.release(l)
	} else {
		_ = os.RemoveAll(filepath.Join(m.cfg.ChartsDir, filepath.Base(sessionID)))
	}

	if err := m.repo.CloseSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrNoSession
		}
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrNoSession
	}
	m.logger.Info("Session closed", "user_id", l.handle.UserID, "session_id", sessionID)
	return nil
}

func (m *Manager) release(l *live) {
	if err := l.backend.Close(); err != nil {
		m.logger.Warn("Failed to close execution scope", "session_id", l.handle.SessionID, "error", err)
	}
	if err := os.RemoveAll(l.workDir); err != nil {
		m.logger.Warn("Failed to remove session directory", "session_id", l.handle.SessionID, "error", err)
	}
}

// Sweep closes sessions idle for longer than ttl, both the ones the store
// reports and live ones, and purges closed records older than a week.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	closed := 0
	expired, err := m.repo.ExpiredSessions(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	seen := make(map[string]bool, len(expired))
	for _, s := range expired {
		seen[s.SessionID] = true
		if err := m.closeIdle(ctx, s.SessionID); err == nil || errors.Is(err, ErrNoSession) {
			closed++
		}
	}

	cutoff := m.now().Add(-ttl)
	m.mu.Lock()
	var idle []string
	for id, l := range m.sessions {
		if !seen[id] && l.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(idle)
	for _, id := range idle {
		if err := m.closeIdle(ctx, id); err == nil {
			closed++
		}
	}

	if deleted, err := m.repo.DeleteClosedBefore(ctx, m.now().Add(-closedRetention)); err != nil {
		m.logger.Error("Failed to purge closed sessions", "error", err)
	} else if deleted > 0 {
		m.logger.Info("Purged closed sessions", "count", deleted)
	}
	return closed, nil
}

// closeIdle closes a session unless a turn is running in it.
func (m *Manager) closeIdle(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	l, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		if !l.turn.TryLock() {
			return ErrBusy
		}
		defer l.turn.Unlock()
	}
	return m.Close(ctx, sessionID)
}

// CloseAll closes every live session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn("Failed to close session on shutdown", "session_id", id, "error", err)
		}
	}
}
