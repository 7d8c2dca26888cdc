//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/identity"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
)

const vendasCSV = "produto,valor\na,10\nb,20.5\nc,5\n"

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type testServer struct {
	srv    *httptest.Server
	client *http.Client
	model  *llm.Script
}

func newTestServer(t *testing.T, model *llm.Script, limit int) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		UploadMaxBytes: 1 << 20,
		SessionTTL:     time.Hour,
		Agent:          config.AgentConfig{MaxIterations: 3, AnswerLanguage: "Portuguese (Brazil)"},
		Executor:       config.ExecutorConfig{Kind: config.ExecutorStarlark},
	}
	mgr := session.NewManager(session.Config{
		ChartsDir:      t.TempDir(),
		MaxIterations:  cfg.Agent.MaxIterations,
		AnswerLanguage: cfg.Agent.AnswerLanguage,
	}, repo, model)
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	NewHandler(repo, mgr, NewRateLimiter(ctx, limit, time.Minute), cfg).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	return &testServer{srv: srv, client: &http.Client{Jar: jar}, model: model}
}

func (ts *testServer) upload(t *testing.T, name string, content []byte, table string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	_, _ = fw.Write(content)
	if table != "" {
		_ = mw.WriteField("table", table)
	}
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/sessions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(v)
	resp, err := ts.client.Post(ts.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ts.client.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateSessionAndRunTurn(t *testing.T) {
	ts := newTestServer(t, llm.NewScript(
		"Thought: contar\nAction: code_execution_tool\nAction Input: print(len(df))",
		"Thought: pronto\nFinal Answer: São 3 linhas.",
	), 10)

	resp := ts.upload(t, "vendas.csv", []byte(vendasCSV), "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	handle := decode[session.Handle](t, resp)
	if handle.Rows != 3 || len(handle.Preview) != 4 {
		t.Fatalf("unexpected handle %+v", handle)
	}

	cur := decode[session.Handle](t, ts.get(t, "/api/sessions/current"))
	if cur.SessionID != handle.SessionID {
		t.Errorf("expected current session %s, got %s", handle.SessionID, cur.SessionID)
	}

	resp = ts.postJSON(t, "/api/sessions/"+handle.SessionID+"/turns", map[string]string{"question": "Quantas linhas?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	turn := decode[TurnResponse](t, resp)
	if turn.Termination != agent.TerminationNormal || len(turn.Steps) != 1 {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if len(turn.View.Segments) != 1 || turn.View.Segments[0].Text != "São 3 linhas." {
		t.Errorf("unexpected segments %+v", turn.View.Segments)
	}

	msgs := decode[struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}](t, ts.get(t, "/api/sessions/"+handle.SessionID+"/messages"))
	if len(msgs.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs.Messages)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/sessions/"+handle.SessionID, nil)
	del, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	_ = del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", del.StatusCode)
	}
	if resp := ts.get(t, "/api/sessions/current"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected no current session after delete, got %d", resp.StatusCode)
	}
}

func TestCreateSessionRequiresTableChoice(t *testing.T) {
	ts := newTestServer(t, llm.NewScript(), 10)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"jan.csv", "fev.csv"} {
		w, _ := zw.Create(name)
		_, _ = w.Write([]byte(vendasCSV))
	}
	_ = zw.Close()

	resp := ts.upload(t, "vendas.zip", buf.Bytes(), "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decode[struct {
		Error  string   `json:"error"`
		Tables []string `json:"tables"`
	}](t, resp)
	if body.Error != tableChoiceMessage || len(body.Tables) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	resp = ts.upload(t, "vendas.zip", buf.Bytes(), body.Tables[1])
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with a table choice, got %d", resp.StatusCode)
	}
	handle := decode[session.Handle](t, resp)
	if handle.Dataset != body.Tables[1] {
		t.Errorf("expected dataset %q, got %q", body.Tables[1], handle.Dataset)
	}
}

func TestCreateSessionRejectsUnknownFormat(t *testing.T) {
	ts := newTestServer(t, llm.NewScript(), 10)
	resp := ts.upload(t, "image.png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}, "")
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestRunTurnErrors(t *testing.T) {
	ts := newTestServer(t, &llm.Script{Replies: []string{"Final Answer: ok"}, Loop: true}, 2)

	if resp := ts.postJSON(t, "/api/sessions/missing/turns", map[string]string{"question": "?"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
	handle := decode[session.Handle](t, ts.upload(t, "vendas.csv", []byte(vendasCSV), ""))
	if resp := ts.postJSON(t, "/api/sessions/"+handle.SessionID+"/turns", map[string]string{"question": "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for blank question, got %d", resp.StatusCode)
	}
	if resp := ts.postJSON(t, "/api/sessions/"+handle.SessionID+"/turns", map[string]string{"question": "?"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the budget is spent, got %d", resp.StatusCode)
	}
}

func TestChartRejectsEscape(t *testing.T) {
	ts := newTestServer(t, llm.NewScript(), 10)
	handle := decode[session.Handle](t, ts.upload(t, "vendas.csv", []byte(vendasCSV), ""))

	if resp := ts.get(t, "/api/charts/"+handle.SessionID+"/charts/missing.png"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing chart, got %d", resp.StatusCode)
	}
	if resp := ts.get(t, "/api/charts/other/charts/a.png"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for foreign session, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, llm.NewScript(), 10)
	body := decode[map[string]any](t, ts.get(t, "/api/health"))
	if body["status"] != "ok" {
		t.Errorf("unexpected health %+v", body)
	}
}

func TestTurnErrorStatus(t *testing.T) {
	cases := map[error]int{
		session.ErrNoSession:     http.StatusNotFound,
		session.ErrBusy:          http.StatusConflict,
		context.DeadlineExceeded: http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		if got, _ := TurnErrorStatus(err); got != want {
			t.Errorf("TurnErrorStatus(%v) = %d, want %d", err, got, want)
		}
	}
	if got, msg := TurnErrorStatus(context.Canceled); got != http.StatusServiceUnavailable || !strings.Contains(msg, "cancel") {
		t.Errorf("unexpected mapping for cancellation: %d %q", got, msg)
	}
}
