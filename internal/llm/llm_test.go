package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/datachat/internal/config"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.LLMConfig{Provider: "bard"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(context.Background(), config.LLMConfig{Provider: "gemini"}); err == nil {
		t.Error("expected gemini without GOOGLE_API_KEY to fail")
	}
	if _, err := New(context.Background(), config.LLMConfig{Provider: "openai"}); err == nil {
		t.Error("expected openai without OPENAI_API_KEY to fail")
	}
}

func TestScript(t *testing.T) {
	s := NewScript("one", "two")
	ctx := context.Background()

	for _, want := range []string{"one", "two"} {
		got, err := s.Complete(ctx, Request{Prompt: "p"})
		if err != nil || got != want {
			t.Fatalf("Complete = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := s.Complete(ctx, Request{}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("expected ErrScriptExhausted, got %v", err)
	}
	if n := len(s.Requests()); n != 3 {
		t.Fatalf("expected 3 recorded requests, got %d", n)
	}

	loop := &Script{Replies: []string{"again"}, Loop: true}
	for i := 0; i < 3; i++ {
		if got, _ := loop.Complete(ctx, Request{}); got != "again" {
			t.Fatalf("expected looping reply, got %q", got)
		}
	}
}

func TestVerify(t *testing.T) {
	s := NewScript()
	s.VerifyErr = errors.New("bad key")
	if err := Verify(context.Background(), s); err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected wrapped verify error, got %v", err)
	}

	var plain plainCompleter
	if err := Verify(context.Background(), plain); err != nil {
		t.Fatalf("completers without Verify should pass, got %v", err)
	}
}

type plainCompleter struct{}

func (plainCompleter) Complete(context.Context, Request) (string, error) { return "", nil }

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","response":"Final Answer: 42","done":true,"done_reason":"stop"}`))
	}))
	defer srv.Close()

	o, err := NewOllama(config.LLMConfig{OllamaHost: srv.URL, Model: "llama3"})
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	got, err := o.Complete(context.Background(), Request{Prompt: "q", Stop: []string{"\nObservation:"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Final Answer: 42" {
		t.Fatalf("unexpected completion %q", got)
	}
}

func TestOllamaVerifyMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama3' not found"}`))
	}))
	defer srv.Close()

	o, err := NewOllama(config.LLMConfig{OllamaHost: srv.URL, Model: "llama3"})
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if err := o.Verify(context.Background()); err == nil {
		t.Fatal("expected verify to fail for a missing model")
	}
}
