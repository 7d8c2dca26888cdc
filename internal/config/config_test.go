package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("EXECUTOR", "starlark")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("expected MaxIterations=7, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.TurnTimeout != 0 {
		t.Errorf("expected no turn timeout by default, got %s", cfg.Agent.TurnTimeout)
	}
	if cfg.ChartsDir != "./charts" {
		t.Errorf("unexpected ChartsDir %q", cfg.ChartsDir)
	}
	if cfg.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("gRPC must listen on loopback by default, got %q", cfg.GRPCAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "3")
	t.Setenv("SESSION_TTL", "90")
	t.Setenv("TURN_TIMEOUT", "45s")
	t.Setenv("LLM_PROVIDER", "OLLAMA")
	t.Setenv("EXECUTOR", "python")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Errorf("expected MaxIterations=3, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.SessionTTL)
	}
	if cfg.Agent.TurnTimeout != 45*time.Second {
		t.Errorf("expected 45s turn timeout, got %s", cfg.Agent.TurnTimeout)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider to be lowercased, got %q", cfg.LLM.Provider)
	}
}

func TestLoadRejectsUnknownExecutor(t *testing.T) {
	t.Setenv("EXECUTOR", "lua")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown executor")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("expected wrapped validation error, got %v", err)
	}
}

func TestValidateRejectsZeroBudget(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "0")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("EXECUTOR", "starlark")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for MAX_ITERATIONS=0")
	}
}
