// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Executor backends for the execution scope.
const (
	ExecutorStarlark = "starlark"
	ExecutorPython   = "python"
	ExecutorDocker   = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCAddr       string
	GRPCToken      string
	FrontendURL    string
	DBPath         string
	ChartsDir      string
	UploadMaxBytes int64
	SessionTTL     time.Duration
	LogLevel       string
	LogFile        string

	Agent           AgentConfig
	LLM             LLMConfig
	Executor        ExecutorConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// AgentConfig controls the reasoning loop.
type AgentConfig struct {
	MaxIterations  int
	TurnTimeout    time.Duration // 0 = no timeout
	AnswerLanguage string
}

// LLMConfig selects and configures the text-completion provider.
type LLMConfig struct {
	Provider      string
	Model         string
	Temperature   float64
	GoogleAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaHost    string
	Timeout       time.Duration
}

// ExecutorConfig selects the execution scope backend.
type ExecutorConfig struct {
	Kind             string
	PythonPath       string
	SandboxImage     string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	MaxSteps         uint64
	OutputLimit      int
}

// RateLimitConfig bounds turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCAddr:       getEnv("GRPC_ADDR", "127.0.0.1:50051"),
		GRPCToken:      getEnv("GRPC_TOKEN", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/datachat.db"),
		ChartsDir:      getEnv("CHARTS_DIR", "./charts"),
		UploadMaxBytes: int64(getEnvInt("UPLOAD_MAX_BYTES", 50<<20)),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		Agent: AgentConfig{
			MaxIterations:  getEnvInt("MAX_ITERATIONS", 7),
			TurnTimeout:    getEnvDuration("TURN_TIMEOUT", 0),
			AnswerLanguage: getEnv("ANSWER_LANGUAGE", "Portuguese (Brazil)"),
		},
		LLM: LLMConfig{
			Provider:      strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
			Model:         getEnv("LLM_MODEL", "gemini-1.5-flash"),
			Temperature:   getEnvFloat("LLM_TEMPERATURE", 0),
			GoogleAPIKey:  getEnv("GOOGLE_API_KEY", ""),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			OllamaHost:    getEnv("OLLAMA_HOST", "http://127.0.0.1:11434"),
			Timeout:       getEnvDuration("LLM_TIMEOUT", 2*time.Minute),
		},
		Executor: ExecutorConfig{
			Kind:             strings.ToLower(getEnv("EXECUTOR", ExecutorStarlark)),
			PythonPath:       getEnv("PYTHON_PATH", "python3"),
			SandboxImage:     getEnv("SANDBOX_IMAGE", "datachat-sandbox:latest"),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
			MaxSteps:         uint64(getEnvInt("EXECUTOR_MAX_STEPS", 50_000_000)),
			OutputLimit:      getEnvInt("EXECUTOR_OUTPUT_LIMIT", 20000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChartsDir == "" {
		return fmt.Errorf("CHARTS_DIR cannot be empty")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be > 0")
	}
	switch c.LLM.Provider {
	case "gemini", "openai", "ollama":
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider)
	}
	switch c.Executor.Kind {
	case ExecutorStarlark, ExecutorPython, ExecutorDocker:
	default:
		return fmt.Errorf("EXECUTOR %q is not supported", c.Executor.Kind)
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
