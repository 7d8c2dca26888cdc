// datachat - conversational data analysis server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/container"
	"github.com/ashureev/datachat/internal/convlog"
	"github.com/ashureev/datachat/internal/identity"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/middleware"
	"github.com/ashureev/datachat/internal/rpc"
	"github.com/ashureev/datachat/internal/scope"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
	"github.com/ashureev/datachat/internal/stream"
	"github.com/ashureev/datachat/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

// newLogger builds the JSON stdout logger, fanned out to LOG_FILE when set.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	stdout := slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFile == "" {
		return slog.New(stdout), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	handler := slogmulti.Fanout(stdout, slog.NewJSONHandler(f, opts))
	return slog.New(handler), func() { _ = f.Close() }, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"grpc_addr", cfg.GRPCAddr,
		"dev", cfg.IsDevelopment(),
		"llm_provider", cfg.LLM.Provider,
		"executor", cfg.Executor.Kind,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	if err := os.MkdirAll(cfg.ChartsDir, 0o755); err != nil {
		return fmt.Errorf("create charts directory: %w", err)
	}

	model, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("initialize language model: %w", err)
	}

	launcher, closeLauncher, err := newLauncher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	clog, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := clog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	mgr := session.NewManager(session.Config{
		ChartsDir:      cfg.ChartsDir,
		Executor:       cfg.Executor.Kind,
		MaxSteps:       cfg.Executor.MaxSteps,
		OutputLimit:    cfg.Executor.OutputLimit,
		MaxIterations:  cfg.Agent.MaxIterations,
		TurnTimeout:    cfg.Agent.TurnTimeout,
		AnswerLanguage: cfg.Agent.AnswerLanguage,
	}, repo, model,
		session.WithLauncher(launcher),
		session.WithConversationLog(clog),
		session.WithLogger(logger),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.CloseAll(closeCtx)
	}()

	session.StartTTLWorker(ctx, mgr, cfg.SessionTTL)
	limiter := api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(middleware.BodyLimit(cfg.UploadMaxBytes + 1<<20))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	api.NewHandler(repo, mgr, limiter, cfg).RegisterRoutes(r)
	r.Get("/ws/sessions/{id}", stream.NewHandler(mgr, limiter, cfg.FrontendURL, cfg.IsDevelopment()).ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// Turns can outlast any sensible write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
		if cfg.GRPCToken == "" && !isLoopback(cfg.GRPCAddr) {
			slog.Warn("gRPC is reachable beyond loopback without GRPC_TOKEN", "addr", cfg.GRPCAddr)
		}
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(
			rpc.LoggingInterceptor(logger),
			rpc.TokenInterceptor(cfg.GRPCToken),
		))
		rpc.Register(grpcSrv, rpc.NewServer(mgr, repo, limiter, cfg.UploadMaxBytes, logger))
		g.Go(func() error {
			slog.Info("gRPC listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newLauncher returns the worker launcher for the configured executor.
func newLauncher(ctx context.Context, cfg *config.Config) (scope.Launcher, func(), error) {
	switch strings.ToLower(cfg.Executor.Kind) {
	case config.ExecutorPython:
		return scope.LocalLauncher{Python: cfg.Executor.PythonPath}, func() {}, nil
	case config.ExecutorDocker:
		sandbox, err := container.NewSandbox(cfg.Executor.ContainerRuntime, cfg.Executor.SandboxImage)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize sandbox: %w", err)
		}
		if n, err := sandbox.RemoveOrphans(ctx); err != nil {
			slog.Warn("Failed to remove orphaned sandboxes", "error", err)
		} else if n > 0 {
			slog.Info("Removed orphaned sandboxes", "count", n)
		}
		slog.Info("Sandbox launcher initialized", "image", cfg.Executor.SandboxImage, "runtime", cfg.Executor.ContainerRuntime)
		return sandbox, func() {
			if err := sandbox.Close(); err != nil {
				slog.Warn("Failed to close docker client", "error", err)
			}
		}, nil
	}
	return nil, func() {}, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
