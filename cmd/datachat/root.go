package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/container"
	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/scope"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
)

// localUser owns every session the CLI creates.
const localUser = "local"

type rootOptions struct {
	verbose  bool
	table    string
	executor string
	provider string
	model    string

	newModel func(context.Context, config.LLMConfig) (llm.Completer, error)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{newModel: llm.New})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "datachat",
		Short: "Ask questions about tabular data in plain language.",
		Long: `datachat loads a CSV, spreadsheet, NF-e XML or ZIP of those and answers
questions about it by writing and running small analysis programs.

  datachat inspect vendas.xlsx
  datachat ask vendas.csv "Qual produto vendeu mais?"
  datachat chat vendas.csv --verbose
  datachat ask vendas.csv "Quantas linhas?" --remote localhost:50051

The language model and executor come from the same environment variables as
the server (LLM_PROVIDER, LLM_MODEL, GOOGLE_API_KEY, EXECUTOR, ...); a .env
file in the working directory is loaded first.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelInfo
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print every reasoning step")
	flags.StringVar(&opts.table, "table", "", "sheet or archive member to analyze when the file holds several")
	flags.StringVar(&opts.executor, "executor", "", "override EXECUTOR (starlark, python, docker)")
	flags.StringVar(&opts.provider, "provider", "", "override LLM_PROVIDER")
	flags.StringVar(&opts.model, "model", "", "override LLM_MODEL")

	root.AddCommand(newInspectCmd(opts), newAskCmd(opts), newChatCmd(opts))
	return root
}

// loadConfig reads the environment and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.executor != "" {
		_ = os.Setenv("EXECUTOR", o.executor)
	}
	if o.provider != "" {
		_ = os.Setenv("LLM_PROVIDER", o.provider)
	}
	if o.model != "" {
		_ = os.Setenv("LLM_MODEL", o.model)
	}
	return config.Load()
}

func loadTables(path string) ([]*dataset.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return dataset.Load(filepath.Base(path), f)
}

func loadTable(path, name string) (*dataset.Table, error) {
	tables, err := loadTables(path)
	if err != nil {
		return nil, err
	}
	return dataset.Pick(tables, name)
}

// local is an in-process session on an in-memory store.
type local struct {
	mgr     *session.Manager
	handle  *session.Handle
	cleanup []func()
}

func (l *local) Close() {
	for i := len(l.cleanup) - 1; i >= 0; i-- {
		l.cleanup[i]()
	}
}

func (o *rootOptions) openLocal(ctx context.Context, path string) (*local, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	table, err := loadTable(path, o.table)
	if err != nil {
		return nil, err
	}
	l := &local{}

	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	l.cleanup = append(l.cleanup, func() { _ = repo.Close() })

	chartsDir, err := os.MkdirTemp("", "datachat-")
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	l.cleanup = append(l.cleanup, func() { _ = os.RemoveAll(chartsDir) })

	model, err := o.newModel(ctx, cfg.LLM)
	if err != nil {
		l.Close()
		return nil, err
	}

	var launcher scope.Launcher
	switch cfg.Executor.Kind {
	case config.ExecutorPython:
		launcher = scope.LocalLauncher{Python: cfg.Executor.PythonPath}
	case config.ExecutorDocker:
		sandbox, err := container.NewSandbox(cfg.Executor.ContainerRuntime, cfg.Executor.SandboxImage)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.cleanup = append(l.cleanup, func() { _ = sandbox.Close() })
		launcher = sandbox
	}

	l.mgr = session.NewManager(session.Config{
		ChartsDir:      chartsDir,
		Executor:       cfg.Executor.Kind,
		MaxSteps:       cfg.Executor.MaxSteps,
		OutputLimit:    cfg.Executor.OutputLimit,
		MaxIterations:  cfg.Agent.MaxIterations,
		TurnTimeout:    cfg.Agent.TurnTimeout,
		AnswerLanguage: cfg.Agent.AnswerLanguage,
	}, repo, model, session.WithLauncher(launcher))
	l.cleanup = append(l.cleanup, func() { l.mgr.CloseAll(context.Background()) })

	l.handle, err = l.mgr.NewSession(ctx, localUser, table)
	if err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func writeHandle(w io.Writer, h *session.Handle) {
	fmt.Fprintf(w, "%s: %d rows, %d columns (%s)\n", h.Dataset, h.Rows, len(h.Columns), h.Executor)
}
