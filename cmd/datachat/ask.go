package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/rpc"
	"github.com/ashureev/datachat/internal/session"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var remote, token string
	cmd := &cobra.Command{
		Use:   "ask <file> <question...>",
		Short: "Answer a single question about a file.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args[1:], " ")
			if remote != "" {
				if token == "" {
					token = os.Getenv("GRPC_TOKEN")
				}
				return opts.askRemote(cmd, remote, token, args[0], question)
			}
			return opts.askLocal(cmd, args[0], question)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "run the turn on a datachat server at this gRPC address")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --remote (default $GRPC_TOKEN)")
	return cmd
}

func (o *rootOptions) askLocal(cmd *cobra.Command, path, question string) error {
	ctx := cmd.Context()
	l, err := o.openLocal(ctx, path)
	if err != nil {
		return err
	}
	defer l.Close()

	out := cmd.OutOrStdout()
	turn, err := o.runLocalTurn(ctx, cmd, l, question)
	if err != nil {
		return err
	}
	root, _ := l.mgr.ChartRoot(localUser, l.handle.SessionID)
	writeResponse(out, api.NewTurnResponse(turn), root)
	return nil
}

func (o *rootOptions) runLocalTurn(ctx context.Context, cmd *cobra.Command, l *local, question string) (*session.Turn, error) {
	var turnOpts []session.TurnOption
	if o.verbose {
		errOut := cmd.ErrOrStderr()
		turnOpts = append(turnOpts, session.WithEvents(func(ev agent.Event) {
			if ev.Step != nil {
				writeStep(errOut, *ev.Step)
			}
		}))
	}
	return l.mgr.RunTurn(ctx, localUser, l.handle.SessionID, question, nil, turnOpts...)
}

func (o *rootOptions) askRemote(cmd *cobra.Command, addr, token, path, question string) error {
	ctx := cmd.Context()
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	cfg := rpc.DefaultClientConfig(addr)
	cfg.Token = token
	client, err := rpc.NewClient(cfg, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	userID := "cli_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	handle, err := client.NewSession(ctx, userID, filepath.Base(path), content, o.table)
	if err != nil {
		return err
	}
	if o.verbose {
		writeHandle(cmd.ErrOrStderr(), handle)
	}

	resp, err := client.RunTurn(ctx, userID, handle.SessionID, question)
	if err != nil {
		return err
	}
	if o.verbose {
		for _, s := range resp.Steps {
			writeStep(cmd.ErrOrStderr(), s)
		}
	}
	writeResponse(cmd.OutOrStdout(), *resp, "")
	return nil
}
