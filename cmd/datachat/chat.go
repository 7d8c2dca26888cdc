package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/session"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <file>",
		Short: "Start an interactive session on a file.",
		Long: `Start an interactive session on a file. Each line is a question; the
conversation so far is kept as context. Type /exit or send EOF to quit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := opts.openLocal(ctx, args[0])
			if err != nil {
				return err
			}
			defer l.Close()

			out := cmd.OutOrStdout()
			writeHandle(out, l.handle)
			root, _ := l.mgr.ChartRoot(localUser, l.handle.SessionID)

			in := bufio.NewScanner(cmd.InOrStdin())
			in.Buffer(make([]byte, 64<<10), 1<<20)
			for {
				fmt.Fprint(out, "> ")
				if !in.Scan() {
					fmt.Fprintln(out)
					return in.Err()
				}
				q := strings.TrimSpace(in.Text())
				switch q {
				case "":
					continue
				case "/exit", "/quit":
					return nil
				}

				turn, err := opts.runLocalTurn(ctx, cmd, l, q)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if errors.Is(err, session.ErrNoSession) {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				writeResponse(out, api.NewTurnResponse(turn), root)
			}
		},
	}
}
