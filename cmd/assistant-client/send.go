package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/assistant-client/internal/chat"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			st, err := newStack(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			out := cmd.OutOrStdout()
			printed := 0
			unsubscribe := st.orchestrator.Subscribe(func(m chat.Message) {
				if m.Role != chat.RoleAssistant || len(m.Content) <= printed {
					return
				}
				fmt.Fprint(out, m.Content[printed:])
				printed = len(m.Content)
			})
			defer unsubscribe()

			if err := st.orchestrator.Submit(ctx, strings.Join(args, " ")); err != nil {
				return err
			}

			err = st.orchestrator.Wait(ctx)
			if ctx.Err() != nil {
				st.orchestrator.Cancel()
				err = st.orchestrator.Wait(context.Background())
			}
			if printed > 0 {
				fmt.Fprintln(out)
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up on the reply after this long (0 waits forever)")
	return cmd
}
