package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/assistant-client/internal/chat"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print or clear the backend chat history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if limit > 0 {
				cfg.HistoryLimit = limit
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			st, err := newStack(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if clearAll {
				if err := st.orchestrator.ClearHistory(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
				return nil
			}

			n, err := st.orchestrator.LoadHistory(cmd.Context())
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
				return nil
			}
			return printMessages(cmd.OutOrStdout(), st.orchestrator.Messages())
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Number of messages to fetch (default from CHAT_HISTORY_LIMIT)")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete the backend history instead of printing it")
	return cmd
}

func printMessages(w io.Writer, msgs []chat.Message) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tROLE\tCONTENT")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, oneLine(m.Content))
	}
	return tw.Flush()
}

// oneLine keeps table rows on a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
