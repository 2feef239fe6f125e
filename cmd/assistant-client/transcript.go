package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

var errNoTranscript = errors.New("no transcript configured (set TRANSCRIPT_PATH)")

func newTranscriptCmd(opts *rootOptions) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print or clear the local transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.TranscriptEnabled() {
				return errNoTranscript
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			store, err := transcript.New(cfg.TranscriptPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if clearAll {
				n, err := store.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %d entries.\n", n)
				return nil
			}

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No entries.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tROLE\tSTATUS\tCONTENT")
			for _, e := range entries {
				content := oneLine(e.Content)
				if e.Error != "" {
					content += " [error: " + e.Error + "]"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Role, e.Status, content)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Number of entries to print")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete every entry instead of printing")
	return cmd
}
