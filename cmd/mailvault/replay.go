package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailvault/internal/mbox"
	"github.com/shineum/mailvault/internal/pipeline"
)

func newReplayCommand(opts *RootOptions) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "replay <mbox file>",
		Short: "Run every message of an mbox file through the relay pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if err := cfg.Validate(); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer f.Close()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := newVault(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			notifier, closeNotifier, err := selectNotifier(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeNotifier()

			dispatcher := pipeline.NewDispatcher(st, v, st, notifier, cfg.Crypto.Secret)
			res, err := mbox.NewReplayer(dispatcher, to).Replay(ctx, f)
			fmt.Fprintf(cmd.OutOrStdout(), "messages: %d delivered: %d dropped: %d skipped: %d failed: %d\n",
				res.Total, res.Delivered, res.Dropped, res.Skipped, res.Failed)
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "deliver every message to this address instead of its To header")
	return cmd
}
