package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/mailvault/internal/store"
)

func newMessagesCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "messages <address>",
		Short: "Decrypt and print archived messages for an address, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			v, err := newVault(cfg)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			address := strings.ToLower(strings.TrimSpace(args[0]))
			owner, err := st.Lookup(ctx, address)
			if err != nil {
				return err
			}
			if owner == nil {
				return fmt.Errorf("%s: %w", address, store.ErrNotFound)
			}

			msgs, err := st.ListMessages(ctx, owner.ID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "no messages for %s\n", owner.Address)
				return nil
			}
			for _, m := range msgs {
				body, err := v.Decrypt(m.EncryptedBody, cfg.Crypto.Secret)
				if err != nil {
					body = fmt.Sprintf("(cannot decrypt: %v)", err)
				}
				fmt.Fprintf(out, "#%d %s\nFrom: %s\nSubject: %s\n\n%s\n\n",
					m.ID, m.CreatedAt.Format(time.RFC3339), m.From, m.Subject, body)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of messages (0 for all)")
	return cmd
}
