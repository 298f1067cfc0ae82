package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAddressCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Manage registered destination addresses",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <address>",
		Short: "Register a destination address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.AddAddress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %d)\n", entry.Address, entry.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <address>",
		Short: "Remove an address and its archived messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RemoveAddress(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListAddresses(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDRESS\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", e.ID, e.Address, e.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})

	return cmd
}
