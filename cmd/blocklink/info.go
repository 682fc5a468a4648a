package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/blocklink/internal/connection"
)

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect and print backend server info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			m := opts.newManager()
			defer m.Disconnect()

			if err := m.EnsureConnected(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			info, err := connection.GetServerInfo(ctx, m)
			if err != nil {
				return fmt.Errorf("get server info: %w", err)
			}

			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
