package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/blocklink/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show blocklink version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "blocklink %s\n", version.String())
			return nil
		},
	}
}
