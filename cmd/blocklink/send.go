package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command> [params-json]",
		Short: "Send one command and print the reply payload",
		Example: `  blocklink send GET_SERVER_INFO
  blocklink send GET_BLOCK_HASH '{"height": 100}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			m := opts.newManager()
			defer m.Disconnect()

			if err := m.EnsureConnected(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			data, err := m.Send(ctx, args[0], params)
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(data)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
}

// parseParams decodes the optional params argument as a JSON object.
func parseParams(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(args[0]), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}
