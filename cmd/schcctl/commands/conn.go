package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/server"
)

func connCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conn",
		Short: "Manage in-flight fragmented transfers",
	}

	cmd.AddCommand(connListCmd())
	cmd.AddCommand(connResetCmd())

	return cmd
}

// --- conn list ---

func connListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List in-flight fragmented transfers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := invoke[server.ListConnectionsRequest, server.ListConnectionsResponse](
				context.Background(), server.ProcedureListConnections,
				&server.ListConnectionsRequest{})
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatConnections(resp.Connections, outputFormat)
			if err != nil {
				return fmt.Errorf("format connections: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- conn reset ---

func connResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <device-id> <dtag>",
		Short: "Abort the transfers matching a device and DTag",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			deviceID, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}

			dtag, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("parse dtag %q: %w", args[1], err)
			}

			resp, err := invoke[server.ResetConnectionRequest, server.ResetConnectionResponse](
				context.Background(), server.ProcedureResetConnection,
				&server.ResetConnectionRequest{DeviceID: deviceID, DTag: uint32(dtag)})
			if err != nil {
				return fmt.Errorf("reset connection: %w", err)
			}

			fmt.Printf("Aborted %d transfer(s).\n", resp.Aborted)

			return nil
		},
	}
}
