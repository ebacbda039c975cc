package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/server"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect registered devices",
	}

	cmd.AddCommand(deviceListCmd())
	cmd.AddCommand(deviceShowCmd())

	return cmd
}

// --- device list ---

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered devices",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := invoke[server.ListDevicesRequest, server.ListDevicesResponse](
				context.Background(), server.ProcedureListDevices, &server.ListDevicesRequest{})
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}

			out, err := formatDevices(resp.Devices, outputFormat)
			if err != nil {
				return fmt.Errorf("format devices: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- device show ---

func deviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show the rule context of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			deviceID, err := parseDeviceID(args[0])
			if err != nil {
				return err
			}

			resp, err := invoke[server.GetDeviceRequest, server.GetDeviceResponse](
				context.Background(), server.ProcedureGetDevice,
				&server.GetDeviceRequest{DeviceID: deviceID})
			if err != nil {
				return fmt.Errorf("get device: %w", err)
			}

			out, err := formatDevice(resp.Device, outputFormat)
			if err != nil {
				return fmt.Errorf("format device: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// parseDeviceID parses a CLI argument as a uint32 device identifier.
func parseDeviceID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse device id %q: %w", s, err)
	}

	return uint32(id), nil
}
