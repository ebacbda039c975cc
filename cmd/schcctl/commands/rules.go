package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/config"
	"github.com/lpwan-works/goschc/internal/server"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with rule set files offline",
		Long:  "Validates and inspects SCHC rule set files without a running daemon. Useful before deploying a new rules.yaml.",
	}

	cmd.AddCommand(rulesValidateCmd())
	cmd.AddCommand(rulesShowCmd())

	return cmd
}

// --- rules validate ---

func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-file>",
		Short: "Check a rule set file for errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := config.LoadRuleSet(args[0])
			if err != nil {
				return fmt.Errorf("validate %s: %w", args[0], err)
			}

			fmt.Printf("%s: OK (%d device(s))\n", args[0], store.Len())

			return nil
		},
	}
}

// --- rules show ---

func rulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rules-file>",
		Short: "Render the devices of a rule set file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := config.LoadRuleSet(args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			devs := store.Devices()
			views := make([]server.DeviceView, 0, len(devs))
			for _, dev := range devs {
				views = append(views, server.NewDeviceView(dev))
			}

			out, err := formatDevices(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format devices: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
