package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/server"
)

var (
	// outputFormat controls the output format for all commands
	// (table, json, or yaml).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the Connect API.
	serverAddr string
)

// rootCmd is the top-level cobra command for schcctl.
var rootCmd = &cobra.Command{
	Use:   "schcctl",
	Short: "CLI client for the schcd daemon",
	Long:  "schcctl communicates with the schcd daemon via its Connect API to inspect devices, rules, and in-flight fragmented transfers.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8480",
		"schcd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json, yaml")

	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(connCmd())
	rootCmd.AddCommand(compressCmd())
	rootCmd.AddCommand(decompressCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(pcapCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// invoke calls one unary procedure on the daemon with the JSON codec.
// A fresh client per call is cheap: connect clients are thin wrappers
// around the shared http.DefaultClient.
func invoke[Req, Res any](ctx context.Context, procedure string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](
		http.DefaultClient,
		"http://"+serverAddr+procedure,
		server.WithJSONCodec(),
	)

	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}

	return resp.Msg, nil
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
