package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/server"
)

// --- compress ---

func compressCmd() *cobra.Command {
	var deviceID uint32

	cmd := &cobra.Command{
		Use:   "compress <hex-packet>",
		Short: "Run a packet through a device's compression rules",
		Long:  "Sends a hex-encoded IPv6 packet to the daemon, which applies the device's compression rules and returns the SCHC packet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			packet, err := normalizeHex(args[0])
			if err != nil {
				return err
			}

			resp, err := invoke[server.CompressRequest, server.CompressResponse](
				context.Background(), server.ProcedureCompress,
				&server.CompressRequest{DeviceID: deviceID, Packet: packet})
			if err != nil {
				return fmt.Errorf("compress: %w", err)
			}

			printCodecResult("Frame", resp.Frame, resp.Outcome, len(packet)/2, len(resp.Frame)/2)

			return nil
		},
	}

	cmd.Flags().Uint32Var(&deviceID, "device", 0, "device identifier (required)")
	mustMarkRequired(cmd, "device")

	return cmd
}

// --- decompress ---

func decompressCmd() *cobra.Command {
	var deviceID uint32

	cmd := &cobra.Command{
		Use:   "decompress <hex-frame>",
		Short: "Rebuild the original packet from a SCHC packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			frame, err := normalizeHex(args[0])
			if err != nil {
				return err
			}

			resp, err := invoke[server.DecompressRequest, server.DecompressResponse](
				context.Background(), server.ProcedureDecompress,
				&server.DecompressRequest{DeviceID: deviceID, Frame: frame})
			if err != nil {
				return fmt.Errorf("decompress: %w", err)
			}

			printCodecResult("Packet", resp.Packet, "", len(frame)/2, len(resp.Packet)/2)

			return nil
		},
	}

	cmd.Flags().Uint32Var(&deviceID, "device", 0, "device identifier (required)")
	mustMarkRequired(cmd, "device")

	return cmd
}

// --- stats ---

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine transfer counters",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := invoke[server.GetStatsRequest, server.GetStatsResponse](
				context.Background(), server.ProcedureGetStats, &server.GetStatsRequest{})
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			out, err := formatStats(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// normalizeHex validates a CLI hex argument and strips an optional 0x
// prefix so users can paste bytes straight from tcpdump or wireshark.
func normalizeHex(s string) (string, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("parse hex argument: %w", err)
	}

	return s, nil
}

// printCodecResult prints a compress/decompress result with a size
// comparison line.
func printCodecResult(label, value, outcome string, inBytes, outBytes int) {
	fmt.Printf("%s: %s\n", label, value)
	if outcome != "" {
		fmt.Printf("Outcome: %s\n", outcome)
	}
	fmt.Printf("Size: %d -> %d bytes (%+.1f%%)\n",
		inBytes, outBytes, sizeDelta(inBytes, outBytes))
}

// sizeDelta returns the percentage change from in to out.
func sizeDelta(in, out int) float64 {
	if in == 0 {
		return 0
	}

	return (float64(out) - float64(in)) / float64(in) * 100
}

// mustMarkRequired marks a flag required; the flag name is a compile-time
// constant so a failure is a programming error.
func mustMarkRequired(cmd *cobra.Command, name string) {
	if err := cmd.MarkFlagRequired(name); err != nil {
		panic(err)
	}
}
