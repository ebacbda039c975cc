package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/config"
	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

// errUnknownPcapDevice is returned when the rule set has no entry for
// the requested device.
var errUnknownPcapDevice = errors.New("device not found in rule set")

// pcapReport accumulates compression results over a capture.
type pcapReport struct {
	Packets      int
	IPv6         int
	Compressed   int
	Uncompressed int
	Errors       int
	BytesIn      int
	BytesOut     int
}

func pcapCmd() *cobra.Command {
	var (
		rulesFile string
		deviceID  uint32
		direction string
	)

	cmd := &cobra.Command{
		Use:   "pcap <capture-file>",
		Short: "Estimate compression savings over a packet capture",
		Long: "Replays the IPv6 packets of a pcap file through a device's compression rules " +
			"offline and reports how much header overhead the rule set would save on the air.",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := config.LoadRuleSet(rulesFile)
			if err != nil {
				return fmt.Errorf("load rule set: %w", err)
			}

			dev, ok := store.Device(deviceID)
			if !ok {
				return fmt.Errorf("device %d: %w", deviceID, errUnknownPcapDevice)
			}

			dir, ok := rules.ParseDirection(strings.ToUpper(direction))
			if !ok {
				return fmt.Errorf("%q: %w", direction, config.ErrInvalidDirection)
			}

			report, err := analyzeCapture(args[0], dev, dir)
			if err != nil {
				return err
			}

			out, err := formatPcapReport(report)
			if err != nil {
				return fmt.Errorf("format report: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule set file (required)")
	cmd.Flags().Uint32Var(&deviceID, "device", 0, "device identifier (required)")
	cmd.Flags().StringVar(&direction, "direction", "up", "traffic direction: up or down")
	mustMarkRequired(cmd, "rules")
	mustMarkRequired(cmd, "device")

	return cmd
}

// analyzeCapture runs every IPv6 packet of the capture through the
// device's compression rules and tallies the results.
func analyzeCapture(path string, dev *rules.Device, dir rules.Direction) (*pcapReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	report := &pcapReport{}

	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", report.Packets+1, err)
		}
		report.Packets++

		raw := extractIPv6(data, r.LinkType())
		if raw == nil {
			continue
		}
		report.IPv6++

		outcome, buf, err := schc.Compress(raw, dev, dir)
		if err != nil {
			report.Errors++
			continue
		}

		report.BytesIn += len(raw)
		report.BytesOut += buf.ByteLength()

		if outcome == schc.OutcomeCompressed {
			report.Compressed++
		} else {
			report.Uncompressed++
		}
	}

	return report, nil
}

// extractIPv6 returns the raw IPv6 packet bytes (header plus payload)
// from a link-layer frame, or nil when the frame carries no IPv6.
func extractIPv6(data []byte, linkType layers.LinkType) []byte {
	pkt := gopacket.NewPacket(data, linkType, gopacket.Lazy)

	layer := pkt.Layer(layers.LayerTypeIPv6)
	if layer == nil {
		return nil
	}

	raw := make([]byte, 0, len(layer.LayerContents())+len(layer.LayerPayload()))
	raw = append(raw, layer.LayerContents()...)
	raw = append(raw, layer.LayerPayload()...)

	return raw
}

// formatPcapReport renders the savings report as a table.
func formatPcapReport(r *pcapReport) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Packets:\t%d\n", r.Packets)
	fmt.Fprintf(w, "IPv6 Packets:\t%d\n", r.IPv6)
	fmt.Fprintf(w, "Compressed:\t%d\n", r.Compressed)
	fmt.Fprintf(w, "Uncompressed:\t%d\n", r.Uncompressed)
	fmt.Fprintf(w, "Errors:\t%d\n", r.Errors)
	fmt.Fprintf(w, "Bytes In:\t%d\n", r.BytesIn)
	fmt.Fprintf(w, "Bytes Out:\t%d\n", r.BytesOut)
	fmt.Fprintf(w, "Savings:\t%.1f%%\n", savings(r.BytesIn, r.BytesOut))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// savings returns the percentage of bytes saved on the air.
func savings(in, out int) float64 {
	if in == 0 {
		return 0
	}

	return (float64(in) - float64(out)) / float64(in) * 100
}
