// Package commands implements the schcctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/lpwan-works/goschc/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- Structured formatters ---

// renderJSON marshals any view to indented JSON.
func renderJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// renderYAML marshals any view to YAML.
func renderYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}

	return string(data), nil
}

// formatDevices renders a slice of devices in the requested format.
func formatDevices(devices []server.DeviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(devices)
	case formatYAML:
		return renderYAML(devices)
	case formatTable:
		return formatDevicesTable(devices)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatDevice renders a single device in the requested format.
func formatDevice(dev server.DeviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(dev)
	case formatYAML:
		return renderYAML(dev)
	case formatTable:
		return formatDeviceDetail(dev)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatConnections renders in-flight transfers in the requested format.
func formatConnections(conns []server.ConnectionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(conns)
	case formatYAML:
		return renderYAML(conns)
	case formatTable:
		return formatConnectionsTable(conns)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatStats renders the engine counters in the requested format.
func formatStats(stats *server.GetStatsResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(stats)
	case formatYAML:
		return renderYAML(stats)
	case formatTable:
		return formatStatsTable(stats)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatDevicesTable(devices []server.DeviceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMTU\tDUTY-CYCLE\tUNCOMPRESSED-RULE\tCOMPRESSION-RULES\tFRAGMENTATION-RULES")

	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\n",
			d.DeviceID,
			d.MTU,
			d.DutyCycle,
			d.UncompressedRuleID,
			len(d.CompressionRuleIDs),
			len(d.FragmentationRules),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatDeviceDetail(d server.DeviceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Device ID:\t%d\n", d.DeviceID)
	fmt.Fprintf(w, "MTU:\t%d bytes\n", d.MTU)
	fmt.Fprintf(w, "Duty Cycle:\t%s\n", d.DutyCycle)
	fmt.Fprintf(w, "Uncompressed Rule:\t%d\n", d.UncompressedRuleID)
	fmt.Fprintf(w, "Compression Rules:\t%s\n", joinRuleIDs(d.CompressionRuleIDs))

	for _, fr := range d.FragmentationRules {
		fmt.Fprintf(w, "Fragmentation Rule %d:\t%s %s fcn=%d maxwnd=%d window=%d dtag=%d\n",
			fr.RuleID, fr.Mode, fr.Direction, fr.FCNSize, fr.MaxWndFCN, fr.WindowSize, fr.DTagSize)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatConnectionsTable(conns []server.ConnectionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tRULE\tDTAG\tROLE\tSTATE\tWINDOW\tFRAGMENTS\tATTEMPTS\tSTARTED")

	for _, c := range conns {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.DeviceID,
			c.RuleID,
			c.DTag,
			c.Role,
			c.State,
			c.Window,
			c.Fragments,
			c.Attempts,
			c.Started,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStatsTable(stats *server.GetStatsResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "TX Active:\t%d\n", stats.TxActive)
	fmt.Fprintf(w, "RX Active:\t%d\n", stats.RxActive)
	fmt.Fprintf(w, "TX Completed:\t%d\n", stats.TxCompleted)
	fmt.Fprintf(w, "TX Failed:\t%d\n", stats.TxFailed)
	fmt.Fprintf(w, "RX Completed:\t%d\n", stats.RxCompleted)
	fmt.Fprintf(w, "RX Failed:\t%d\n", stats.RxFailed)
	fmt.Fprintf(w, "Frames Dropped:\t%d\n", stats.Dropped)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// joinRuleIDs renders rule IDs as a comma-separated list, or a dash
// when the device has none.
func joinRuleIDs(ids []uint32) string {
	if len(ids) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d", id))
	}

	return strings.Join(parts, ", ")
}
