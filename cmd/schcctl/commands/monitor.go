package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lpwan-works/goschc/internal/server"
)

func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch engine counters and in-flight transfers",
		Long:  "Polls the schcd daemon and prints a line whenever the transfer counters change, until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runMonitor(ctx, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second,
		"polling interval")

	return cmd
}

// runMonitor polls the daemon until the context is cancelled, printing
// a line on every counter change. The first poll always prints.
func runMonitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *server.GetStatsResponse

	for {
		stats, err := invoke[server.GetStatsRequest, server.GetStatsResponse](
			ctx, server.ProcedureGetStats, &server.GetStatsRequest{})
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		if last == nil || *stats != *last {
			fmt.Println(formatStatsLine(stats))
			last = stats
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// formatStatsLine renders one monitor line with a timestamp.
func formatStatsLine(s *server.GetStatsResponse) string {
	return fmt.Sprintf("[%s] tx_active=%d rx_active=%d tx_completed=%d tx_failed=%d rx_completed=%d rx_failed=%d dropped=%d",
		time.Now().Format(time.RFC3339),
		s.TxActive,
		s.RxActive,
		s.TxCompleted,
		s.TxFailed,
		s.RxCompleted,
		s.RxFailed,
		s.Dropped,
	)
}
