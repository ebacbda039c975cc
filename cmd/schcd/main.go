// SCHC daemon -- static context header compression and fragmentation
// for LPWAN traffic (RFC 8724).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lpwan-works/goschc/internal/config"
	schcmetrics "github.com/lpwan-works/goschc/internal/metrics"
	"github.com/lpwan-works/goschc/internal/netio"
	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
	"github.com/lpwan-works/goschc/internal/server"
	appversion "github.com/lpwan-works/goschc/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers and
// in-flight fragmented transfers to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging stalled
// fragmentation exchanges.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("schcd"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("schcd starting",
		slog.String("version", appversion.Version),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("tunnel_addr", cfg.Tunnel.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := schcmetrics.NewCollector(reg)

	// 6. Load the SCHC rule set.
	store, err := config.LoadRuleSet(cfg.SCHC.RulesFile)
	if err != nil {
		logger.Error("failed to load rule set",
			slog.String("path", cfg.SCHC.RulesFile),
			slog.String("error", err.Error()),
		)
		return 1
	}
	logger.Info("rule set loaded",
		slog.String("path", cfg.SCHC.RulesFile),
		slog.Int("devices", store.Len()),
	)

	// 7. Run the tunnel, engine, and servers.
	if err := runServers(cfg, store, reg, collector, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("schcd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("schcd stopped")
	return 0
}

// runServers sets up the tunnel transport, the SCHC manager, the control
// API, and the metrics HTTP server, then runs them under an errgroup with
// a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	store *rules.Store,
	reg *prometheus.Registry,
	collector *schcmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	// UDP tunnel transport: carries SCHC frames to and from devices.
	tunnel, err := netio.NewTunnel(netio.Config{
		Addr:        cfg.Tunnel.Addr,
		MaxDatagram: cfg.Tunnel.MaxDatagram,
	}, logger)
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}
	defer closeTunnel(tunnel, logger)

	logger.Info("tunnel listening", slog.String("addr", tunnel.LocalAddr().String()))

	dir, ok := rules.ParseDirection(strings.ToUpper(cfg.SCHC.Direction))
	if !ok {
		return fmt.Errorf("%q: %w", cfg.SCHC.Direction, config.ErrInvalidDirection)
	}

	mgr, err := schc.NewManager(logger, store, tunnel,
		schc.WithMetrics(collector),
		schc.WithDirection(dir),
		schc.WithPoolSizes(cfg.SCHC.TxPool, cfg.SCHC.RxPool),
	)
	if err != nil {
		return fmt.Errorf("create schc manager: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiSrv := newAPIServer(cfg.API, mgr, store, logger)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Inbound frames flow from the tunnel into the manager.
	g.Go(func() error {
		return tunnel.Run(gCtx, mgr)
	})

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, store, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, fr, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the control API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control API listening", slog.String("addr", cfg.API.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.API.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	store *rules.Store,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, store, logger)
		return nil
	})
}

// closeTunnel closes the tunnel socket, logging any error.
func closeTunnel(t *netio.Tunnel, logger *slog.Logger) {
	if err := t.Close(); err != nil {
		logger.Warn("failed to close tunnel",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + rule set swap
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared LevelVar
// and the rule set is re-read and swapped into the running store.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	store *rules.Store,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, store, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and swaps in the re-read rule set. In-flight
// transfers keep their original rules; new transfers see the new set.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	store *rules.Store,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	// Re-read and swap the rule set. LoadRuleSet validates the whole
	// file before any device is registered, so a bad edit cannot leave
	// the store half-replaced.
	newStore, err := config.LoadRuleSet(newCfg.SCHC.RulesFile)
	if err != nil {
		logger.Error("failed to reload rule set, keeping current rules",
			slog.String("path", newCfg.SCHC.RulesFile),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := store.Replace(newStore.Devices()); err != nil {
		logger.Error("failed to swap rule set, keeping current rules",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("rule set reloaded",
		slog.String("path", newCfg.SCHC.RulesFile),
		slog.Int("devices", store.Len()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain transfers + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, drains
// in-flight fragmented transfers (senders issue Abort messages so peers
// do not wait out their inactivity timers), then shuts down HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for the drain.
func gracefulShutdown(
	ctx context.Context,
	mgr *schc.Manager,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// Drain the engine while the tunnel socket is still open so abort
	// frames reach the peers.
	mgr.Close(shutdownCtx)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder
// for post-mortem debugging of stalled fragmentation exchanges. The
// recorder maintains a rolling window of execution trace data that can
// be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAPIServer creates an HTTP server for the Connect control API.
// The handler is wrapped with h2c to support HTTP/2 without TLS, which is
// required for gRPC-style clients that connect over plaintext (e.g., schcctl).
// Includes standard gRPC health checking (grpc.health.v1).
func newAPIServer(cfg config.APIConfig, mgr *schc.Manager, store *rules.Store, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	// SCHC service handler.
	path, handler := server.New(logger, mgr, store,
		connect.WithInterceptors(
			server.LoggingInterceptor(logger),
			server.RecoveryInterceptor(logger),
		),
	)
	mux.Handle(path, handler)

	// gRPC health check handler (grpc.health.v1).
	// Reports SERVING for the overall server and the SCHC service.
	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		"schc.v1.SCHCService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload. When a log file is
// configured, output goes through lumberjack for size- and age-based
// rotation; otherwise it goes to stdout.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}
