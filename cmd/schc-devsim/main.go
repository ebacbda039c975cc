// schc-devsim simulates a fleet of SCHC devices against a running schcd.
//
// For each configured device it opens a UDP tunnel socket, synthesizes
// IPv6/UDP telemetry packets, runs them through the device's compression
// and fragmentation rules (transmitting in the uplink direction), and
// sends the resulting frames to the gateway. Inbound frames are fed back
// into the engine so downlink ACKs complete fragmented transfers.
//
// Useful for smoke-testing a rule set and for load-testing a gateway
// without radio hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sync/errgroup"

	"github.com/lpwan-works/goschc/internal/config"
	"github.com/lpwan-works/goschc/internal/netio"
	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
	appversion "github.com/lpwan-works/goschc/internal/version"
)

// errNoDevices is returned when the rule set holds no devices to simulate.
var errNoDevices = errors.New("rule set has no devices")

func main() {
	os.Exit(run())
}

type simFlags struct {
	gateway  string
	rules    string
	count    int
	interval time.Duration
	payload  int
}

func parseFlags() *simFlags {
	f := &simFlags{}
	flag.StringVar(&f.gateway, "gateway", "127.0.0.1:8472", "schcd tunnel address (host:port)")
	flag.StringVar(&f.rules, "rules", "", "rule set file; every device in it is simulated")
	flag.IntVar(&f.count, "count", 10, "packets to send per device")
	flag.DurationVar(&f.interval, "interval", time.Second, "gap between packets per device")
	flag.IntVar(&f.payload, "payload", 32, "telemetry payload size in bytes")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("schc-devsim"))
		os.Exit(0)
	}

	return f
}

func run() int {
	flags := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flags.rules == "" {
		logger.Error("no rule set configured; use --rules")
		return 1
	}

	store, err := config.LoadRuleSet(flags.rules)
	if err != nil {
		logger.Error("failed to load rule set", slog.String("error", err.Error()))
		return 1
	}

	devs := store.Devices()
	if len(devs) == 0 {
		logger.Error("nothing to simulate", slog.String("error", errNoDevices.Error()))
		return 1
	}

	gateway, err := resolveGateway(flags.gateway)
	if err != nil {
		logger.Error("failed to resolve gateway", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tally := &transferTally{}

	g, gCtx := errgroup.WithContext(ctx)
	for _, dev := range devs {
		g.Go(func() error {
			return simulateDevice(gCtx, dev, store, gateway, flags, tally, logger)
		})
	}

	logger.Info("schc-devsim started",
		slog.String("gateway", gateway.String()),
		slog.Int("devices", len(devs)),
		slog.Int("count", flags.count),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("devsim exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("schc-devsim finished",
		slog.Uint64("completed", tally.completed.Load()),
		slog.Uint64("failed", tally.failed.Load()),
	)

	if tally.failed.Load() > 0 {
		return 1
	}
	return 0
}

// transferTally counts transfer outcomes across all simulated devices.
type transferTally struct {
	completed atomic.Uint64
	failed    atomic.Uint64
}

// resolveGateway turns the CLI address into an AddrPort, resolving a
// hostname if one was given.
func resolveGateway(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve gateway %s: %w", addr, err)
	}

	return udpAddr.AddrPort(), nil
}

// simulateDevice runs one device: its own tunnel socket, its own
// manager transmitting uplink, one telemetry packet per interval.
func simulateDevice(
	ctx context.Context,
	dev *rules.Device,
	store *rules.Store,
	gateway netip.AddrPort,
	flags *simFlags,
	tally *transferTally,
	logger *slog.Logger,
) error {
	logger = logger.With(slog.Uint64("device_id", uint64(dev.DeviceID)))

	tunnel, err := netio.NewTunnel(netio.Config{Addr: ":0", MaxDatagram: 2048}, logger)
	if err != nil {
		return fmt.Errorf("device %d: create tunnel: %w", dev.DeviceID, err)
	}
	defer tunnel.Close()

	tunnel.SetPeer(dev.DeviceID, gateway)

	// done releases the send loop when a transfer finishes either way.
	var wg sync.WaitGroup

	mgr, err := schc.NewManager(logger, store, tunnel,
		schc.WithDirection(rules.DirectionUp),
		schc.WithEndTx(func(ev schc.EndTxEvent) {
			if ev.Err != nil {
				tally.failed.Add(1)
			} else {
				tally.completed.Add(1)
			}
			wg.Done()
		}),
	)
	if err != nil {
		return fmt.Errorf("device %d: create manager: %w", dev.DeviceID, err)
	}
	defer mgr.Close(context.WithoutCancel(ctx))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() { runDone <- tunnel.Run(runCtx, mgr) }()

	ticker := time.NewTicker(flags.interval)
	defer ticker.Stop()

	for seq := 0; seq < flags.count; seq++ {
		packet, err := telemetryPacket(dev, seq, flags.payload)
		if err != nil {
			return fmt.Errorf("device %d: build packet: %w", dev.DeviceID, err)
		}

		frame, outcome, err := mgr.Compress(dev.DeviceID, packet)
		if err != nil {
			return fmt.Errorf("device %d: compress: %w", dev.DeviceID, err)
		}

		wg.Add(1)
		if err := mgr.Send(ctx, dev.DeviceID, frame); err != nil {
			wg.Done()
			tally.failed.Add(1)
			logger.Warn("send failed", slog.String("error", err.Error()))
		} else {
			logger.Debug("packet sent",
				slog.Int("seq", seq),
				slog.String("outcome", outcome.String()),
				slog.Int("bytes", len(frame)))
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			cancelRun()
			return <-runDone
		case <-ticker.C:
		}
	}

	// Let in-flight fragmented transfers drain before tearing down.
	wg.Wait()
	cancelRun()
	return <-runDone
}

// telemetryPacket synthesizes one IPv6/UDP telemetry packet for a
// device: a fixed flow the compression rules can latch onto, with a
// sequence number in the payload so packets stay distinguishable.
func telemetryPacket(dev *rules.Device, seq, payloadSize int) ([]byte, error) {
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2001:db8::2")
	if iid := dev.DevIID; len(iid) == 8 {
		copy(src[8:], iid)
	}
	if iid := dev.AppIID; len(iid) == 8 {
		copy(dst[8:], iid)
	}

	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      src,
		DstIP:      dst,
	}
	udp := &layers.UDP{SrcPort: 8720, DstPort: 8721}
	if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, fmt.Errorf("set checksum layer: %w", err)
	}

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(seq + i)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip6, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}

	return buf.Bytes(), nil
}
