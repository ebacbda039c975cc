package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Tunnel — UDP transport for SCHC frames
// -------------------------------------------------------------------------

// tunnelTOS marks tunnel datagrams Expedited Forwarding (DSCP 46).
// Fragment pacing assumes the link honours the duty cycle; queueing
// tunnel frames behind bulk traffic would stretch it.
const tunnelTOS = 0xB8

// Sentinel errors for tunnel operations.
var (
	// ErrTunnelClosed indicates an operation on a closed tunnel.
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrUnknownPeer indicates no tunnel address is known for the
	// device, statically or learned.
	ErrUnknownPeer = errors.New("no tunnel peer for device")

	// ErrFrameTooLarge indicates a frame above the configured datagram
	// cap.
	ErrFrameTooLarge = errors.New("frame exceeds max datagram size")

	// ErrUnexpectedConnType indicates the listener returned something
	// other than a UDP connection.
	ErrUnexpectedConnType = errors.New("unexpected connection type")
)

// Handler consumes decapsulated inbound frames. This interface
// decouples the tunnel from the schc.Manager; the manager's
// HandleInbound satisfies it directly.
type Handler interface {
	HandleInbound(ctx context.Context, deviceID uint32, frame []byte) error
}

// Config holds the tunnel transport configuration.
type Config struct {
	// Addr is the local UDP listen address (e.g., ":8472").
	Addr string

	// MaxDatagram caps the SCHC frame size in either direction,
	// excluding the encapsulation header.
	MaxDatagram int
}

// Tunnel is the UDP transport SCHC frames travel over. One socket
// serves every device: the encapsulation header names the device, and
// a peer table maps device IDs to remote addresses.
//
// Peer addresses are learned from inbound frames, so a device behind a
// changing NAT binding keeps working; SetPeer seeds the table for
// devices that must receive downlink before they ever transmit.
//
// Thread safety: Send may be called concurrently with the Run loop and
// with itself. The peer table is guarded by mu; the UDP socket is safe
// for concurrent use.
type Tunnel struct {
	conn        *net.UDPConn
	maxDatagram int
	logger      *slog.Logger

	mu     sync.RWMutex
	peers  map[uint32]netip.AddrPort
	closed bool
}

// NewTunnel binds the tunnel socket and configures it for frame
// transport (SO_REUSEADDR, EF traffic class).
func NewTunnel(cfg Config, logger *slog.Logger) (*Tunnel, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setTunnelOpts(c)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel listen %s: %w", cfg.Addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("tunnel listen %s: %w: %w", cfg.Addr, ErrUnexpectedConnType, closeErr)
	}

	return &Tunnel{
		conn:        conn,
		maxDatagram: cfg.MaxDatagram,
		peers:       make(map[uint32]netip.AddrPort),
		logger: logger.With(
			slog.String("component", "netio.tunnel"),
			slog.String("local", conn.LocalAddr().String()),
		),
	}, nil
}

// setTunnelOpts configures the tunnel socket. SO_REUSEADDR is required;
// the traffic class is set for whichever address family the socket has.
func setTunnelOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)

		if sockErr = unix.SetsockoptInt(
			intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1,
		); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}

		// One of these applies depending on the socket family; a
		// dual-stack socket takes both.
		err6 := unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tunnelTOS)
		err4 := unix.SetsockoptInt(intFD, unix.IPPROTO_IP, unix.IP_TOS, tunnelTOS)
		if err6 != nil && err4 != nil {
			sockErr = fmt.Errorf("set traffic class: %w", err4)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// LocalAddr returns the bound socket address.
func (t *Tunnel) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// SetPeer seeds or replaces the tunnel address for a device.
func (t *Tunnel) SetPeer(deviceID uint32, addr netip.AddrPort) {
	t.mu.Lock()
	t.peers[deviceID] = addr
	t.mu.Unlock()
}

// Peer returns the current tunnel address for a device.
func (t *Tunnel) Peer(deviceID uint32) (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[deviceID]
	return addr, ok
}

// learnPeer records the source address of an inbound frame.
func (t *Tunnel) learnPeer(deviceID uint32, addr netip.AddrPort) {
	t.mu.Lock()
	prev, had := t.peers[deviceID]
	t.peers[deviceID] = addr
	t.mu.Unlock()

	if had && prev != addr {
		t.logger.Debug("peer address changed",
			slog.Uint64("device_id", uint64(deviceID)),
			slog.String("old", prev.String()),
			slog.String("new", addr.String()))
	}
}

// Send encapsulates frame and transmits it to the device's tunnel
// peer. It satisfies the frame transport interface the SCHC engine
// sends through; the returned count excludes the encapsulation header.
func (t *Tunnel) Send(ctx context.Context, frame []byte, deviceID uint32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("tunnel send: %w", err)
	}
	if t.isClosed() {
		return 0, fmt.Errorf("tunnel send to device %d: %w", deviceID, ErrTunnelClosed)
	}
	if len(frame) > t.maxDatagram {
		return 0, fmt.Errorf("tunnel send to device %d: %d bytes: %w",
			deviceID, len(frame), ErrFrameTooLarge)
	}

	peer, ok := t.Peer(deviceID)
	if !ok {
		return 0, fmt.Errorf("tunnel send to device %d: %w", deviceID, ErrUnknownPeer)
	}

	buf := make([]byte, EncapHeaderSize+len(frame))
	if _, err := MarshalEncapHeader(buf, deviceID); err != nil {
		return 0, fmt.Errorf("tunnel send to device %d: %w", deviceID, err)
	}
	copy(buf[EncapHeaderSize:], frame)

	n, err := t.conn.WriteToUDPAddrPort(buf, peer)
	if err != nil {
		return 0, fmt.Errorf("tunnel send to device %d at %s: %w", deviceID, peer, err)
	}
	if n < EncapHeaderSize {
		return 0, nil
	}
	return n - EncapHeaderSize, nil
}

// Run reads frames from the socket and feeds them to the handler until
// ctx is cancelled or the tunnel is closed. Malformed and oversized
// datagrams are dropped with a log line; handler errors are logged and
// do not stop the loop.
func (t *Tunnel) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read; the loop exits on ctx.Err.
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	// One extra byte makes kernel-side truncation detectable.
	buf := make([]byte, t.maxDatagram+EncapHeaderSize+1)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, raddr, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			t.logger.Warn("tunnel read error", slog.String("error", err.Error()))
			continue
		}

		t.handleFrame(ctx, h, buf[:n], raddr)
	}
}

// handleFrame decapsulates one datagram and hands the SCHC frame to
// the handler. The datagram buffer is reused by the read loop, so the
// payload is copied out before the handler runs.
func (t *Tunnel) handleFrame(ctx context.Context, h Handler, datagram []byte, raddr netip.AddrPort) {
	if len(datagram)-EncapHeaderSize > t.maxDatagram {
		t.logger.Warn("oversized datagram dropped",
			slog.String("src", raddr.String()),
			slog.Int("bytes", len(datagram)))
		return
	}

	hdr, err := UnmarshalEncapHeader(datagram)
	if err != nil {
		t.logger.Debug("malformed datagram dropped",
			slog.String("src", raddr.String()),
			slog.String("error", err.Error()))
		return
	}

	t.learnPeer(hdr.DeviceID, raddr)

	frame := make([]byte, len(datagram)-EncapHeaderSize)
	copy(frame, datagram[EncapHeaderSize:])

	if err := h.HandleInbound(ctx, hdr.DeviceID, frame); err != nil {
		t.logger.Debug("inbound frame rejected",
			slog.Uint64("device_id", uint64(hdr.DeviceID)),
			slog.String("src", raddr.String()),
			slog.String("error", err.Error()))
	}
}

func (t *Tunnel) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close closes the tunnel socket, unblocking any Run loop.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close tunnel socket: %w", err)
	}
	return nil
}
