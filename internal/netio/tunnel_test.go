package netio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/lpwan-works/goschc/internal/netio"
)

const recvTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTunnel binds a tunnel on an ephemeral loopback port.
func newTestTunnel(t *testing.T) *netio.Tunnel {
	t.Helper()

	tn, err := netio.NewTunnel(netio.Config{
		Addr:        "127.0.0.1:0",
		MaxDatagram: 256,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewTunnel() error: %v", err)
	}

	t.Cleanup(func() {
		if err := tn.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})

	return tn
}

// inboundFrame is one decapsulated frame as seen by a test handler.
type inboundFrame struct {
	deviceID uint32
	frame    []byte
}

// captureHandler records inbound frames and optionally fails them.
type captureHandler struct {
	frames chan inboundFrame
	err    error
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{frames: make(chan inboundFrame, 16)}
}

func (h *captureHandler) HandleInbound(_ context.Context, deviceID uint32, frame []byte) error {
	h.frames <- inboundFrame{deviceID: deviceID, frame: frame}
	return h.err
}

func (h *captureHandler) next(t *testing.T) inboundFrame {
	t.Helper()

	select {
	case f := <-h.frames:
		return f
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for inbound frame")
		return inboundFrame{}
	}
}

// runTunnel starts the receive loop and joins it at test cleanup.
func runTunnel(t *testing.T, tn *netio.Tunnel, h netio.Handler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := tn.Run(ctx, h); err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(recvTimeout):
			t.Error("Run() did not stop after cancel")
		}
	})
}

func TestTunnelDeliversFrames(t *testing.T) {
	t.Parallel()

	a := newTestTunnel(t)
	b := newTestTunnel(t)

	handler := newCaptureHandler()
	runTunnel(t, b, handler)

	a.SetPeer(9, b.LocalAddr())

	frame := []byte{0x16, 0x45, 0xDE, 0xAD, 0xBE, 0xEF}
	n, err := a.Send(context.Background(), frame, 9)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if n != len(frame) {
		t.Errorf("Send() = %d bytes, want %d", n, len(frame))
	}

	got := handler.next(t)
	if got.deviceID != 9 {
		t.Errorf("deviceID = %d, want 9", got.deviceID)
	}
	if !bytes.Equal(got.frame, frame) {
		t.Errorf("frame = %x, want %x", got.frame, frame)
	}
}

func TestTunnelLearnsPeerAddress(t *testing.T) {
	t.Parallel()

	a := newTestTunnel(t)
	b := newTestTunnel(t)

	handlerA := newCaptureHandler()
	handlerB := newCaptureHandler()
	runTunnel(t, a, handlerA)
	runTunnel(t, b, handlerB)

	// Only a knows its peer up front; b learns from the first frame.
	a.SetPeer(5, b.LocalAddr())

	if _, err := a.Send(context.Background(), []byte{0x01}, 5); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	handlerB.next(t)

	peer, ok := b.Peer(5)
	if !ok {
		t.Fatal("Peer(5) unknown after inbound frame")
	}
	if peer != a.LocalAddr() {
		t.Errorf("learned peer = %s, want %s", peer, a.LocalAddr())
	}

	// The learned address carries the reply.
	reply := []byte{0x02, 0x03}
	if _, err := b.Send(context.Background(), reply, 5); err != nil {
		t.Fatalf("reply Send() error: %v", err)
	}

	got := handlerA.next(t)
	if got.deviceID != 5 {
		t.Errorf("reply deviceID = %d, want 5", got.deviceID)
	}
	if !bytes.Equal(got.frame, reply) {
		t.Errorf("reply frame = %x, want %x", got.frame, reply)
	}
}

func TestTunnelSendErrors(t *testing.T) {
	t.Parallel()

	tn := newTestTunnel(t)
	ctx := context.Background()

	if _, err := tn.Send(ctx, []byte{0x01}, 42); !errors.Is(err, netio.ErrUnknownPeer) {
		t.Errorf("unknown peer error = %v, want %v", err, netio.ErrUnknownPeer)
	}

	tn.SetPeer(42, tn.LocalAddr())

	oversize := make([]byte, 257)
	if _, err := tn.Send(ctx, oversize, 42); !errors.Is(err, netio.ErrFrameTooLarge) {
		t.Errorf("oversize error = %v, want %v", err, netio.ErrFrameTooLarge)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := tn.Send(cancelled, []byte{0x01}, 42); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx error = %v, want %v", err, context.Canceled)
	}

	closed := newTestTunnel(t)
	closed.SetPeer(1, tn.LocalAddr())
	if err := closed.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := closed.Send(ctx, []byte{0x01}, 1); !errors.Is(err, netio.ErrTunnelClosed) {
		t.Errorf("closed tunnel error = %v, want %v", err, netio.ErrTunnelClosed)
	}
}

func TestTunnelDropsMalformedDatagrams(t *testing.T) {
	t.Parallel()

	tn := newTestTunnel(t)
	handler := newCaptureHandler()
	runTunnel(t, tn, handler)

	raw, err := net.Dial("udp", tn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer raw.Close()

	badVersion := []byte{0x7F, 0, 0, 0, 0, 0, 0, 1, 0xAA}
	zeroDevice := []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0xAA}
	oversize := make([]byte, 256+netio.EncapHeaderSize+8)
	oversize[0] = 0x01
	oversize[7] = 0x01

	for _, datagram := range [][]byte{{0x01}, badVersion, zeroDevice, oversize} {
		if _, err := raw.Write(datagram); err != nil {
			t.Fatalf("write raw datagram: %v", err)
		}
	}

	// A valid frame after the garbage proves the loop survived it.
	valid := []byte{0x01, 0, 0, 0, 0, 0, 0, 3, 0xCA, 0xFE}
	if _, err := raw.Write(valid); err != nil {
		t.Fatalf("write valid datagram: %v", err)
	}

	got := handler.next(t)
	if got.deviceID != 3 {
		t.Errorf("deviceID = %d, want 3", got.deviceID)
	}
	if !bytes.Equal(got.frame, []byte{0xCA, 0xFE}) {
		t.Errorf("frame = %x, want cafe", got.frame)
	}

	select {
	case f := <-handler.frames:
		t.Errorf("malformed datagram reached handler: %+v", f)
	default:
	}
}

func TestTunnelHandlerErrorKeepsRunning(t *testing.T) {
	t.Parallel()

	a := newTestTunnel(t)
	b := newTestTunnel(t)

	handler := newCaptureHandler()
	handler.err = errors.New("engine rejected frame")
	runTunnel(t, b, handler)

	a.SetPeer(2, b.LocalAddr())

	for _, frame := range [][]byte{{0x10}, {0x20}} {
		if _, err := a.Send(context.Background(), frame, 2); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}

	first := handler.next(t)
	second := handler.next(t)
	if first.frame[0] != 0x10 || second.frame[0] != 0x20 {
		t.Errorf("frames = %x, %x; want 10, 20", first.frame, second.frame)
	}
}

func TestTunnelCloseUnblocksRun(t *testing.T) {
	t.Parallel()

	tn, err := netio.NewTunnel(netio.Config{
		Addr:        "127.0.0.1:0",
		MaxDatagram: 256,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewTunnel() error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := tn.Run(context.Background(), newCaptureHandler()); runErr != nil {
			t.Errorf("Run() error: %v", runErr)
		}
	}()

	if err := tn.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(recvTimeout):
		t.Fatal("Run() did not return after Close")
	}

	// Closing again is a no-op.
	if err := tn.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
