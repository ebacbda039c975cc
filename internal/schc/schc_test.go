package schc_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

// -------------------------------------------------------------------------
// Canonical rule set
//
// The fixture mirrors the rule set both SCHC endpoints of the examples
// in RFC 8724 Section 10 would share: a CoAP telemetry rule, a CoAP
// command rule with LSB-compressed message IDs, a bare-IPv6 link-local
// rule, and one fragmentation rule per reliability mode.
// -------------------------------------------------------------------------

func mustHex(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func addrBytes(s string) []byte {
	a := netip.MustParseAddr(s)
	b := a.As16()
	return b[:]
}

func prefix8(s string) []byte { return addrBytes(s)[:8] }
func iid8(s string) []byte    { return addrBytes(s)[8:] }

func u16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func mustLayer(t testing.TB, layer rules.Layer, fields []rules.FieldDescriptor) *rules.LayerRule {
	t.Helper()
	lr, err := rules.NewLayerRule(layer, fields)
	if err != nil {
		t.Fatalf("layer %s: %v", layer, err)
	}
	return lr
}

// fd is shorthand for a single-value field descriptor at position 1.
func fd(id rules.FieldID, dir rules.Direction, bitLen uint16, mo rules.MO, moParam uint8, action rules.Action, tv []byte) rules.FieldDescriptor {
	return rules.FieldDescriptor{
		ID:          id,
		Direction:   dir,
		BitLength:   bitLen,
		Position:    1,
		MO:          mo,
		MOParam:     moParam,
		Action:      action,
		TargetValue: tv,
	}
}

// telemetryIPv6 is the shared IPv6 layer of the CoAP rules: the device
// at 2001:db8::1 talking to one of four application prefixes.
func telemetryIPv6(t testing.TB) *rules.LayerRule {
	t.Helper()
	appPrefixes := append(append(append(
		prefix8("2001:db8:1::"),
		prefix8("2001:db8:2::")...),
		prefix8("2001:db8:3::")...),
		prefix8("2001:db8:4::")...)
	return mustLayer(t, rules.LayerIPv6, []rules.FieldDescriptor{
		fd(rules.FieldIPv6Version, rules.DirectionBi, 4, rules.MOEqual, 0, rules.ActionNotSent, []byte{6}),
		fd(rules.FieldIPv6TrafficClass, rules.DirectionBi, 8, rules.MOIgnore, 0, rules.ActionNotSent, []byte{0}),
		fd(rules.FieldIPv6FlowLabel, rules.DirectionBi, 20, rules.MOIgnore, 0, rules.ActionNotSent, []byte{0, 0, 0}),
		fd(rules.FieldIPv6Length, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeLength, []byte{0, 0}),
		fd(rules.FieldIPv6NextHeader, rules.DirectionBi, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{17}),
		fd(rules.FieldIPv6HopLimit, rules.DirectionUp, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{64}),
		fd(rules.FieldIPv6HopLimit, rules.DirectionDown, 8, rules.MOIgnore, 0, rules.ActionValueSent, []byte{0}),
		fd(rules.FieldIPv6DevPrefix, rules.DirectionBi, 64, rules.MOEqual, 0, rules.ActionNotSent, prefix8("2001:db8::")),
		fd(rules.FieldIPv6DevIID, rules.DirectionBi, 64, rules.MOEqual, 0, rules.ActionNotSent, iid8("::1")),
		fd(rules.FieldIPv6AppPrefix, rules.DirectionBi, 64, rules.MOMatchMap, 4, rules.ActionMappingSent, appPrefixes),
		fd(rules.FieldIPv6AppIID, rules.DirectionBi, 64, rules.MOEqual, 0, rules.ActionNotSent, iid8("::2")),
	})
}

// linkLocalIPv6 compresses link-local traffic between fe80::1 and
// fe80::2 with LSB-compressed interface identifiers.
func linkLocalIPv6(t testing.TB) *rules.LayerRule {
	t.Helper()
	return mustLayer(t, rules.LayerIPv6, []rules.FieldDescriptor{
		fd(rules.FieldIPv6Version, rules.DirectionBi, 4, rules.MOEqual, 0, rules.ActionNotSent, []byte{6}),
		fd(rules.FieldIPv6TrafficClass, rules.DirectionBi, 8, rules.MOIgnore, 0, rules.ActionNotSent, []byte{0}),
		fd(rules.FieldIPv6FlowLabel, rules.DirectionBi, 20, rules.MOIgnore, 0, rules.ActionNotSent, []byte{0, 0, 0}),
		fd(rules.FieldIPv6Length, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeLength, []byte{0, 0}),
		fd(rules.FieldIPv6NextHeader, rules.DirectionBi, 8, rules.MOMatchMap, 2, rules.ActionMappingSent, []byte{17, 58}),
		fd(rules.FieldIPv6HopLimit, rules.DirectionBi, 8, rules.MOMatchMap, 2, rules.ActionNotSent, []byte{64, 255}),
		fd(rules.FieldIPv6DevPrefix, rules.DirectionBi, 64, rules.MOEqual, 0, rules.ActionNotSent, prefix8("fe80::")),
		fd(rules.FieldIPv6DevIID, rules.DirectionBi, 64, rules.MOMSB, 62, rules.ActionLSB, iid8("::1")),
		fd(rules.FieldIPv6AppPrefix, rules.DirectionBi, 64, rules.MOEqual, 0, rules.ActionNotSent, prefix8("fe80::")),
		fd(rules.FieldIPv6AppIID, rules.DirectionBi, 64, rules.MOMSB, 62, rules.ActionLSB, iid8("::1")),
	})
}

// coapPortsUDP matches the well-known CoAP port pair on both ends.
func coapPortsUDP(t testing.TB) *rules.LayerRule {
	t.Helper()
	ports := append(u16(5683), u16(5684)...)
	return mustLayer(t, rules.LayerUDP, []rules.FieldDescriptor{
		fd(rules.FieldUDPDevPort, rules.DirectionBi, 16, rules.MOMatchMap, 2, rules.ActionMappingSent, ports),
		fd(rules.FieldUDPAppPort, rules.DirectionBi, 16, rules.MOMatchMap, 2, rules.ActionMappingSent, ports),
		fd(rules.FieldUDPLength, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeLength, []byte{0, 0}),
		fd(rules.FieldUDPChecksum, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeChecksum, []byte{0, 0}),
	})
}

// ephemeralUDP compresses a dynamic port pair around 8000 to its low
// four bits.
func ephemeralUDP(t testing.TB) *rules.LayerRule {
	t.Helper()
	return mustLayer(t, rules.LayerUDP, []rules.FieldDescriptor{
		fd(rules.FieldUDPDevPort, rules.DirectionBi, 16, rules.MOMSB, 12, rules.ActionLSB, u16(8000)),
		fd(rules.FieldUDPAppPort, rules.DirectionBi, 16, rules.MOMSB, 12, rules.ActionLSB, u16(8000)),
		fd(rules.FieldUDPLength, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeLength, []byte{0, 0}),
		fd(rules.FieldUDPChecksum, rules.DirectionBi, 16, rules.MOIgnore, 0, rules.ActionComputeChecksum, []byte{0, 0}),
	})
}

// telemetryCoAP matches the periodic NON PUT /usage report.
func telemetryCoAP(t testing.TB) *rules.LayerRule {
	t.Helper()
	return mustLayer(t, rules.LayerCoAP, []rules.FieldDescriptor{
		fd(rules.FieldCoAPVersion, rules.DirectionBi, 2, rules.MOEqual, 0, rules.ActionNotSent, []byte{1}),
		fd(rules.FieldCoAPType, rules.DirectionBi, 2, rules.MOEqual, 0, rules.ActionNotSent, []byte{1}),
		fd(rules.FieldCoAPTokenLength, rules.DirectionBi, 4, rules.MOEqual, 0, rules.ActionNotSent, []byte{4}),
		fd(rules.FieldCoAPCode, rules.DirectionBi, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{3}),
		fd(rules.FieldCoAPMessageID, rules.DirectionBi, 16, rules.MOMSB, 12, rules.ActionLSB, u16(0x23B0)),
		fd(rules.FieldCoAPToken, rules.DirectionBi, 32, rules.MOMSB, 24, rules.ActionLSB, u32(0x21FA0100)),
		fd(rules.FieldCoAPURIPath, rules.DirectionBi, 40, rules.MOEqual, 0, rules.ActionNotSent, []byte("usage")),
		fd(rules.FieldCoAPNoResponse, rules.DirectionBi, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{0x1A}),
		fd(rules.FieldCoAPPayloadMarker, rules.DirectionBi, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{0xFF}),
	})
}

// commandCoAP matches the GET /temp exchange: requests travel down,
// 2.05 responses travel up.
func commandCoAP(t testing.TB) *rules.LayerRule {
	t.Helper()
	return mustLayer(t, rules.LayerCoAP, []rules.FieldDescriptor{
		fd(rules.FieldCoAPVersion, rules.DirectionBi, 2, rules.MOEqual, 0, rules.ActionNotSent, []byte{1}),
		fd(rules.FieldCoAPType, rules.DirectionBi, 2, rules.MOEqual, 0, rules.ActionNotSent, []byte{1}),
		fd(rules.FieldCoAPTokenLength, rules.DirectionBi, 4, rules.MOEqual, 0, rules.ActionNotSent, []byte{4}),
		fd(rules.FieldCoAPCode, rules.DirectionUp, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{0x45}),
		fd(rules.FieldCoAPCode, rules.DirectionDown, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{0x01}),
		fd(rules.FieldCoAPMessageID, rules.DirectionUp, 16, rules.MOMSB, 12, rules.ActionLSB, u16(0x23B0)),
		fd(rules.FieldCoAPMessageID, rules.DirectionDown, 16, rules.MOIgnore, 0, rules.ActionValueSent, []byte{0, 0}),
		fd(rules.FieldCoAPToken, rules.DirectionBi, 32, rules.MOIgnore, 0, rules.ActionValueSent, []byte{0, 0, 0, 0}),
		fd(rules.FieldCoAPURIPath, rules.DirectionDown, 32, rules.MOEqual, 0, rules.ActionNotSent, []byte("temp")),
		fd(rules.FieldCoAPPayloadMarker, rules.DirectionBi, 8, rules.MOEqual, 0, rules.ActionNotSent, []byte{0xFF}),
	})
}

func testFragRules() []*rules.FragmentationRule {
	return []*rules.FragmentationRule{
		{RuleID: 21, RuleIDBits: 8, Mode: rules.ModeNoAck, Direction: rules.DirectionBi,
			FCNSize: 1, MaxWndFCN: 0, WindowSize: 0, DTagSize: 0},
		{RuleID: 22, RuleIDBits: 8, Mode: rules.ModeAckOnError, Direction: rules.DirectionBi,
			FCNSize: 6, MaxWndFCN: 62, WindowSize: 2, DTagSize: 0},
		{RuleID: 23, RuleIDBits: 8, Mode: rules.ModeAckAlways, Direction: rules.DirectionBi,
			FCNSize: 6, MaxWndFCN: 62, WindowSize: 2, DTagSize: 0},
	}
}

// testDevice builds the canonical test device. Fragmentation rule
// order decides the egress mode; tests reorder fragRules to pick one.
func testDevice(t testing.TB, fragRules []*rules.FragmentationRule) *rules.Device {
	t.Helper()
	in := rules.NewInterner()
	telemetry := in.Intern(telemetryIPv6(t))
	linkLocal := in.Intern(linkLocalIPv6(t))

	dev := &rules.Device{
		DeviceID:               1,
		MTU:                    60,
		DutyCycle:              100 * time.Millisecond,
		UncompressedRuleID:     20,
		UncompressedRuleIDBits: 8,
		CompressionRules: []*rules.CompressionRule{
			{RuleID: 1, RuleIDBits: 8, IPv6: telemetry, UDP: coapPortsUDP(t), CoAP: telemetryCoAP(t)},
			{RuleID: 2, RuleIDBits: 8, IPv6: telemetry, UDP: ephemeralUDP(t), CoAP: commandCoAP(t)},
			{RuleID: 4, RuleIDBits: 8, IPv6: linkLocal},
		},
		FragmentationRules: fragRules,
	}
	if err := dev.Validate(); err != nil {
		t.Fatalf("test device: %v", err)
	}
	return dev
}

func testStore(t testing.TB, dev *rules.Device) *rules.Store {
	t.Helper()
	store := rules.NewStore()
	if err := store.Register(dev); err != nil {
		t.Fatalf("register device: %v", err)
	}
	return store
}

// -------------------------------------------------------------------------
// Packet builders
// -------------------------------------------------------------------------

// ipv6Packet assembles an IPv6 packet around an arbitrary next-header
// body.
func ipv6Packet(src, dst string, nextHeader, hopLimit byte, body []byte) []byte {
	pkt := make([]byte, 40+len(body))
	pkt[0] = 6 << 4
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(body)))
	pkt[6] = nextHeader
	pkt[7] = hopLimit
	copy(pkt[8:24], addrBytes(src))
	copy(pkt[24:40], addrBytes(dst))
	copy(pkt[40:], body)
	return pkt
}

// udpPacket assembles an IPv6/UDP packet with a correct checksum.
func udpPacket(src, dst string, sport, dport uint16, hopLimit byte, payload []byte) []byte {
	body := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(body[0:2], sport)
	binary.BigEndian.PutUint16(body[2:4], dport)
	binary.BigEndian.PutUint16(body[4:6], uint16(len(body)))
	copy(body[8:], payload)
	pkt := ipv6Packet(src, dst, 17, hopLimit, body)
	binary.BigEndian.PutUint16(pkt[46:48], checksumUDP(pkt))
	return pkt
}

// checksumUDP is an independent RFC 8200 UDP checksum for fixtures.
func checksumUDP(pkt []byte) uint16 {
	udp := pkt[40:]
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(pkt[8:40])
	sum += uint32(len(udp))
	sum += 17
	add(udp[:6])
	add(udp[8:])
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	ck := ^uint16(sum)
	if ck == 0 {
		return 0xFFFF
	}
	return ck
}

// -------------------------------------------------------------------------
// Manager harness
// -------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockSender captures frames the engine sends.
type mockSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (m *mockSender) Send(_ context.Context, frame []byte, _ uint32) (int, error) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.mu.Lock()
	m.frames = append(m.frames, cp)
	m.mu.Unlock()
	return len(frame), nil
}

func (m *mockSender) all() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// pipe delivers frames from one manager to its peer on a dedicated
// goroutine, preserving order. Delivery must leave the sending
// device's lock before re-entering the engine, which is exactly what
// the channel hop provides. An optional filter may drop or rewrite
// frames to simulate a lossy link.
type pipe struct {
	ch     chan []byte
	filter func(frame []byte) ([]byte, bool)
	wg     sync.WaitGroup
}

func (p *pipe) Send(_ context.Context, frame []byte, _ uint32) (int, error) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if p.filter != nil {
		out, ok := p.filter(cp)
		if !ok {
			return len(frame), nil
		}
		cp = out
	}
	p.ch <- cp
	return len(frame), nil
}

func (p *pipe) close() {
	close(p.ch)
	p.wg.Wait()
}

// endpoints wires two managers back to back over pipes: a is the
// uplink sender, b the downlink one. Filters apply to the frames each
// side sends.
type endpoints struct {
	a, b         *schc.Manager
	atob, btoa   *pipe
	aEnds, bEnds *endRecorder
}

// endRecorder collects end-of-transfer events.
type endRecorder struct {
	mu  sync.Mutex
	tx  []schc.EndTxEvent
	rx  []schc.EndRxEvent
	sig chan struct{}
}

func newEndRecorder() *endRecorder {
	return &endRecorder{sig: make(chan struct{}, 64)}
}

func (r *endRecorder) onTx(ev schc.EndTxEvent) {
	r.mu.Lock()
	r.tx = append(r.tx, ev)
	r.mu.Unlock()
	r.sig <- struct{}{}
}

func (r *endRecorder) onRx(ev schc.EndRxEvent) {
	r.mu.Lock()
	r.rx = append(r.rx, ev)
	r.mu.Unlock()
	r.sig <- struct{}{}
}

func (r *endRecorder) txEvents() []schc.EndTxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schc.EndTxEvent(nil), r.tx...)
}

func (r *endRecorder) rxEvents() []schc.EndRxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schc.EndRxEvent(nil), r.rx...)
}

// newEndpoints builds the two managers over a shared rule set. The
// filters may be nil.
func newEndpoints(t *testing.T, fragRules []*rules.FragmentationRule, aFilter, bFilter func([]byte) ([]byte, bool)) *endpoints {
	t.Helper()
	e := &endpoints{aEnds: newEndRecorder(), bEnds: newEndRecorder()}

	storeA := testStore(t, testDevice(t, fragRules))
	storeB := testStore(t, testDevice(t, fragRules))

	var err error
	e.atob = &pipe{ch: make(chan []byte, 1024), filter: aFilter}
	e.btoa = &pipe{ch: make(chan []byte, 1024), filter: bFilter}

	e.a, err = schc.NewManager(testLogger(), storeA, e.atob,
		schc.WithDirection(rules.DirectionUp),
		schc.WithEndTx(e.aEnds.onTx), schc.WithEndRx(e.aEnds.onRx))
	if err != nil {
		t.Fatalf("manager a: %v", err)
	}
	e.b, err = schc.NewManager(testLogger(), storeB, e.btoa,
		schc.WithDirection(rules.DirectionDown),
		schc.WithEndTx(e.bEnds.onTx), schc.WithEndRx(e.bEnds.onRx))
	if err != nil {
		t.Fatalf("manager b: %v", err)
	}

	e.atob.wg.Add(1)
	go func() {
		defer e.atob.wg.Done()
		for frame := range e.atob.ch {
			_ = e.b.HandleInbound(context.Background(), 1, frame)
		}
	}()
	e.btoa.wg.Add(1)
	go func() {
		defer e.btoa.wg.Done()
		for frame := range e.btoa.ch {
			_ = e.a.HandleInbound(context.Background(), 1, frame)
		}
	}()
	return e
}

func (e *endpoints) close(ctx context.Context) {
	e.a.Close(ctx)
	e.b.Close(ctx)
	e.atob.close()
	e.btoa.close()
}

// patternPayload returns n deterministic, non-repeating bytes.
func patternPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i>>8*17 + 5)
	}
	return out
}
