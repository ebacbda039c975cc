package schc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	schcmetrics "github.com/lpwan-works/goschc/internal/metrics"
	"github.com/lpwan-works/goschc/internal/rules"
)

var (
	// ErrManagerClosed is returned when an operation reaches a manager
	// that has been shut down.
	ErrManagerClosed = errors.New("schc: manager closed")

	// ErrNoSender indicates a manager constructed without a transport.
	ErrNoSender = errors.New("schc: sender is required")

	// ErrNoStore indicates a manager constructed without a rule store.
	ErrNoStore = errors.New("schc: rule store is required")
)

// DefaultPoolSize bounds each connection pool (sender and receiver
// separately) when no limit is configured.
const DefaultPoolSize = 256

// Sender moves frames to a device. It is the engine's only egress; the
// transport behind it may drop, reorder or duplicate frames, and the
// reliability modes are built to cope.
//
// Send is called synchronously under the device's engine lock and must
// not call back into the manager for the same device.
type Sender interface {
	Send(ctx context.Context, frame []byte, deviceID uint32) (int, error)
}

// connKey identifies one in-flight transfer. RFC 8724 tells concurrent
// transfers apart by the (rule, DTag) pair within a device.
type connKey struct {
	deviceID uint32
	ruleID   uint32
	dtag     uint32
}

// Stats is a point-in-time view of the manager's transfer counters.
type Stats struct {
	TxActive    int
	RxActive    int
	TxCompleted uint64
	TxFailed    uint64
	RxCompleted uint64
	RxFailed    uint64
	Dropped     uint64
}

// Manager owns the fragmentation engine's shared state: the connection
// pools, the per-device serialization locks, the transfer registries
// and the timer scheduler. One manager serves every device of a rule
// store.
//
// The protocol engine itself is single-threaded per device; the
// manager provides that discipline by taking the device's lock around
// every entry point, including timer callbacks. Callers may invoke the
// manager from any goroutine.
type Manager struct {
	store  *rules.Store
	sender Sender
	logger *slog.Logger

	// dir is the direction this endpoint transmits in. A device-side
	// deployment sends up; a gateway sends down.
	dir rules.Direction

	timers  Timers
	sched   Scheduler
	metrics *schcmetrics.Collector

	endTx EndTxFunc
	endRx EndRxFunc

	txPool *connPool
	rxPool *connPool
	dtags  *dtagAllocator

	// mu guards the registries, the lock table and the closed flag.
	// Device locks are always taken before mu, never inside it.
	mu     sync.Mutex
	locks  map[uint32]*sync.Mutex
	tx     map[connKey]*Connection
	rx     map[connKey]*Connection
	closed bool

	txCompleted atomic.Uint64
	txFailed    atomic.Uint64
	rxCompleted atomic.Uint64
	rxFailed    atomic.Uint64
	dropped     atomic.Uint64
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithMetrics attaches a metrics collector. Without it the manager
// keeps only its internal counters.
func WithMetrics(c *schcmetrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithTimers overrides the protocol timer defaults. Zero fields keep
// their default.
func WithTimers(t Timers) ManagerOption {
	return func(m *Manager) { m.timers = t.withDefaults() }
}

// WithDirection sets the direction this endpoint transmits in. The
// default is down, the gateway side.
func WithDirection(dir rules.Direction) ManagerOption {
	return func(m *Manager) { m.dir = dir }
}

// WithPoolSizes bounds the sender and receiver connection pools.
func WithPoolSizes(tx, rx int) ManagerOption {
	return func(m *Manager) {
		if tx > 0 {
			m.txPool = newConnPool(tx)
		}
		if rx > 0 {
			m.rxPool = newConnPool(rx)
		}
	}
}

// WithScheduler substitutes the timer scheduler. Tests drive the
// engine through a fake clock this way.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// WithEndTx registers the outbound transfer completion callback.
func WithEndTx(fn EndTxFunc) ManagerOption {
	return func(m *Manager) { m.endTx = fn }
}

// WithEndRx registers the inbound packet delivery callback.
func WithEndRx(fn EndRxFunc) ManagerOption {
	return func(m *Manager) { m.endRx = fn }
}

// NewManager builds a manager over a rule store and a transport.
func NewManager(logger *slog.Logger, store *rules.Store, sender Sender, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if sender == nil {
		return nil, ErrNoSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		sender: sender,
		logger: logger.With(slog.String("component", "schc")),
		dir:    rules.DirectionDown,
		timers: DefaultTimers(),
		txPool: newConnPool(DefaultPoolSize),
		rxPool: newConnPool(DefaultPoolSize),
		dtags:  newDTagAllocator(),
		locks:  make(map[uint32]*sync.Mutex),
		tx:     make(map[connKey]*Connection),
		rx:     make(map[connKey]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = newWallScheduler()
	}
	return m, nil
}

// ingress is the direction frames arrive from.
func (m *Manager) ingress() rules.Direction {
	if m.dir == rules.DirectionUp {
		return rules.DirectionDown
	}
	return rules.DirectionUp
}

// Direction returns the direction this endpoint transmits in.
func (m *Manager) Direction() rules.Direction { return m.dir }

// deviceLock returns the serialization lock for a device, creating it
// on first use. Locks are never removed; the table is bounded by the
// number of devices ever seen.
func (m *Manager) deviceLock(deviceID uint32) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	return l
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ---- Registries ----

func (c *Connection) key() connKey {
	return connKey{deviceID: c.deviceID, ruleID: c.rule.RuleID, dtag: c.dtag}
}

func (m *Manager) registerTx(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx[conn.key()] = conn
}

func (m *Manager) unregisterTx(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tx, conn.key())
}

func (m *Manager) lookupTx(key connKey) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx[key]
}

func (m *Manager) registerRx(key connKey, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx[key] = conn
}

func (m *Manager) unregisterRx(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rx, conn.key())
}

func (m *Manager) lookupRx(key connKey) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rx[key]
}

// ---- Inbound demultiplexing ----

// HandleInbound classifies one inbound frame for a device and feeds it
// to the engine. Frames are told apart by their rule ID prefix and a
// connection lookup: a prefix matching a fragmentation rule names a
// fragment or an ACK (an ACK when this endpoint has a sender transfer
// open under the frame's DTag), anything else is a whole SCHC packet
// and is delivered through the EndRx callback as-is.
//
// The returned error covers frames the engine could not take at all:
// unknown device, malformed header, pool exhaustion, closed manager.
// Protocol noise (stale windows, duplicates) is dropped internally.
func (m *Manager) HandleInbound(ctx context.Context, deviceID uint32, frame []byte) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if m.isClosed() {
		return ErrManagerClosed
	}
	dev, ok := m.store.Device(deviceID)
	if !ok {
		m.dropFrame(deviceID, schcmetrics.ReasonUnknownRule)
		return fmt.Errorf("device %d: %w", deviceID, rules.ErrUnknownDevice)
	}

	if rule, key, ok := m.classify(dev, frame); ok {
		if conn := m.lookupTx(key); conn != nil {
			ack, err := ParseAck(frame, rule)
			if err != nil {
				m.dropFrame(deviceID, schcmetrics.ReasonMalformed)
				return fmt.Errorf("device %d: %w", deviceID, err)
			}
			m.handleAck(ctx, conn, ack)
			return nil
		}
		if !rule.Direction.Covers(m.ingress()) {
			// The rule only fragments our egress; with no sender
			// transfer open this is an ACK for a finalized one.
			m.dropFrame(deviceID, schcmetrics.ReasonStale)
			m.logger.Debug("ack for finalized transfer",
				slog.Uint64("device_id", uint64(deviceID)),
				slog.Uint64("rule_id", uint64(key.ruleID)),
				slog.Uint64("dtag", uint64(key.dtag)))
			return nil
		}
		frag, err := ParseFragment(frame, rule)
		if err != nil {
			m.dropFrame(deviceID, schcmetrics.ReasonMalformed)
			return fmt.Errorf("device %d: %w", deviceID, err)
		}
		return m.handleFragment(ctx, dev, rule, key, frag)
	}

	// No fragmentation rule owns the prefix: an unfragmented SCHC
	// packet, ready for decompression.
	m.countRxDelivered()
	m.emitEndRx(EndRxEvent{DeviceID: deviceID, Packet: cloneBytes(frame)})
	return nil
}

// classify finds the fragmentation rule whose ID prefixes the frame
// and extracts the transfer key. Rules are tried in declaration order,
// mirroring rule selection everywhere else in the engine.
func (m *Manager) classify(dev *rules.Device, frame []byte) (*rules.FragmentationRule, connKey, bool) {
	for _, r := range dev.FragmentationRules {
		if r.Mode == rules.ModeNotFragmented {
			continue
		}
		hdr := int(r.RuleIDBits) + int(r.DTagSize)
		if len(frame)*8 < hdr {
			continue
		}
		id := readPrefix(frame, 0, int(r.RuleIDBits))
		if id != r.RuleID {
			continue
		}
		dtag := readPrefix(frame, int(r.RuleIDBits), int(r.DTagSize))
		return r, connKey{deviceID: dev.DeviceID, ruleID: r.RuleID, dtag: dtag}, true
	}
	return nil, connKey{}, false
}

// readPrefix reads n bits at bit position pos of a raw frame, MSB
// first. Bounds are the caller's problem; classify checks them.
func readPrefix(frame []byte, pos, n int) uint32 {
	var v uint32
	for i := pos; i < pos+n; i++ {
		v = v<<1 | uint32(frame[i>>3]>>(7-i&7)&1)
	}
	return v
}

// ---- Compression entry points ----

// Compress runs a packet through the device's compression rules and
// returns the SCHC packet bytes ready for Send. The bool reports
// whether a rule matched or the uncompressed fallback was taken.
func (m *Manager) Compress(deviceID uint32, packet []byte) ([]byte, Outcome, error) {
	dev, ok := m.store.Device(deviceID)
	if !ok {
		return nil, 0, fmt.Errorf("device %d: %w", deviceID, rules.ErrUnknownDevice)
	}
	outcome, buf, err := Compress(packet, dev, m.dir)
	if err != nil {
		return nil, 0, err
	}
	if m.metrics != nil {
		label := schcmetrics.OutcomeCompressed
		if outcome == OutcomeUncompressed {
			label = schcmetrics.OutcomeUncompressed
		}
		m.metrics.RecordCompression(deviceID, label)
	}
	return cloneBytes(buf.Bytes()), outcome, nil
}

// Decompress rebuilds the original packet from SCHC packet bytes, as
// delivered by an EndRx event.
func (m *Manager) Decompress(deviceID uint32, data []byte) ([]byte, error) {
	dev, ok := m.store.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, rules.ErrUnknownDevice)
	}
	out, err := Decompress(data, dev, m.ingress())
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.IncDecompressions(deviceID)
	}
	return out, nil
}

// ---- Timer plumbing ----

// schedule arms the connection's timer. The callback re-enters the
// engine under the device lock and checks the connection generation it
// captured at arming time: a reset or re-arm in between bumps the
// generation and the stale callback backs off. This check is what
// makes cancellation safe against a timer that already fired.
func (m *Manager) schedule(conn *Connection, delay time.Duration, fn func(ctx context.Context)) {
	deviceID := conn.deviceID
	gen := conn.generation
	m.sched.Schedule(conn, delay, func() {
		lock := m.deviceLock(deviceID)
		lock.Lock()
		defer lock.Unlock()
		if m.isClosed() || conn.generation != gen {
			return
		}
		fn(context.Background())
	})
}

// ---- Events and counters ----

func (m *Manager) emitEndTx(ev EndTxEvent) {
	if m.endTx != nil {
		m.endTx(ev)
	}
}

func (m *Manager) emitEndRx(ev EndRxEvent) {
	if m.endRx != nil {
		m.endRx(ev)
	}
}

func (m *Manager) countTx(ok bool) {
	if ok {
		m.txCompleted.Add(1)
		return
	}
	m.txFailed.Add(1)
}

func (m *Manager) countRx(ok bool) {
	if ok {
		m.rxCompleted.Add(1)
		return
	}
	m.rxFailed.Add(1)
}

// countRxDelivered counts an inbound packet that needed no reassembly.
func (m *Manager) countRxDelivered() {
	m.rxCompleted.Add(1)
}

func (m *Manager) dropFrame(deviceID uint32, reason string) {
	m.dropped.Add(1)
	if m.metrics != nil {
		m.metrics.IncFramesDropped(deviceID, reason)
	}
}

// Stats returns the manager's transfer counters.
func (m *Manager) Stats() Stats {
	return Stats{
		TxActive:    m.txPool.inUse(),
		RxActive:    m.rxPool.inUse(),
		TxCompleted: m.txCompleted.Load(),
		TxFailed:    m.txFailed.Load(),
		RxCompleted: m.rxCompleted.Load(),
		RxFailed:    m.rxFailed.Load(),
		Dropped:     m.dropped.Load(),
	}
}

// ---- Snapshots and control ----

// Connections returns a snapshot of every in-flight transfer. The
// snapshots are copies; holding them blocks nothing.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	keys := make([]connKey, 0, len(m.tx)+len(m.rx))
	for k := range m.tx {
		keys = append(keys, k)
	}
	for k := range m.rx {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(keys))
	seen := make(map[uint32]bool)
	for _, k := range keys {
		if seen[k.deviceID] {
			continue
		}
		seen[k.deviceID] = true
		out = append(out, m.deviceConnections(k.deviceID)...)
	}
	return out
}

// deviceConnections snapshots one device's transfers under its lock.
func (m *Manager) deviceConnections(deviceID uint32) []ConnectionInfo {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConnectionInfo
	for k, c := range m.tx {
		if k.deviceID == deviceID {
			out = append(out, c.info())
		}
	}
	for k, c := range m.rx {
		if k.deviceID == deviceID {
			out = append(out, c.info())
		}
	}
	return out
}

// ResetConnection aborts the in-flight transfers matching a device and
// DTag and returns how many it tore down. The end callbacks fire with
// a failure, the same way a timeout teardown reports.
func (m *Manager) ResetConnection(ctx context.Context, deviceID, dtag uint32) int {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	n := 0
	for _, conn := range m.matchConns(deviceID, dtag) {
		n++
		switch conn.role {
		case RoleSender:
			m.applyTx(ctx, conn, TxEventAbort, ErrManagerClosed)
		case RoleReceiver:
			m.rxAbort(ctx, conn, ErrManagerClosed)
		}
	}
	return n
}

// matchConns collects live connections for (device, dtag) under mu.
func (m *Manager) matchConns(deviceID, dtag uint32) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for k, c := range m.tx {
		if k.deviceID == deviceID && k.dtag == dtag {
			out = append(out, c)
		}
	}
	for k, c := range m.rx {
		if k.deviceID == deviceID && k.dtag == dtag {
			out = append(out, c)
		}
	}
	return out
}

// Close shuts the manager down: no new transfers are accepted, every
// in-flight one is aborted with its end callback reporting failure,
// and all timers are cancelled. Close is idempotent.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	byDevice := make(map[uint32][]*Connection)
	for k, c := range m.tx {
		byDevice[k.deviceID] = append(byDevice[k.deviceID], c)
	}
	for k, c := range m.rx {
		byDevice[k.deviceID] = append(byDevice[k.deviceID], c)
	}
	m.mu.Unlock()

	for deviceID, conns := range byDevice {
		lock := m.deviceLock(deviceID)
		lock.Lock()
		for _, conn := range conns {
			if conn.role == 0 {
				continue // already released
			}
			switch conn.role {
			case RoleSender:
				m.applyTx(ctx, conn, TxEventAbort, ErrManagerClosed)
			case RoleReceiver:
				m.rxAbort(ctx, conn, ErrManagerClosed)
			}
		}
		lock.Unlock()
	}
	m.logger.Info("manager closed")
}
