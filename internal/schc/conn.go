package schc

import (
	"errors"
	"sync"
	"time"

	"github.com/lpwan-works/goschc/internal/bits"
	"github.com/lpwan-works/goschc/internal/rules"
)

// ErrPoolExhausted is returned when a new transfer needs a connection
// and the pool is at capacity.
var ErrPoolExhausted = errors.New("schc: connection pool exhausted")

// Role distinguishes the two halves of a fragmented transfer.
type Role uint8

const (
	// RoleSender fragments an outbound packet.
	RoleSender Role = iota + 1
	// RoleReceiver reassembles an inbound one.
	RoleReceiver
)

var roleNames = map[Role]string{
	RoleSender:   "sender",
	RoleReceiver: "receiver",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// Connection holds the per-transfer state of one fragmented exchange,
// keyed by (device, rule, DTag). A connection acts as either sender or
// receiver, never both; the manager pools them separately. All fields
// are guarded by the device lock of the owning manager, except
// generation, which timer callbacks read under that same lock to
// detect that the connection was reset underneath them.
type Connection struct {
	deviceID uint32
	device   *rules.Device
	rule     *rules.FragmentationRule
	dtag     uint32
	role     Role

	// payloadCap is the payload bytes every fragment carries, fixed at
	// bind time from the device MTU and the rule header geometry.
	payloadCap int

	// Sender state.
	txState   TxState
	data      []byte
	fragments int   // total fragments of the transfer, final included
	windowIdx int   // absolute window in flight (sender) or being filled (receiver)
	txFrom    int   // next sequence of a contiguous emission pass
	txTo      int   // pass upper bound, exclusive
	resend    []int // explicit sequences of a retransmission pass
	resendIdx int

	// Receiver state.
	rxState   RxState
	buffer    []byte // regular payloads at seq*payloadCap
	tail      []byte // final fragment payload, appended on delivery
	lastAck   []byte // wire frame of the last ACK, for verbatim repeats
	received  uint64 // bitmap of the current window, bit i = slot i
	accepted  int    // distinct fragments stored so far
	sawFinal  bool
	micOK     bool
	delivered bool

	mic      [rules.MICSize]byte
	attempts uint8
	failure  error

	started    time.Time
	generation uint64
}

// bind prepares a pooled connection for a new transfer.
func (c *Connection) bind(dev *rules.Device, rule *rules.FragmentationRule, dtag uint32, role Role) {
	c.deviceID = dev.DeviceID
	c.device = dev
	c.rule = rule
	c.dtag = dtag
	c.role = role
	c.payloadCap = fragmentPayloadCap(dev.MTU, rule)
	c.started = time.Now()
}

// reset clears a connection for pool reuse. The generation bump comes
// first so an in-flight timer callback observing the old value backs
// off instead of driving a recycled connection.
func (c *Connection) reset() {
	c.generation++
	c.deviceID = 0
	c.device = nil
	c.rule = nil
	c.dtag = 0
	c.role = 0
	c.payloadCap = 0
	c.txState = 0
	c.data = c.data[:0]
	c.fragments = 0
	c.windowIdx = 0
	c.txFrom, c.txTo = 0, 0
	c.resend = c.resend[:0]
	c.resendIdx = 0
	c.rxState = 0
	c.buffer = c.buffer[:0]
	c.tail = c.tail[:0]
	c.lastAck = c.lastAck[:0]
	c.received = 0
	c.accepted = 0
	c.sawFinal = false
	c.micOK = false
	c.delivered = false
	c.mic = [rules.MICSize]byte{}
	c.attempts = 0
	c.failure = nil
	c.started = time.Time{}
}

// fragmentPayloadCap returns the payload bytes each fragment of a
// transfer carries. The MIC is reserved in every fragment, not just
// the final one, so the all-1 frame always fits the MTU and the
// reassembly offset of a fragment follows from its sequence alone.
func fragmentPayloadCap(mtu int, rule *rules.FragmentationRule) int {
	return mtu - bits.BitsToBytes(fragmentHeaderBits(rule)) - rules.MICSize
}

// ---- Sender geometry ----

// windowOf returns the absolute window a fragment sequence belongs to.
func (c *Connection) windowOf(seq int) int {
	return seq / c.rule.WindowFragments()
}

// finalWindow returns the absolute window of the all-1 fragment.
func (c *Connection) finalWindow() int {
	return c.windowOf(c.fragments - 1)
}

// wireWindow truncates an absolute window index to the rule's W field.
func (c *Connection) wireWindow(window int) uint8 {
	return uint8(window % (1 << c.rule.WindowSize))
}

// fcnOf returns the FCN a fragment sequence is sent with: counting
// down from MaxWndFCN within its window, all ones for the transfer's
// final fragment.
func (c *Connection) fcnOf(seq int) uint8 {
	if seq == c.fragments-1 {
		return c.rule.MaxFCN()
	}
	return c.rule.MaxWndFCN - uint8(seq%c.rule.WindowFragments())
}

// payloadOf returns the slice of the source packet a sequence carries.
func (c *Connection) payloadOf(seq int) []byte {
	from := seq * c.payloadCap
	to := min(from+c.payloadCap, len(c.data))
	return c.data[from:to]
}

// startWindowPass queues the current window's fragments for emission.
func (c *Connection) startWindowPass() {
	wf := c.rule.WindowFragments()
	c.resend = c.resend[:0]
	c.resendIdx = 0
	c.txFrom = c.windowIdx * wf
	c.txTo = min(c.fragments, (c.windowIdx+1)*wf)
}

// startFullPass queues the whole transfer. Used under No-ACK, where no
// window boundary pauses emission.
func (c *Connection) startFullPass() {
	c.resend = c.resend[:0]
	c.resendIdx = 0
	c.txFrom = 0
	c.txTo = c.fragments
}

// startResendPass queues the absolute sequences an ACK reported missing.
func (c *Connection) startResendPass(seqs []int) {
	c.txFrom, c.txTo = 0, 0
	c.resend = append(c.resend[:0], seqs...)
	c.resendIdx = 0
}

// resending reports whether the current pass is a retransmission.
func (c *Connection) resending() bool {
	return len(c.resend) > 0
}

// nextTxSeq returns the next sequence of the current pass, if any.
func (c *Connection) nextTxSeq() (int, bool) {
	if len(c.resend) > 0 {
		if c.resendIdx >= len(c.resend) {
			return 0, false
		}
		return c.resend[c.resendIdx], true
	}
	if c.txFrom >= c.txTo {
		return 0, false
	}
	return c.txFrom, true
}

// advanceTx consumes the sequence nextTxSeq returned.
func (c *Connection) advanceTx() {
	if len(c.resend) > 0 {
		c.resendIdx++
		return
	}
	c.txFrom++
}

// txPassDone reports whether the current pass has emitted everything.
func (c *Connection) txPassDone() bool {
	_, ok := c.nextTxSeq()
	return !ok
}

// missingSeqs maps an ACK bitmap onto the absolute sequences this
// sender emitted in the current window and the receiver still lacks.
// Slots the window never filled (the final window rarely does) are
// skipped rather than retransmitted.
func (c *Connection) missingSeqs(received []bool) []int {
	wf := c.rule.WindowFragments()
	base := c.windowIdx * wf
	finalSeq := c.fragments - 1
	finalHere := c.windowIdx == c.windowOf(finalSeq)
	var missing []int
	for slot := 0; slot < wf && slot < len(received); slot++ {
		if received[slot] {
			continue
		}
		if finalHere && slot == int(c.rule.MaxWndFCN) {
			missing = append(missing, finalSeq)
			continue
		}
		if seq := base + slot; seq < finalSeq {
			missing = append(missing, seq)
		}
	}
	return missing
}

// ---- Receiver geometry ----

// windowMask is the bitmap value of a fully received window.
func (c *Connection) windowMask() uint64 {
	return 1<<uint(c.rule.WindowFragments()) - 1
}

// slotOf maps a fragment to its bitmap slot: MaxWndFCN-FCN for regular
// fragments, the last slot for the all-1. The second return is false
// when the FCN does not belong to the rule's geometry.
func (c *Connection) slotOf(f *Fragment) (int, bool) {
	if f.Final {
		return int(c.rule.MaxWndFCN), true
	}
	if f.FCN > c.rule.MaxWndFCN {
		return 0, false
	}
	return int(c.rule.MaxWndFCN - f.FCN), true
}

// markReceived sets a bitmap slot and reports whether it was unset.
func (c *Connection) markReceived(slot int) bool {
	bit := uint64(1) << uint(slot)
	fresh := c.received&bit == 0
	c.received |= bit
	return fresh
}

// receivedSlots expands the current window bitmap for an ACK.
func (c *Connection) receivedSlots() []bool {
	out := make([]bool, c.rule.WindowFragments())
	for i := range out {
		out[i] = c.received&(1<<uint(i)) != 0
	}
	return out
}

// storeRegular copies a regular fragment's payload into the reassembly
// buffer at the global position its window and slot determine.
func (c *Connection) storeRegular(slot int, payload []byte) {
	seq := c.windowIdx*c.rule.WindowFragments() + slot
	from := seq * c.payloadCap
	to := from + len(payload)
	if len(c.buffer) < to {
		c.buffer = append(c.buffer, make([]byte, to-len(c.buffer))...)
	}
	copy(c.buffer[from:to], payload)
}

// storeFinal records the all-1 fragment's payload and integrity check.
func (c *Connection) storeFinal(f *Fragment) {
	c.tail = append(c.tail[:0], f.Payload...)
	c.mic = f.MIC
	c.sawFinal = true
}

// regularPrefixLen returns how many buffer bytes are contiguous from
// the start of the transfer: every completed window plus the current
// window's leading filled slots.
func (c *Connection) regularPrefixLen() int {
	wf := c.rule.WindowFragments()
	lead := 0
	for s := 0; s < int(c.rule.MaxWndFCN); s++ {
		if c.received&(1<<uint(s)) == 0 {
			break
		}
		lead++
	}
	return (c.windowIdx*wf + lead) * c.payloadCap
}

// verify recomputes the integrity check over the bytes received so
// far. It only succeeds once every regular fragment preceding the
// all-1 is in place.
func (c *Connection) verify() bool {
	prefix := c.regularPrefixLen()
	if !c.sawFinal || prefix > len(c.buffer) {
		return false
	}
	return ComputeMICParts(c.buffer[:prefix], c.tail) == c.mic
}

// assembled returns the reassembled packet: the contiguous regular
// prefix plus the final fragment's tail. Only meaningful after verify
// reported success.
func (c *Connection) assembled() []byte {
	prefix := min(c.regularPrefixLen(), len(c.buffer))
	out := make([]byte, 0, prefix+len(c.tail))
	out = append(out, c.buffer[:prefix]...)
	return append(out, c.tail...)
}

// ---- Snapshots ----

// ConnectionInfo is a point-in-time snapshot of one connection,
// served by the manager for the control API.
type ConnectionInfo struct {
	DeviceID  uint32
	RuleID    uint32
	DTag      uint32
	Role      Role
	State     string
	Window    int
	Fragments int // planned total for senders, accepted count for receivers
	Attempts  uint8
	Started   time.Time
}

func (c *Connection) info() ConnectionInfo {
	ci := ConnectionInfo{
		DeviceID: c.deviceID,
		DTag:     c.dtag,
		Role:     c.role,
		Window:   c.windowIdx,
		Attempts: c.attempts,
		Started:  c.started,
	}
	if c.rule != nil {
		ci.RuleID = c.rule.RuleID
	}
	switch c.role {
	case RoleSender:
		ci.State = c.txState.String()
		ci.Fragments = c.fragments
	case RoleReceiver:
		ci.State = c.rxState.String()
		ci.Fragments = c.accepted
	}
	return ci
}

// ---- Pool ----

// connPool is a bounded free list of connections. The bound keeps a
// flood of bogus DTags from growing reassembly state without limit.
type connPool struct {
	mu   sync.Mutex
	free []*Connection
	live int
	max  int
}

func newConnPool(maximum int) *connPool {
	return &connPool{max: maximum}
}

// get returns a clean connection, growing the pool up to its bound.
func (p *connPool) get() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.live++
		return c, nil
	}
	if p.live >= p.max {
		return nil, ErrPoolExhausted
	}
	p.live++
	return &Connection{}, nil
}

// put resets a connection and returns it to the free list. The caller
// must hold the device lock so the generation bump in reset is ordered
// against timer callbacks.
func (p *connPool) put(c *Connection) {
	c.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.free = append(p.free, c)
}

// inUse reports how many connections are currently bound.
func (p *connPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
