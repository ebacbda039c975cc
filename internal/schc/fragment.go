package schc

import (
	"errors"
	"fmt"

	"github.com/lpwan-works/goschc/internal/bits"
	"github.com/lpwan-works/goschc/internal/rules"
)

// Fragment and ACK wire layout (RFC 8724 section 8.3). All header
// fields are bit-packed back to back with no alignment; the payload
// follows immediately and the whole frame is zero-padded to a byte.
//
//	Fragment: | RuleID | DTag | W | FCN | (MIC when FCN=all-1) | payload |
//	ACK:      | RuleID | DTag | W | C | (bitmap when C=0) | 1-padding |
//
// A fragment with FCN=0 and no payload is an ACK REQ: regular
// fragments always carry payload, so the empty form is unambiguous.

var (
	// ErrFragmentTooShort is returned when a frame ends inside the
	// fragment header or its MIC.
	ErrFragmentTooShort = errors.New("schc: fragment shorter than its header")

	// ErrAckTooShort is returned when a frame ends inside the ACK
	// header.
	ErrAckTooShort = errors.New("schc: ack shorter than its header")
)

// Fragment is one fragment of a fragmented SCHC packet.
type Fragment struct {
	RuleID uint32
	DTag   uint32

	// Window is the W field: the absolute window number truncated to
	// the rule's WindowSize bits.
	Window uint8

	// FCN is the compressed fragment number. The all-1 value marks the
	// transfer's final fragment.
	FCN uint8

	// Final mirrors FCN == all-1; only final fragments carry a MIC.
	Final bool
	MIC   [rules.MICSize]byte

	Payload []byte
}

// IsAckRequest reports whether the fragment is an ACK REQ: an all-0
// header with no payload, soliciting the receiver's current ACK.
func (f *Fragment) IsAckRequest() bool {
	return !f.Final && f.FCN == 0 && len(f.Payload) == 0
}

// fragmentHeaderBits returns the fragment header width for a rule,
// MIC excluded.
func fragmentHeaderBits(rule *rules.FragmentationRule) int {
	return int(rule.RuleIDBits) + int(rule.DTagSize) + int(rule.WindowSize) + int(rule.FCNSize)
}

// ackHeaderBits returns the ACK header width for a rule, bitmap
// excluded.
func ackHeaderBits(rule *rules.FragmentationRule) int {
	return int(rule.RuleIDBits) + int(rule.DTagSize) + int(rule.WindowSize) + 1
}

// Marshal encodes the fragment under the rule's header geometry.
func (f *Fragment) Marshal(rule *rules.FragmentationRule) ([]byte, error) {
	buf := bits.NewBuffer(bits.BitsToBytes(fragmentHeaderBits(rule)) + rules.MICSize + len(f.Payload))
	fields := []struct {
		v uint32
		n int
	}{
		{f.RuleID, int(rule.RuleIDBits)},
		{f.DTag, int(rule.DTagSize)},
		{uint32(f.Window), int(rule.WindowSize)},
		{uint32(f.FCN), int(rule.FCNSize)},
	}
	for _, fld := range fields {
		if err := buf.AppendUint(fld.v, fld.n); err != nil {
			return nil, err
		}
	}
	if f.Final {
		if err := buf.AppendBits(f.MIC[:], rules.MICSize*8); err != nil {
			return nil, err
		}
	}
	if err := buf.AppendBits(f.Payload, len(f.Payload)*8); err != nil {
		return nil, err
	}
	return cloneBytes(buf.Bytes()), nil
}

// ParseFragment decodes a fragment frame under the rule's header
// geometry. The payload is every whole byte after the header; the
// sub-byte remainder is padding.
func ParseFragment(data []byte, rule *rules.FragmentationRule) (*Fragment, error) {
	buf := bits.FromBytes(data)
	if buf.BitLength() < fragmentHeaderBits(rule) {
		return nil, fmt.Errorf("%d bits: %w", buf.BitLength(), ErrFragmentTooShort)
	}

	f := &Fragment{}
	pos := 0
	for _, fld := range []struct {
		dst *uint32
		n   int
	}{
		{&f.RuleID, int(rule.RuleIDBits)},
		{&f.DTag, int(rule.DTagSize)},
	} {
		v, err := buf.GetBits(pos, fld.n)
		if err != nil {
			return nil, fmt.Errorf("fragment header: %w", ErrFragmentTooShort)
		}
		*fld.dst = v
		pos += fld.n
	}
	w, err := buf.GetBits(pos, int(rule.WindowSize))
	if err != nil {
		return nil, fmt.Errorf("fragment header: %w", ErrFragmentTooShort)
	}
	f.Window = uint8(w)
	pos += int(rule.WindowSize)
	fcn, err := buf.GetBits(pos, int(rule.FCNSize))
	if err != nil {
		return nil, fmt.Errorf("fragment header: %w", ErrFragmentTooShort)
	}
	f.FCN = uint8(fcn)
	pos += int(rule.FCNSize)

	if f.FCN == rule.MaxFCN() {
		f.Final = true
		mic, err := buf.BitRange(pos, rules.MICSize*8)
		if err != nil {
			return nil, fmt.Errorf("fragment mic: %w", ErrFragmentTooShort)
		}
		copy(f.MIC[:], mic)
		pos += rules.MICSize * 8
	}

	n := (buf.BitLength() - pos) / 8 * 8
	payload, err := buf.BitRange(pos, n)
	if err != nil {
		return nil, fmt.Errorf("fragment payload: %w", ErrFragmentTooShort)
	}
	if n > 0 {
		f.Payload = payload
	}
	return f, nil
}

// Ack is a window acknowledgment.
type Ack struct {
	RuleID uint32
	DTag   uint32
	Window uint8

	// C is the integrity bit: set once the window needs no more
	// fragments (final window MIC verified, or bitmap complete).
	C bool

	// Received[i] reports whether window slot i arrived. Slot index is
	// MaxWndFCN-FCN for regular fragments; the all-1 fragment takes
	// the last slot. Meaningful only when C is false.
	Received []bool
}

// Marshal encodes the ACK. A C=0 bitmap is truncated after the last
// missing slot and padded to the byte boundary with 1-bits, so
// everything the decoder reads past the truncation point reports
// "received".
func (a *Ack) Marshal(rule *rules.FragmentationRule) ([]byte, error) {
	buf := bits.NewBuffer(bits.BitsToBytes(ackHeaderBits(rule) + rule.WindowFragments()))
	fields := []struct {
		v uint32
		n int
	}{
		{a.RuleID, int(rule.RuleIDBits)},
		{a.DTag, int(rule.DTagSize)},
		{uint32(a.Window), int(rule.WindowSize)},
	}
	for _, fld := range fields {
		if err := buf.AppendUint(fld.v, fld.n); err != nil {
			return nil, err
		}
	}
	c := uint32(0)
	if a.C {
		c = 1
	}
	if err := buf.AppendUint(c, 1); err != nil {
		return nil, err
	}
	if !a.C {
		last := -1
		for i, got := range a.Received {
			if !got {
				last = i
			}
		}
		for i := 0; i <= last; i++ {
			b := uint32(0)
			if a.Received[i] {
				b = 1
			}
			if err := buf.AppendUint(b, 1); err != nil {
				return nil, err
			}
		}
		for buf.BitLength()%8 != 0 {
			if err := buf.AppendUint(1, 1); err != nil {
				return nil, err
			}
		}
	}
	return cloneBytes(buf.Bytes()), nil
}

// ParseAck decodes an ACK frame. Bitmap bits beyond the frame (the
// truncated tail) decode as received; bits beyond the window size are
// padding and ignored.
func ParseAck(data []byte, rule *rules.FragmentationRule) (*Ack, error) {
	buf := bits.FromBytes(data)
	if buf.BitLength() < ackHeaderBits(rule) {
		return nil, fmt.Errorf("%d bits: %w", buf.BitLength(), ErrAckTooShort)
	}

	a := &Ack{}
	pos := 0
	ruleID, err := buf.GetBits(pos, int(rule.RuleIDBits))
	if err != nil {
		return nil, ErrAckTooShort
	}
	a.RuleID = ruleID
	pos += int(rule.RuleIDBits)
	dtag, err := buf.GetBits(pos, int(rule.DTagSize))
	if err != nil {
		return nil, ErrAckTooShort
	}
	a.DTag = dtag
	pos += int(rule.DTagSize)
	w, err := buf.GetBits(pos, int(rule.WindowSize))
	if err != nil {
		return nil, ErrAckTooShort
	}
	a.Window = uint8(w)
	pos += int(rule.WindowSize)
	c, err := buf.GetBits(pos, 1)
	if err != nil {
		return nil, ErrAckTooShort
	}
	a.C = c == 1
	pos++

	a.Received = make([]bool, rule.WindowFragments())
	for i := range a.Received {
		a.Received[i] = true
	}
	if !a.C {
		n := min(buf.BitLength()-pos, len(a.Received))
		for i := range n {
			b, err := buf.GetBits(pos+i, 1)
			if err != nil {
				return nil, ErrAckTooShort
			}
			a.Received[i] = b == 1
		}
	}
	return a, nil
}
