package schc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lpwan-works/goschc/internal/bits"
	"github.com/lpwan-works/goschc/internal/rules"
)

var (
	// ErrBidirectional is returned when a compression or fragmentation
	// entry point is handed DirectionBi; traffic always flows one way.
	ErrBidirectional = errors.New("schc: traffic direction must be up or down")

	// ErrUnknownRuleID is returned when a frame's rule ID prefix
	// matches none of the device's rules.
	ErrUnknownRuleID = errors.New("schc: unknown rule id")

	// ErrHeaderOverflow is returned when a decompressed header would
	// exceed MaxHeaderLength.
	ErrHeaderOverflow = errors.New("schc: reconstructed header too long")
)

// Outcome reports which path Compress took for a packet.
type Outcome uint8

const (
	// OutcomeCompressed: a rule matched; the buffer holds the rule ID
	// and the field residue.
	OutcomeCompressed Outcome = iota + 1
	// OutcomeUncompressed: no rule matched; the buffer holds the
	// device's uncompressed-rule ID and the packet verbatim.
	OutcomeUncompressed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompressed:
		return "COMPRESSED"
	case OutcomeUncompressed:
		return "UNCOMPRESSED"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// decoded is one reconstructed field value. compute marks it a
// placeholder that the post-rebuild fixup pass overwrites.
type decoded struct {
	val     []byte
	compute bool
}

// fieldMap collects reconstructed fields keyed by (FieldID, Position).
type fieldMap map[fieldKey]decoded

func computeFlag(m fieldMap, id rules.FieldID) bool {
	return m[fieldKey{id: id, pos: 1}].compute
}

// Compress runs a packet through the device's compression rules for
// the given traffic direction. The first matching rule in configured
// order wins; a packet no rule matches, or that does not parse as
// IPv6, falls back to the uncompressed encoding. The returned buffer
// is the SCHC packet: rule ID prefix, residue bits, payload, zero
// padding to the next byte.
func Compress(pkt []byte, dev *rules.Device, dir rules.Direction) (Outcome, *bits.Buffer, error) {
	if dir != rules.DirectionUp && dir != rules.DirectionDown {
		return 0, nil, ErrBidirectional
	}
	if p, ok := parsePacket(pkt, dir); ok {
		for _, r := range dev.CompressionRules {
			if !matchRule(p, r, dir) {
				continue
			}
			buf, err := compressWith(p, pkt, r, dir)
			if err != nil {
				return 0, nil, err
			}
			return OutcomeCompressed, buf, nil
		}
	}
	buf := bits.NewBuffer(len(pkt) + 4)
	if err := buf.AppendUint(dev.UncompressedRuleID, int(dev.UncompressedRuleIDBits)); err != nil {
		return 0, nil, err
	}
	if err := buf.AppendBits(pkt, len(pkt)*8); err != nil {
		return 0, nil, err
	}
	return OutcomeUncompressed, buf, nil
}

// presentLayers returns the rule layers the packet actually carries,
// outermost first. Rule layers beyond the packet's last layer take no
// part in matching or encoding.
func presentLayers(p *parsedPacket, r *rules.CompressionRule) []*rules.LayerRule {
	layers := []*rules.LayerRule{r.IPv6}
	if p.hasUDP && r.UDP != nil {
		layers = append(layers, r.UDP)
	}
	if p.hasCoAP && r.CoAP != nil {
		layers = append(layers, r.CoAP)
	}
	return layers
}

// matchRule reports whether every descriptor active for dir matches
// the packet, and whether the rule reconstructs exactly the layers and
// fields the packet carries. The second half keeps compression
// invertible: decompression infers layer presence from the rebuilt
// Next Header chain, so a rule that would rebuild a layer the packet
// lacks, or misses a field the packet has, cannot be used.
func matchRule(p *parsedPacket, r *rules.CompressionRule, dir rules.Direction) bool {
	if r.IPv6 == nil {
		return false
	}
	if p.hasUDP && r.UDP == nil {
		return false
	}
	if !p.hasUDP && r.UDP != nil {
		if nh, ok := p.field(rules.FieldIPv6NextHeader, 1); ok && nh.val[0] == protoUDP {
			return false
		}
	}
	if p.hasCoAP && r.CoAP == nil {
		return false
	}
	if !p.hasCoAP && r.CoAP != nil && p.hasUDP {
		return false
	}

	covered := 0
	for _, lr := range presentLayers(p, r) {
		fields := lr.Fields()
		for i := range fields {
			fd := &fields[i]
			if !fd.Direction.Covers(dir) {
				continue
			}
			fv, ok := p.field(fd.ID, fd.Position)
			if !ok {
				return false
			}
			if !matchField(fd, fv.val, fv.bits) {
				return false
			}
			covered++
		}
	}

	want := p.layerFieldCount(rules.LayerIPv6)
	if p.hasUDP {
		want += p.layerFieldCount(rules.LayerUDP)
	}
	if p.hasCoAP {
		want += p.layerFieldCount(rules.LayerCoAP)
	}
	return covered == want
}

// compressWith encodes a matched packet: rule ID, residues in rule
// field order, then the application payload.
func compressWith(p *parsedPacket, pkt []byte, r *rules.CompressionRule, dir rules.Direction) (*bits.Buffer, error) {
	buf := bits.NewBuffer(len(pkt))
	if err := buf.AppendUint(r.RuleID, int(r.RuleIDBits)); err != nil {
		return nil, err
	}
	for _, lr := range presentLayers(p, r) {
		fields := lr.Fields()
		for i := range fields {
			fd := &fields[i]
			if !fd.Direction.Covers(dir) {
				continue
			}
			fv, _ := p.field(fd.ID, fd.Position)
			if err := appendResidue(buf, fd, fv.val); err != nil {
				return nil, fmt.Errorf("rule %d field %s: %w", r.RuleID, fd.ID, err)
			}
		}
	}
	payload := pkt[p.headerLen:]
	if err := buf.AppendBits(payload, len(payload)*8); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decompress rebuilds the original packet from a SCHC packet. The rule
// ID prefix picks the rule: compression rules are tried in configured
// order, then the uncompressed rule, whose body is returned verbatim.
func Decompress(data []byte, dev *rules.Device, dir rules.Direction) ([]byte, error) {
	if dir != rules.DirectionUp && dir != rules.DirectionDown {
		return nil, ErrBidirectional
	}
	buf := bits.FromBytes(data)
	total := buf.BitLength()

	for _, r := range dev.CompressionRules {
		n := int(r.RuleIDBits)
		if n > total {
			continue
		}
		if id, err := buf.GetBits(0, n); err == nil && id == r.RuleID {
			return decompressWith(buf, n, dev, r, dir)
		}
	}

	if n := int(dev.UncompressedRuleIDBits); n <= total {
		if id, err := buf.GetBits(0, n); err == nil && id == dev.UncompressedRuleID {
			return buf.BitRange(n, (total-n)/8*8)
		}
	}
	return nil, fmt.Errorf("device %d: %w", dev.DeviceID, ErrUnknownRuleID)
}

// decompressWith decodes residues and rebuilds headers for one rule.
// Layer presence follows the chain: UDP exists iff the rule carries a
// UDP part and the rebuilt Next Header is UDP; CoAP rides on UDP.
func decompressWith(buf *bits.Buffer, pos int, dev *rules.Device, r *rules.CompressionRule, dir rules.Direction) ([]byte, error) {
	m := make(fieldMap)
	pos, err := decodeLayer(m, r.IPv6, dev, dir, buf, pos)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.RuleID, err)
	}
	hasUDP := r.UDP != nil && fmBytes(m, rules.FieldIPv6NextHeader, 8)[0] == protoUDP
	if hasUDP {
		if pos, err = decodeLayer(m, r.UDP, dev, dir, buf, pos); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.RuleID, err)
		}
	}
	hasCoAP := r.CoAP != nil && hasUDP
	if hasCoAP {
		if pos, err = decodeLayer(m, r.CoAP, dev, dir, buf, pos); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.RuleID, err)
		}
	}

	out := rebuildIPv6(m, dir)
	if hasUDP {
		out = append(out, rebuildUDP(m, dir)...)
	}
	if hasCoAP {
		coap, err := rebuildCoAP(m, r.CoAP, dir)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.RuleID, err)
		}
		out = append(out, coap...)
	}
	if len(out) > rules.MaxHeaderLength {
		return nil, fmt.Errorf("rule %d: %d bytes: %w", r.RuleID, len(out), ErrHeaderOverflow)
	}

	payload, err := buf.BitRange(pos, (buf.BitLength()-pos)/8*8)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.RuleID, ErrBadResidue)
	}
	out = append(out, payload...)

	// Fixup pass: lengths first, then the checksum that covers them.
	if hasUDP && computeFlag(m, rules.FieldUDPLength) {
		binary.BigEndian.PutUint16(out[44:46], uint16(len(out)-ipv6HeaderLen))
	}
	if computeFlag(m, rules.FieldIPv6Length) {
		binary.BigEndian.PutUint16(out[4:6], uint16(len(out)-ipv6HeaderLen))
	}
	if hasUDP && computeFlag(m, rules.FieldUDPChecksum) {
		binary.BigEndian.PutUint16(out[46:48], udpChecksum(out))
	}
	return out, nil
}

func decodeLayer(m fieldMap, lr *rules.LayerRule, dev *rules.Device, dir rules.Direction, buf *bits.Buffer, pos int) (int, error) {
	fields := lr.Fields()
	for i := range fields {
		fd := &fields[i]
		if !fd.Direction.Covers(dir) {
			continue
		}
		val, next, err := readResidue(fd, dev, buf, pos)
		if err != nil {
			return pos, fmt.Errorf("field %s: %w", fd.ID, err)
		}
		pos = next
		m[fieldKey{id: fd.ID, pos: fd.Position}] = decoded{
			val:     val,
			compute: fd.Action == rules.ActionComputeLength || fd.Action == rules.ActionComputeChecksum,
		}
	}
	return pos, nil
}
