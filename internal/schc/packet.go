package schc

import (
	"github.com/lpwan-works/goschc/internal/rules"
)

// Header geometry shared by the layer parsers.
const (
	ipv6HeaderLen = 40
	udpHeaderLen  = 8

	// protoUDP is the IPv6 Next Header value that chains a UDP header.
	protoUDP = 17

	coapVersion = 1
	maxTokenLen = 8
)

// fieldKey identifies one packet field instance. Position counts
// occurrences of the same field, 1-based, so repeatable CoAP options
// stay distinct.
type fieldKey struct {
	id  rules.FieldID
	pos uint8
}

// fieldValue is one field extracted from a packet header: the value in
// field form (right-aligned bytes) plus its exact width in bits.
type fieldValue struct {
	key  fieldKey
	bits int
	val  []byte
}

// parsedPacket is the field view of an IPv6/UDP/CoAP packet that the
// rule matcher works on. headerLen is the byte offset where the
// application payload starts; for CoAP it sits just past the payload
// marker.
type parsedPacket struct {
	hasUDP    bool
	hasCoAP   bool
	headerLen int
	fields    []fieldValue

	index map[fieldKey]int
}

// add appends a parsed field, assigning the next occurrence position
// for its field ID.
func (p *parsedPacket) add(id rules.FieldID, bitLen int, val []byte) {
	pos := uint8(1)
	for i := len(p.fields) - 1; i >= 0; i-- {
		if p.fields[i].key.id == id {
			pos = p.fields[i].key.pos + 1
			break
		}
	}
	k := fieldKey{id: id, pos: pos}
	p.index[k] = len(p.fields)
	p.fields = append(p.fields, fieldValue{key: k, bits: bitLen, val: val})
}

// field returns the parsed field at (id, pos), or ok=false when the
// packet does not carry it.
func (p *parsedPacket) field(id rules.FieldID, pos uint8) (fieldValue, bool) {
	i, ok := p.index[fieldKey{id: id, pos: pos}]
	if !ok {
		return fieldValue{}, false
	}
	return p.fields[i], true
}

// layerFieldCount returns how many parsed fields belong to layer.
func (p *parsedPacket) layerFieldCount(layer rules.Layer) int {
	n := 0
	for i := range p.fields {
		if fl, ok := p.fields[i].key.id.Layer(); ok && fl == layer {
			n++
		}
	}
	return n
}

// parsePacket extracts the field view of pkt for the given traffic
// direction. Direction decides which end of the address and port pairs
// is the device: uplink packets originate at the device, downlink
// packets terminate there. A packet that is not plain IPv6 parses as
// ok=false and compresses only through the uncompressed fallback.
func parsePacket(pkt []byte, dir rules.Direction) (*parsedPacket, bool) {
	p := &parsedPacket{index: make(map[fieldKey]int)}
	if !parseIPv6(pkt, dir, p) {
		return nil, false
	}
	p.headerLen = ipv6HeaderLen
	if nh, ok := p.field(rules.FieldIPv6NextHeader, 1); ok &&
		len(nh.val) == 1 && nh.val[0] == protoUDP && len(pkt) >= ipv6HeaderLen+udpHeaderLen {
		parseUDP(pkt, dir, p)
		p.hasUDP = true
		p.headerLen = ipv6HeaderLen + udpHeaderLen
		if parseCoAP(pkt[ipv6HeaderLen+udpHeaderLen:], p) {
			p.hasCoAP = true
		}
	}
	return p, true
}
