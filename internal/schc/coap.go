package schc

import (
	"encoding/binary"
	"fmt"

	"github.com/lpwan-works/goschc/internal/rules"
)

// payloadMarker separates CoAP options from the payload (RFC 7252
// section 3). SCHC treats it as a one-byte field of its own.
const payloadMarker = 0xFF

// coapOptionID maps CoAP option numbers back to field IDs, the inverse
// of FieldID.CoAPOption.
var coapOptionID = buildCoAPOptionIndex()

func buildCoAPOptionIndex() map[int]rules.FieldID {
	m := make(map[int]rules.FieldID)
	for id := rules.FieldCoAPIfMatch; id <= rules.FieldCoAPNoResponse; id++ {
		if num, ok := id.CoAPOption(); ok {
			m[int(num)] = id
		}
	}
	return m
}

// coapField is one header field collected during a parse attempt.
// Fields commit to the packet view only once the whole header decodes,
// so a malformed CoAP header leaves no partial state behind.
type coapField struct {
	id   rules.FieldID
	bits int
	val  []byte
}

// parseCoAP decodes a CoAP header from the UDP payload. It returns
// false when data does not hold a complete well-formed header whose
// options all map to known field IDs; the packet then compresses as
// opaque UDP payload instead.
func parseCoAP(data []byte, p *parsedPacket) bool {
	if len(data) < 4 || data[0]>>6 != coapVersion {
		return false
	}
	tkl := int(data[0] & 0x0F)
	if tkl > maxTokenLen || len(data) < 4+tkl {
		return false
	}

	fields := []coapField{
		{rules.FieldCoAPVersion, 2, []byte{data[0] >> 6}},
		{rules.FieldCoAPType, 2, []byte{data[0] >> 4 & 0x03}},
		{rules.FieldCoAPTokenLength, 4, []byte{data[0] & 0x0F}},
		{rules.FieldCoAPCode, 8, []byte{data[1]}},
		{rules.FieldCoAPMessageID, 16, cloneBytes(data[2:4])},
	}
	if tkl > 0 {
		fields = append(fields, coapField{rules.FieldCoAPToken, tkl * 8, cloneBytes(data[4 : 4+tkl])})
	}

	i := 4 + tkl
	num := 0
	marker := false
	for i < len(data) {
		if data[i] == payloadMarker {
			fields = append(fields, coapField{rules.FieldCoAPPayloadMarker, 8, []byte{payloadMarker}})
			marker = true
			i++
			break
		}
		delta, length := int(data[i]>>4), int(data[i]&0x0F)
		i++
		var ok bool
		if delta, i, ok = optionExtend(data, i, delta); !ok {
			return false
		}
		if length, i, ok = optionExtend(data, i, length); !ok {
			return false
		}
		if i+length > len(data) {
			return false
		}
		num += delta
		id, known := coapOptionID[num]
		if !known {
			return false
		}
		fields = append(fields, coapField{id, length * 8, cloneBytes(data[i : i+length])})
		i += length
	}
	if marker && i == len(data) {
		// A marker with nothing after it is malformed (RFC 7252
		// section 3.1).
		return false
	}

	for _, f := range fields {
		p.add(f.id, f.bits, f.val)
	}
	p.headerLen = ipv6HeaderLen + udpHeaderLen + i
	return true
}

// optionExtend resolves the extended forms of a CoAP option nibble:
// 13 pulls one extra byte, 14 two, 15 is reserved outside the payload
// marker.
func optionExtend(data []byte, i, nibble int) (int, int, bool) {
	switch nibble {
	case 13:
		if i >= len(data) {
			return 0, i, false
		}
		return 13 + int(data[i]), i + 1, true
	case 14:
		if i+2 > len(data) {
			return 0, i, false
		}
		return 269 + int(binary.BigEndian.Uint16(data[i:i+2])), i + 2, true
	case 15:
		return 0, i, false
	}
	return nibble, i, true
}

// rebuildCoAP re-serializes a CoAP header from decompressed fields.
// Options follow the rule's descriptor order, which must keep option
// numbers non-decreasing for the delta encoding to close.
func rebuildCoAP(m fieldMap, lr *rules.LayerRule, dir rules.Direction) ([]byte, error) {
	tkl := fmBytes(m, rules.FieldCoAPTokenLength, 4)[0] & 0x0F
	out := make([]byte, 0, 4+int(tkl))
	out = append(out,
		fmBytes(m, rules.FieldCoAPVersion, 2)[0]<<6|
			fmBytes(m, rules.FieldCoAPType, 2)[0]<<4|tkl,
		fmBytes(m, rules.FieldCoAPCode, 8)[0])
	out = append(out, fmBytes(m, rules.FieldCoAPMessageID, 16)...)
	if tkl > 0 {
		out = append(out, fmBytes(m, rules.FieldCoAPToken, int(tkl)*8)...)
	}

	last := 0
	for _, fd := range lr.Fields() {
		if !fd.Direction.Covers(dir) {
			continue
		}
		num, isOption := fd.ID.CoAPOption()
		if !isOption {
			continue
		}
		d, ok := m[fieldKey{id: fd.ID, pos: fd.Position}]
		if !ok {
			continue
		}
		if int(num) < last {
			return nil, fmt.Errorf("option %s out of order: %w", fd.ID, ErrBadResidue)
		}
		val := fieldForm(d.val, int(fd.BitLength))
		out = append(out, optionHeader(int(num)-last, len(val))...)
		out = append(out, val...)
		last = int(num)
	}
	if _, ok := m[fieldKey{id: rules.FieldCoAPPayloadMarker, pos: 1}]; ok {
		out = append(out, payloadMarker)
	}
	return out, nil
}

// optionHeader encodes a CoAP option delta/length pair, spilling into
// the extended bytes when either value exceeds 12.
func optionHeader(delta, length int) []byte {
	dn, dext := optionNibble(delta)
	ln, lext := optionNibble(length)
	out := []byte{dn<<4 | ln}
	out = append(out, dext...)
	return append(out, lext...)
}

func optionNibble(v int) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// fmBytes returns a decompressed field value re-aligned to n bits,
// zeros when the rule never reconstructed it.
func fmBytes(m fieldMap, id rules.FieldID, n int) []byte {
	return fieldForm(m[fieldKey{id: id, pos: 1}].val, n)
}
