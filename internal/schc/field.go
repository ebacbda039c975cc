package schc

import (
	"bytes"
	"errors"

	"github.com/lpwan-works/goschc/internal/bits"
	"github.com/lpwan-works/goschc/internal/rules"
)

// ErrBadResidue is returned when a compressed residue does not decode
// against the rule that selected it, such as a mapping index beyond
// the match-map or a truncated field.
var ErrBadResidue = errors.New("schc: residue does not decode against rule")

// indexBits returns the width of a match-map index residue: the
// smallest number of bits that can address n entries. A single-entry
// map needs no bits at all.
func indexBits(n int) int {
	b := 0
	for 1<<b < n {
		b++
	}
	return b
}

// fieldForm re-aligns a field value to exactly ceil(n/8) bytes holding
// the low n bits, zero-extending or truncating on the left.
func fieldForm(val []byte, n int) []byte {
	out := make([]byte, bits.BitsToBytes(n))
	for i := 0; i < n && i < len(val)*8; i++ {
		src := len(val)*8 - 1 - i
		if val[src>>3]>>(7-src&7)&1 == 1 {
			dst := len(out)*8 - 1 - i
			out[dst>>3] |= 1 << (7 - dst&7)
		}
	}
	return out
}

// fieldBit returns bit i (MSB first) of a value holding width bits
// right-aligned in val.
func fieldBit(val []byte, width, i int) byte {
	pos := len(val)*8 - width + i
	return val[pos>>3] >> (7 - pos&7) & 1
}

// msbMatch reports whether the top n bits of val and tv agree, both
// holding width bits in field form.
func msbMatch(val, tv []byte, width, n int) bool {
	for i := range n {
		if fieldBit(val, width, i) != fieldBit(tv, width, i) {
			return false
		}
	}
	return true
}

// matchMapIndex returns the index of val among the descriptor's
// match-map entries, or ok=false when absent.
func matchMapIndex(fd *rules.FieldDescriptor, val []byte) (int, bool) {
	for i := range int(fd.MOParam) {
		entry, ok := fd.MatchMapEntry(i)
		if ok && bytes.Equal(entry, val) {
			return i, true
		}
	}
	return 0, false
}

// matchField applies the descriptor's matching operator to a packet
// field value of bitLen bits (RFC 8724 section 7.4). EQUAL, MSB and
// MATCH-MAPPING additionally require the packet field width to agree
// with the descriptor; IGNORE matches any width.
func matchField(fd *rules.FieldDescriptor, val []byte, bitLen int) bool {
	switch fd.MO {
	case rules.MOIgnore:
		return true
	case rules.MOEqual:
		return bitLen == int(fd.BitLength) && bytes.Equal(fieldForm(val, bitLen), fd.TargetValue)
	case rules.MOMSB:
		return bitLen == int(fd.BitLength) &&
			msbMatch(fieldForm(val, bitLen), fd.TargetValue, bitLen, int(fd.MOParam))
	case rules.MOMatchMap:
		if bitLen != int(fd.BitLength) {
			return false
		}
		_, ok := matchMapIndex(fd, fieldForm(val, bitLen))
		return ok
	}
	return false
}

// residueBits returns the number of bits the descriptor's action
// contributes to the compression residue (RFC 8724 section 7.5).
func residueBits(fd *rules.FieldDescriptor) int {
	switch fd.Action {
	case rules.ActionValueSent:
		return int(fd.BitLength)
	case rules.ActionMappingSent:
		return indexBits(int(fd.MOParam))
	case rules.ActionLSB:
		return int(fd.BitLength) - int(fd.MOParam)
	}
	return 0
}

// appendResidue encodes the residue for one matched field onto buf.
// Actions that elide the field append nothing.
func appendResidue(buf *bits.Buffer, fd *rules.FieldDescriptor, val []byte) error {
	switch fd.Action {
	case rules.ActionValueSent:
		return buf.AppendFieldBits(fieldForm(val, int(fd.BitLength)), int(fd.BitLength))
	case rules.ActionMappingSent:
		idx, ok := matchMapIndex(fd, fieldForm(val, int(fd.BitLength)))
		if !ok {
			return ErrBadResidue
		}
		return buf.AppendUint(uint32(idx), indexBits(int(fd.MOParam)))
	case rules.ActionLSB:
		n := int(fd.BitLength) - int(fd.MOParam)
		return buf.AppendFieldBits(fieldForm(val, int(fd.BitLength)), n)
	}
	return nil
}

// readResidue decodes the field value one descriptor reconstructs,
// consuming its residue bits from buf at pos. The returned value is in
// field form; next is the bit position after the residue. COMPUTE_*
// fields decode as zero placeholders for the later fixup pass; the
// DEV_IID and APP_IID actions resolve against the device identity.
func readResidue(fd *rules.FieldDescriptor, dev *rules.Device, buf *bits.Buffer, pos int) ([]byte, int, error) {
	width := int(fd.BitLength)
	switch fd.Action {
	case rules.ActionNotSent:
		if fd.MO == rules.MOMatchMap {
			entry, ok := fd.MatchMapEntry(0)
			if !ok {
				return nil, pos, ErrBadResidue
			}
			return append([]byte(nil), entry...), pos, nil
		}
		return append([]byte(nil), fd.TargetValue...), pos, nil

	case rules.ActionValueSent:
		val, err := buf.FieldBytes(pos, width)
		if err != nil {
			return nil, pos, ErrBadResidue
		}
		return val, pos + width, nil

	case rules.ActionMappingSent:
		n := indexBits(int(fd.MOParam))
		idx, err := buf.GetBits(pos, n)
		if err != nil {
			return nil, pos, ErrBadResidue
		}
		entry, ok := fd.MatchMapEntry(int(idx))
		if !ok {
			return nil, pos, ErrBadResidue
		}
		return append([]byte(nil), entry...), pos + n, nil

	case rules.ActionLSB:
		n := width - int(fd.MOParam)
		lsb, err := buf.FieldBytes(pos, n)
		if err != nil {
			return nil, pos, ErrBadResidue
		}
		return mergeLSB(fd.TargetValue, width, lsb, n), pos + n, nil

	case rules.ActionComputeLength, rules.ActionComputeChecksum:
		return make([]byte, bits.BitsToBytes(width)), pos, nil

	case rules.ActionDevIID:
		return deviceIID(dev.DevIID), pos, nil

	case rules.ActionAppIID:
		return deviceIID(dev.AppIID), pos, nil
	}
	return nil, pos, ErrBadResidue
}

// mergeLSB combines the top width-n bits of tv with n least
// significant bits carried in the residue.
func mergeLSB(tv []byte, width int, lsb []byte, n int) []byte {
	out := fieldForm(tv, width)
	for i := range n {
		dst := len(out)*8 - n + i
		out[dst>>3] &^= 1 << (7 - dst&7)
		if fieldBit(lsb, n, i) == 1 {
			out[dst>>3] |= 1 << (7 - dst&7)
		}
	}
	return out
}

// deviceIID copies a configured 8-byte interface identifier, or zeros
// when the device carries none.
func deviceIID(iid []byte) []byte {
	out := make([]byte, 8)
	copy(out, iid)
	return out
}
