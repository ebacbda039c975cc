package schc

import (
	"github.com/lpwan-works/goschc/internal/rules"
)

// parseIPv6 extracts the fixed IPv6 header fields into p. The Dev/App
// halves of the address pair follow the traffic direction: the device
// is the source on uplink and the destination on downlink.
func parseIPv6(pkt []byte, dir rules.Direction, p *parsedPacket) bool {
	if len(pkt) < ipv6HeaderLen || pkt[0]>>4 != 6 {
		return false
	}

	p.add(rules.FieldIPv6Version, 4, []byte{pkt[0] >> 4})
	p.add(rules.FieldIPv6TrafficClass, 8, []byte{pkt[0]<<4 | pkt[1]>>4})
	p.add(rules.FieldIPv6FlowLabel, 20, []byte{pkt[1] & 0x0F, pkt[2], pkt[3]})
	p.add(rules.FieldIPv6Length, 16, cloneBytes(pkt[4:6]))
	p.add(rules.FieldIPv6NextHeader, 8, []byte{pkt[6]})
	p.add(rules.FieldIPv6HopLimit, 8, []byte{pkt[7]})

	src, dst := pkt[8:24], pkt[24:40]
	dev, app := src, dst
	if dir == rules.DirectionDown {
		dev, app = dst, src
	}
	p.add(rules.FieldIPv6DevPrefix, 64, cloneBytes(dev[:8]))
	p.add(rules.FieldIPv6DevIID, 64, cloneBytes(dev[8:]))
	p.add(rules.FieldIPv6AppPrefix, 64, cloneBytes(app[:8]))
	p.add(rules.FieldIPv6AppIID, 64, cloneBytes(app[8:]))
	return true
}

// rebuildIPv6 re-serializes the fixed header from decompressed fields,
// mirroring the direction swap applied during parsing. Fields the rule
// does not reconstruct rebuild as zero.
func rebuildIPv6(m fieldMap, dir rules.Direction) []byte {
	out := make([]byte, ipv6HeaderLen)

	ver := fmBytes(m, rules.FieldIPv6Version, 4)[0]
	tc := fmBytes(m, rules.FieldIPv6TrafficClass, 8)[0]
	fl := fmBytes(m, rules.FieldIPv6FlowLabel, 20)
	out[0] = ver<<4 | tc>>4
	out[1] = tc<<4 | fl[0]&0x0F
	out[2] = fl[1]
	out[3] = fl[2]
	copy(out[4:6], fmBytes(m, rules.FieldIPv6Length, 16))
	out[6] = fmBytes(m, rules.FieldIPv6NextHeader, 8)[0]
	out[7] = fmBytes(m, rules.FieldIPv6HopLimit, 8)[0]

	src, dst := out[8:24], out[24:40]
	dev, app := src, dst
	if dir == rules.DirectionDown {
		dev, app = dst, src
	}
	copy(dev[:8], fmBytes(m, rules.FieldIPv6DevPrefix, 64))
	copy(dev[8:], fmBytes(m, rules.FieldIPv6DevIID, 64))
	copy(app[:8], fmBytes(m, rules.FieldIPv6AppPrefix, 64))
	copy(app[8:], fmBytes(m, rules.FieldIPv6AppIID, 64))
	return out
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
