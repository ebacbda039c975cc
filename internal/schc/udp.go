package schc

import (
	"encoding/binary"

	"github.com/lpwan-works/goschc/internal/rules"
)

// parseUDP extracts the UDP header fields at the fixed IPv6 offset.
// The Dev/App port pair follows the same direction swap as the
// addresses. The caller has already checked the header fits.
func parseUDP(pkt []byte, dir rules.Direction, p *parsedPacket) {
	h := pkt[ipv6HeaderLen : ipv6HeaderLen+udpHeaderLen]
	dev, app := h[0:2], h[2:4]
	if dir == rules.DirectionDown {
		dev, app = app, dev
	}
	p.add(rules.FieldUDPDevPort, 16, cloneBytes(dev))
	p.add(rules.FieldUDPAppPort, 16, cloneBytes(app))
	p.add(rules.FieldUDPLength, 16, cloneBytes(h[4:6]))
	p.add(rules.FieldUDPChecksum, 16, cloneBytes(h[6:8]))
}

// rebuildUDP re-serializes the UDP header from decompressed fields.
func rebuildUDP(m fieldMap, dir rules.Direction) []byte {
	out := make([]byte, udpHeaderLen)
	src, dst := out[0:2], out[2:4]
	dev, app := src, dst
	if dir == rules.DirectionDown {
		dev, app = dst, src
	}
	copy(dev, fmBytes(m, rules.FieldUDPDevPort, 16))
	copy(app, fmBytes(m, rules.FieldUDPAppPort, 16))
	copy(out[4:6], fmBytes(m, rules.FieldUDPLength, 16))
	copy(out[6:8], fmBytes(m, rules.FieldUDPChecksum, 16))
	return out
}

// udpChecksum computes the UDP checksum of a full IPv6 packet over the
// RFC 8200 pseudo-header, treating the checksum field itself as zero.
// An all-zero result is transmitted as 0xFFFF.
func udpChecksum(pkt []byte) uint16 {
	udp := pkt[ipv6HeaderLen:]
	var sum uint32
	add16 := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	// Pseudo-header: addresses, upper-layer length, next header.
	add16(pkt[8:40])
	sum += uint32(len(udp))
	sum += protoUDP
	// UDP header with the checksum field zeroed, then the payload.
	add16(udp[:6])
	add16(udp[udpHeaderLen:])

	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	ck := ^uint16(sum)
	if ck == 0 {
		return 0xFFFF
	}
	return ck
}
