package schc

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/lpwan-works/goschc/internal/rules"
)

// ComputeMIC returns the message integrity check for a reassembled
// SCHC packet: the CRC-32 of data under the IEEE 802.3 polynomial,
// in wire order with the most significant byte first.
func ComputeMIC(data []byte) [rules.MICSize]byte {
	var mic [rules.MICSize]byte
	binary.BigEndian.PutUint32(mic[:], crc32.ChecksumIEEE(data))
	return mic
}

// ComputeMICParts computes the integrity check over the concatenation
// of head and tail without joining them. Reassembly keeps the regular
// payload prefix and the final fragment's payload in separate buffers,
// and the check runs after every retransmission, so the copy matters.
func ComputeMICParts(head, tail []byte) [rules.MICSize]byte {
	sum := crc32.ChecksumIEEE(head)
	sum = crc32.Update(sum, crc32.IEEETable, tail)
	var mic [rules.MICSize]byte
	binary.BigEndian.PutUint32(mic[:], sum)
	return mic
}

// VerifyMIC reports whether got is the integrity check of data.
func VerifyMIC(data []byte, got [rules.MICSize]byte) bool {
	return got == ComputeMIC(data)
}
