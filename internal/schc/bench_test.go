package schc_test

import (
	"testing"

	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

// BenchmarkCompress measures the full rule-match-and-encode path for a
// 127-byte CoAP packet, the hot path of every outbound datagram.
func BenchmarkCompress(b *testing.B) {
	dev := testDevice(b, testFragRules())
	pkt := mustHex(b, commandPacketHex)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if _, _, err := schc.Compress(pkt, dev, rules.DirectionDown); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecompress measures header reconstruction including the
// length and checksum fixups.
func BenchmarkDecompress(b *testing.B) {
	dev := testDevice(b, testFragRules())
	data := mustHex(b, commandCompressedHex)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if _, err := schc.Decompress(data, dev, rules.DirectionDown); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFragmentMarshal measures one fragment serialization, run for
// every fragment a transfer emits.
func BenchmarkFragmentMarshal(b *testing.B) {
	rule := ackOnErrorRule()
	f := &schc.Fragment{RuleID: 22, Window: 1, FCN: 30, Payload: patternPayload(54)}

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if _, err := f.Marshal(rule); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkComputeMIC measures the integrity check over a full-size
// reassembly buffer.
func BenchmarkComputeMIC(b *testing.B) {
	data := patternPayload(1280)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		schc.ComputeMIC(data)
	}
}
