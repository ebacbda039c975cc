package schc_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

func ackOnErrorRule() *rules.FragmentationRule {
	return &rules.FragmentationRule{
		RuleID: 22, RuleIDBits: 8, Mode: rules.ModeAckOnError, Direction: rules.DirectionBi,
		FCNSize: 6, MaxWndFCN: 62, WindowSize: 2, DTagSize: 0,
	}
}

func noAckRule() *rules.FragmentationRule {
	return &rules.FragmentationRule{
		RuleID: 21, RuleIDBits: 8, Mode: rules.ModeNoAck, Direction: rules.DirectionBi,
		FCNSize: 1, MaxWndFCN: 0, WindowSize: 0, DTagSize: 0,
	}
}

func TestFragmentWireLayout(t *testing.T) {
	t.Parallel()

	rule := ackOnErrorRule()

	t.Run("regular", func(t *testing.T) {
		t.Parallel()
		f := &schc.Fragment{RuleID: 22, Window: 1, FCN: 5, Payload: []byte{0xDE, 0xAD}}
		frame, err := f.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		// Rule byte, then W=01 FCN=000101 packed into one byte.
		want := []byte{0x16, 0x45, 0xDE, 0xAD}
		if !bytes.Equal(frame, want) {
			t.Fatalf("frame = %x, want %x", frame, want)
		}

		got, err := schc.ParseFragment(frame, rule)
		if err != nil {
			t.Fatalf("ParseFragment: %v", err)
		}
		if got.RuleID != 22 || got.Window != 1 || got.FCN != 5 || got.Final {
			t.Fatalf("parsed header = %+v", got)
		}
		if !bytes.Equal(got.Payload, []byte{0xDE, 0xAD}) {
			t.Fatalf("payload = %x", got.Payload)
		}
		if got.IsAckRequest() {
			t.Fatal("regular fragment classified as ACK REQ")
		}
	})

	t.Run("final carries mic", func(t *testing.T) {
		t.Parallel()
		mic := schc.ComputeMIC([]byte("reassembled"))
		f := &schc.Fragment{RuleID: 22, Window: 2, FCN: 63, Final: true, MIC: mic, Payload: []byte{0x01}}
		frame, err := f.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if want := []byte{0x16, 0xBF}; !bytes.Equal(frame[:2], want) {
			t.Fatalf("header = %x, want %x", frame[:2], want)
		}
		if !bytes.Equal(frame[2:6], mic[:]) {
			t.Fatalf("mic on wire = %x, want %x", frame[2:6], mic)
		}

		got, err := schc.ParseFragment(frame, rule)
		if err != nil {
			t.Fatalf("ParseFragment: %v", err)
		}
		if !got.Final || got.MIC != mic || !bytes.Equal(got.Payload, []byte{0x01}) {
			t.Fatalf("parsed = %+v", got)
		}
	})

	t.Run("ack request", func(t *testing.T) {
		t.Parallel()
		f := &schc.Fragment{RuleID: 22, Window: 0, FCN: 0}
		frame, err := f.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := schc.ParseFragment(frame, rule)
		if err != nil {
			t.Fatalf("ParseFragment: %v", err)
		}
		if !got.IsAckRequest() {
			t.Fatalf("not an ACK REQ: %+v", got)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		t.Parallel()
		if _, err := schc.ParseFragment([]byte{0x16}, rule); !errors.Is(err, schc.ErrFragmentTooShort) {
			t.Fatalf("err = %v, want ErrFragmentTooShort", err)
		}
	})

	t.Run("final without mic", func(t *testing.T) {
		t.Parallel()
		if _, err := schc.ParseFragment([]byte{0x16, 0xBF}, rule); !errors.Is(err, schc.ErrFragmentTooShort) {
			t.Fatalf("err = %v, want ErrFragmentTooShort", err)
		}
	})
}

func TestFragmentNoAckGeometry(t *testing.T) {
	t.Parallel()

	rule := noAckRule()
	f := &schc.Fragment{RuleID: 21, FCN: 1, Final: true, MIC: schc.ComputeMIC([]byte("x")), Payload: []byte{0xAB}}
	frame, err := f.Marshal(rule)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// 9 header bits: the MIC and payload start mid-byte.
	if want := (9 + 32 + 8 + 7) / 8; len(frame) != want {
		t.Fatalf("frame length = %d, want %d", len(frame), want)
	}
	got, err := schc.ParseFragment(frame, rule)
	if err != nil {
		t.Fatalf("ParseFragment: %v", err)
	}
	if !got.Final || got.MIC != f.MIC || !bytes.Equal(got.Payload, []byte{0xAB}) {
		t.Fatalf("parsed = %+v", got)
	}
}

func TestAckWireLayout(t *testing.T) {
	t.Parallel()

	rule := ackOnErrorRule()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		a := &schc.Ack{RuleID: 22, Window: 2, C: true}
		frame, err := a.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		// Rule byte, then W=10 C=1 and zero padding.
		if want := []byte{0x16, 0xA0}; !bytes.Equal(frame, want) {
			t.Fatalf("frame = %x, want %x", frame, want)
		}
		got, err := schc.ParseAck(frame, rule)
		if err != nil {
			t.Fatalf("ParseAck: %v", err)
		}
		if got.RuleID != 22 || got.Window != 2 || !got.C {
			t.Fatalf("parsed = %+v", got)
		}
	})

	t.Run("bitmap truncation", func(t *testing.T) {
		t.Parallel()
		received := make([]bool, rule.WindowFragments())
		for i := range received {
			received[i] = true
		}
		received[3] = false
		received[7] = false

		a := &schc.Ack{RuleID: 22, Window: 1, Received: received}
		frame, err := a.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		// Header (11 bits) plus bitmap through the last gap (8 bits),
		// 1-padded to the byte: 3 bytes instead of 10.
		if len(frame) != 3 {
			t.Fatalf("frame length = %d, want 3", len(frame))
		}

		got, err := schc.ParseAck(frame, rule)
		if err != nil {
			t.Fatalf("ParseAck: %v", err)
		}
		if got.C {
			t.Fatal("C set on a bitmap ACK")
		}
		for i, want := range received {
			if got.Received[i] != want {
				t.Fatalf("slot %d = %v, want %v", i, got.Received[i], want)
			}
		}
	})

	t.Run("complete bitmap collapses to header", func(t *testing.T) {
		t.Parallel()
		received := make([]bool, rule.WindowFragments())
		for i := range received {
			received[i] = true
		}
		a := &schc.Ack{RuleID: 22, Window: 0, Received: received}
		frame, err := a.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if len(frame) != 2 {
			t.Fatalf("frame length = %d, want 2", len(frame))
		}
		got, err := schc.ParseAck(frame, rule)
		if err != nil {
			t.Fatalf("ParseAck: %v", err)
		}
		for i, ok := range got.Received {
			if !ok {
				t.Fatalf("slot %d decoded missing from an all-received bitmap", i)
			}
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		t.Parallel()
		if _, err := schc.ParseAck([]byte{0x16}, rule); !errors.Is(err, schc.ErrAckTooShort) {
			t.Fatalf("err = %v, want ErrAckTooShort", err)
		}
	})
}
