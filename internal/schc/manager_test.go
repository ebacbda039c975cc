package schc_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/lpwan-works/goschc/internal/rules"
	"github.com/lpwan-works/goschc/internal/schc"
)

// fragRulesFirst returns the canonical fragmentation rules with the
// rule for the given mode moved to the front, making it the egress
// choice.
func fragRulesFirst(mode rules.ReliabilityMode) []*rules.FragmentationRule {
	all := testFragRules()
	for i, r := range all {
		if r.Mode == mode {
			all[0], all[i] = all[i], all[0]
			break
		}
	}
	return all
}

func TestManagerSendUnfragmented(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	rec := newEndRecorder()
	m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, testFragRules())), sender,
		schc.WithDirection(rules.DirectionUp), schc.WithEndTx(rec.onTx))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	pkt := patternPayload(60) // exactly the MTU
	if err := m.Send(context.Background(), 1, pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames := sender.all()
	if len(frames) != 1 || !bytes.Equal(frames[0], pkt) {
		t.Fatalf("sent %d frames, want the packet verbatim", len(frames))
	}
	evs := rec.txEvents()
	if len(evs) != 1 || evs[0].Err != nil || evs[0].Fragments != 0 {
		t.Fatalf("end event = %+v", evs)
	}
	if s := m.Stats(); s.TxCompleted != 1 || s.TxActive != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestManagerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mode rules.ReliabilityMode
		size int
	}{
		{"no-ack just over mtu", rules.ModeNoAck, 61},
		{"no-ack two full fragments", rules.ModeNoAck, 108},
		{"no-ack three fragments", rules.ModeNoAck, 109},
		{"no-ack ten fragments", rules.ModeNoAck, 500},
		{"ack-always single window", rules.ModeAckAlways, 200},
		{"ack-always two windows", rules.ModeAckAlways, 3500},
		{"ack-on-error single window", rules.ModeAckOnError, 500},
		{"ack-on-error two windows", rules.ModeAckOnError, 3500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				e := newEndpoints(t, fragRulesFirst(tt.mode), nil, nil)
				pkt := patternPayload(tt.size)

				if err := e.a.Send(context.Background(), 1, pkt); err != nil {
					t.Fatalf("Send: %v", err)
				}
				<-e.bEnds.sig
				<-e.aEnds.sig

				rx := e.bEnds.rxEvents()
				if len(rx) != 1 {
					t.Fatalf("got %d rx events, want 1", len(rx))
				}
				if rx[0].Err != nil {
					t.Fatalf("rx error: %v", rx[0].Err)
				}
				if !bytes.Equal(rx[0].Packet, pkt) {
					t.Fatalf("reassembled %d bytes, want %d; mismatch", len(rx[0].Packet), len(pkt))
				}
				wantFrags := (tt.size + 53) / 54
				if rx[0].Fragments != wantFrags {
					t.Fatalf("rx fragments = %d, want %d", rx[0].Fragments, wantFrags)
				}

				tx := e.aEnds.txEvents()
				if len(tx) != 1 || tx[0].Err != nil {
					t.Fatalf("tx events = %+v", tx)
				}
				if tx[0].Fragments != wantFrags {
					t.Fatalf("tx fragments = %d, want %d", tx[0].Fragments, wantFrags)
				}

				e.close(context.Background())
			})
		})
	}
}

func TestManagerRetryExhaustion(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		// A sender whose frames never reach a receiver: the ACK wait
		// expires MaxAckRequests times, each expiry soliciting once.
		sender := &mockSender{}
		rec := newEndRecorder()
		m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, fragRulesFirst(rules.ModeAckOnError))), sender,
			schc.WithDirection(rules.DirectionUp), schc.WithEndTx(rec.onTx))
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}

		if err := m.Send(context.Background(), 1, patternPayload(120)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		<-rec.sig

		evs := rec.txEvents()
		if len(evs) != 1 || !errors.Is(evs[0].Err, schc.ErrRetriesExhausted) {
			t.Fatalf("end event = %+v, want ErrRetriesExhausted", evs)
		}

		ackReqs := 0
		for _, f := range sender.all() {
			if len(f) == 2 { // header-only frame: W and FCN all zero
				ackReqs++
			}
		}
		if ackReqs != rules.MaxAckRequests {
			t.Fatalf("sent %d ack requests, want %d", ackReqs, rules.MaxAckRequests)
		}
		if s := m.Stats(); s.TxFailed != 1 || s.TxActive != 0 {
			t.Fatalf("stats = %+v", s)
		}
		m.Close(context.Background())
	})
}

// corruptFirstRegular flips a payload bit in the first full-size
// fragment it sees and passes everything else through.
func corruptFirstRegular() func([]byte) ([]byte, bool) {
	done := false
	return func(frame []byte) ([]byte, bool) {
		if !done && len(frame) == 56 {
			done = true
			frame[20] ^= 0x01
		}
		return frame, true
	}
}

func TestManagerNoAckCorruptionDiscardsSilently(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var receiverSent atomic.Int32
		countB := func(frame []byte) ([]byte, bool) {
			receiverSent.Add(1)
			return frame, true
		}
		e := newEndpoints(t, fragRulesFirst(rules.ModeNoAck), corruptFirstRegular(), countB)
		pkt := patternPayload(120)

		if err := e.a.Send(context.Background(), 1, pkt); err != nil {
			t.Fatalf("Send: %v", err)
		}
		<-e.aEnds.sig // No-ACK sender completes regardless
		<-e.bEnds.sig

		if tx := e.aEnds.txEvents(); len(tx) != 1 || tx[0].Err != nil {
			t.Fatalf("tx events = %+v", tx)
		}
		rx := e.bEnds.rxEvents()
		if len(rx) != 1 || !errors.Is(rx[0].Err, schc.ErrMICMismatch) {
			t.Fatalf("rx events = %+v, want ErrMICMismatch", rx)
		}
		if rx[0].Packet != nil {
			t.Fatal("corrupted reassembly still delivered a packet")
		}
		// Nothing goes on the wire about it.
		if got := receiverSent.Load(); got != 0 {
			t.Fatalf("receiver sent %d frames under No-ACK", got)
		}
		e.close(context.Background())
	})
}

func TestManagerAckOnErrorUnrepairableCorruption(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		// The corrupted fragment still counts as received, so the
		// receiver's bitmap is complete while its integrity check
		// fails. The sender has nothing to resend and gives up.
		e := newEndpoints(t, fragRulesFirst(rules.ModeAckOnError), corruptFirstRegular(), nil)

		if err := e.a.Send(context.Background(), 1, patternPayload(120)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		<-e.aEnds.sig

		tx := e.aEnds.txEvents()
		if len(tx) != 1 || !errors.Is(tx[0].Err, schc.ErrReassemblyFailed) {
			t.Fatalf("tx events = %+v, want ErrReassemblyFailed", tx)
		}
		e.close(context.Background())
	})
}

func TestManagerOutOfOrderReassembly(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rule := ackOnErrorRule()
		sender := &mockSender{}
		rec := newEndRecorder()
		m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, fragRulesFirst(rules.ModeAckOnError))), sender,
			schc.WithDirection(rules.DirectionDown), schc.WithEndRx(rec.onRx))
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}

		data := patternPayload(120)
		mic := schc.ComputeMIC(data)
		frags := []*schc.Fragment{
			{RuleID: 22, FCN: 62, Payload: data[0:54]},
			{RuleID: 22, FCN: 61, Payload: data[54:108]},
			{RuleID: 22, FCN: 63, Final: true, MIC: mic, Payload: data[108:]},
		}
		// Deliver back to front: the final fragment arrives first.
		for i := len(frags) - 1; i >= 0; i-- {
			frame, err := frags[i].Marshal(rule)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if err := m.HandleInbound(context.Background(), 1, frame); err != nil {
				t.Fatalf("HandleInbound: %v", err)
			}
		}
		<-rec.sig

		rx := rec.rxEvents()
		if len(rx) != 1 || rx[0].Err != nil || !bytes.Equal(rx[0].Packet, data) {
			t.Fatalf("rx events = %+v", rx)
		}

		acks := sender.all()
		if len(acks) < 2 {
			t.Fatalf("got %d acks, want a gap report and a success", len(acks))
		}
		first, err := schc.ParseAck(acks[0], rule)
		if err != nil || first.C {
			t.Fatalf("first ack = %+v, %v; want C=0 gap report", first, err)
		}
		last, err := schc.ParseAck(acks[len(acks)-1], rule)
		if err != nil || !last.C {
			t.Fatalf("last ack = %+v, %v; want C=1", last, err)
		}
		m.Close(context.Background())
	})
}

func TestManagerPoolExhaustion(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &mockSender{}
		m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, fragRulesFirst(rules.ModeAckOnError))), sender,
			schc.WithDirection(rules.DirectionUp), schc.WithPoolSizes(1, 1))
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}

		// The first transfer parks waiting for an ACK that never
		// comes, pinning the only sender connection.
		if err := m.Send(context.Background(), 1, patternPayload(120)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := m.Send(context.Background(), 1, patternPayload(120)); !errors.Is(err, schc.ErrPoolExhausted) {
			t.Fatalf("second Send err = %v, want ErrPoolExhausted", err)
		}

		// Same on the receive side: rules 22 and 23 open distinct
		// reassemblies, the pool holds one.
		frag22, _ := (&schc.Fragment{RuleID: 22, FCN: 62, Payload: patternPayload(54)}).Marshal(ackOnErrorRule())
		rule23 := *ackOnErrorRule()
		rule23.RuleID = 23
		frag23, _ := (&schc.Fragment{RuleID: 23, FCN: 62, Payload: patternPayload(54)}).Marshal(&rule23)

		if err := m.HandleInbound(context.Background(), 1, frag22); err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
		if err := m.HandleInbound(context.Background(), 1, frag23); !errors.Is(err, schc.ErrPoolExhausted) {
			t.Fatalf("HandleInbound err = %v, want ErrPoolExhausted", err)
		}

		if s := m.Stats(); s.TxActive != 1 || s.RxActive != 1 {
			t.Fatalf("stats = %+v", s)
		}
		m.Close(context.Background())
	})
}

func TestManagerUnfragmentedInbound(t *testing.T) {
	t.Parallel()

	rec := newEndRecorder()
	m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, testFragRules())), &mockSender{},
		schc.WithDirection(rules.DirectionDown), schc.WithEndRx(rec.onRx))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	// Rule byte 2 is a compression rule, not a fragmentation rule, so
	// the frame is a whole SCHC packet.
	frame := mustHex(t, commandCompressedHex)
	if err := m.HandleInbound(context.Background(), 1, frame); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	rx := rec.rxEvents()
	if len(rx) != 1 || rx[0].Err != nil || rx[0].Fragments != 0 {
		t.Fatalf("rx events = %+v", rx)
	}
	if !bytes.Equal(rx[0].Packet, frame) {
		t.Fatal("frame not delivered verbatim")
	}
	if s := m.Stats(); s.RxCompleted != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestManagerResetConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := newEndRecorder()
		m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, fragRulesFirst(rules.ModeAckOnError))), &mockSender{},
			schc.WithDirection(rules.DirectionUp), schc.WithEndTx(rec.onTx))
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}

		if err := m.Send(context.Background(), 1, patternPayload(120)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := len(m.Connections()); got != 1 {
			t.Fatalf("connections = %d, want 1", got)
		}
		if n := m.ResetConnection(context.Background(), 1, 0); n != 1 {
			t.Fatalf("ResetConnection = %d, want 1", n)
		}
		evs := rec.txEvents()
		if len(evs) != 1 || evs[0].Err == nil {
			t.Fatalf("end events = %+v, want a failure", evs)
		}
		if s := m.Stats(); s.TxFailed != 1 || s.TxActive != 0 {
			t.Fatalf("stats = %+v", s)
		}
		if got := len(m.Connections()); got != 0 {
			t.Fatalf("connections = %d after reset", got)
		}
		m.Close(context.Background())
	})
}

func TestManagerSendErrors(t *testing.T) {
	t.Parallel()

	m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, testFragRules())), &mockSender{},
		schc.WithDirection(rules.DirectionUp))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Send(context.Background(), 9, patternPayload(10)); !errors.Is(err, rules.ErrUnknownDevice) {
		t.Fatalf("unknown device err = %v", err)
	}

	// A device with no fragmentation rules cannot move an over-MTU
	// packet.
	bare := testDevice(t, nil)
	bare.DeviceID = 2
	store := testStore(t, bare)
	m2, err := schc.NewManager(testLogger(), store, &mockSender{}, schc.WithDirection(rules.DirectionUp))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m2.Close(context.Background())
	if err := m2.Send(context.Background(), 2, patternPayload(61)); !errors.Is(err, schc.ErrNoFragmentationRule) {
		t.Fatalf("no rule err = %v", err)
	}

	m.Close(context.Background())
	if err := m.Send(context.Background(), 1, patternPayload(10)); !errors.Is(err, schc.ErrManagerClosed) {
		t.Fatalf("closed err = %v", err)
	}
	if err := m.HandleInbound(context.Background(), 1, []byte{0x02}); !errors.Is(err, schc.ErrManagerClosed) {
		t.Fatalf("closed inbound err = %v", err)
	}
}

func TestManagerCompressWrappers(t *testing.T) {
	t.Parallel()

	m, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, testFragRules())), &mockSender{},
		schc.WithDirection(rules.DirectionDown))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	pkt := mustHex(t, commandPacketHex)
	out, outcome, err := m.Compress(1, pkt)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if outcome != schc.OutcomeCompressed {
		t.Fatalf("outcome = %v", outcome)
	}
	if want := mustHex(t, commandCompressedHex); !bytes.Equal(out, want) {
		t.Fatalf("compressed = %x, want %x", out, want)
	}

	// Decompression runs in the ingress direction: for a downlink
	// manager that is uplink traffic, so the downlink vector must be
	// decompressed by its peer.
	up, err := schc.NewManager(testLogger(), testStore(t, testDevice(t, testFragRules())), &mockSender{},
		schc.WithDirection(rules.DirectionUp))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer up.Close(context.Background())
	back, err := up.Decompress(1, out)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, pkt) {
		t.Fatal("round trip mismatch")
	}
}
