package schc_test

import (
	"slices"
	"testing"

	"github.com/lpwan-works/goschc/internal/schc"
)

func TestApplyTxEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		state   schc.TxState
		event   schc.TxEvent
		next    schc.TxState
		actions []schc.Action
	}{
		{"start", schc.TxStateInit, schc.TxEventStart,
			schc.TxStateSend, []schc.Action{schc.ActionSendWindow}},
		{"window sent parks for ack", schc.TxStateSend, schc.TxEventWindowSent,
			schc.TxStateWaitBitmap, []schc.Action{schc.ActionArmRetransmit}},
		{"no-ack runs to completion", schc.TxStateSend, schc.TxEventAllSent,
			schc.TxStateEnd, []schc.Action{schc.ActionEndSuccess}},
		{"complete bitmap advances", schc.TxStateWaitBitmap, schc.TxEventAckComplete,
			schc.TxStateSend, []schc.Action{schc.ActionNextWindow, schc.ActionSendWindow}},
		{"final ack succeeds", schc.TxStateWaitBitmap, schc.TxEventAckFinal,
			schc.TxStateEnd, []schc.Action{schc.ActionEndSuccess}},
		{"gaps trigger resend", schc.TxStateWaitBitmap, schc.TxEventAckGaps,
			schc.TxStateResend, []schc.Action{schc.ActionResendMissing}},
		{"timeout solicits ack", schc.TxStateWaitBitmap, schc.TxEventTimeout,
			schc.TxStateWaitBitmap, []schc.Action{schc.ActionSendAckRequest, schc.ActionArmRetransmit}},
		{"budget exhausted fails", schc.TxStateWaitBitmap, schc.TxEventGiveUp,
			schc.TxStateError, []schc.Action{schc.ActionEndFailure}},
		{"resend done re-parks", schc.TxStateResend, schc.TxEventResendDone,
			schc.TxStateWaitBitmap, []schc.Action{schc.ActionArmRetransmit}},
		{"abort mid-send", schc.TxStateSend, schc.TxEventAbort,
			schc.TxStateError, []schc.Action{schc.ActionEndFailure}},
		// Stray events in terminal states are swallowed.
		{"ack after end is inert", schc.TxStateEnd, schc.TxEventAckFinal,
			schc.TxStateEnd, nil},
		{"timeout after error is inert", schc.TxStateError, schc.TxEventTimeout,
			schc.TxStateError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := schc.ApplyTxEvent(tt.state, tt.event)
			if res.OldState != tt.state || res.NewState != tt.next {
				t.Fatalf("%v + %v -> %v, want %v", tt.state, tt.event, res.NewState, tt.next)
			}
			if !slices.Equal(res.Actions, tt.actions) {
				t.Fatalf("actions = %v, want %v", res.Actions, tt.actions)
			}
			if res.Changed != (tt.state != tt.next) {
				t.Fatalf("Changed = %v", res.Changed)
			}
		})
	}
}

func TestApplyRxEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		state   schc.RxState
		event   schc.RxEvent
		next    schc.RxState
		actions []schc.Action
	}{
		{"start arms inactivity", schc.RxStateInit, schc.RxEventStart,
			schc.RxStateRecvWindow, []schc.Action{schc.ActionArmInactivity}},
		{"window complete acks", schc.RxStateRecvWindow, schc.RxEventWindowComplete,
			schc.RxStateWaitNext, []schc.Action{schc.ActionSendAck, schc.ActionArmInactivity}},
		{"mic ok delivers and lingers", schc.RxStateRecvWindow, schc.RxEventMICOk,
			schc.RxStateWaitEnd, []schc.Action{schc.ActionSendAck, schc.ActionDeliver, schc.ActionArmRelease}},
		{"mic fail requests retransmit", schc.RxStateRecvWindow, schc.RxEventMICFail,
			schc.RxStateWaitMissing, []schc.Action{schc.ActionSendAck, schc.ActionArmInactivity}},
		{"no-ack delivery releases", schc.RxStateRecvWindow, schc.RxEventComplete,
			schc.RxStateEnd, []schc.Action{schc.ActionDeliver, schc.ActionRelease}},
		{"no-ack mic failure discards silently", schc.RxStateRecvWindow, schc.RxEventDiscard,
			schc.RxStateAbort, []schc.Action{schc.ActionRelease}},
		{"new window advances", schc.RxStateWaitNext, schc.RxEventNewWindow,
			schc.RxStateRecvWindow, []schc.Action{schc.ActionAdvanceWindow, schc.ActionArmInactivity}},
		{"lost window ack repeats verbatim", schc.RxStateWaitNext, schc.RxEventAckRequest,
			schc.RxStateWaitNext, []schc.Action{schc.ActionResendLastAck, schc.ActionArmInactivity}},
		{"retransmission closes gaps", schc.RxStateWaitMissing, schc.RxEventMICOk,
			schc.RxStateWaitEnd, []schc.Action{schc.ActionSendAck, schc.ActionDeliver, schc.ActionArmRelease}},
		{"gap ack request reports fresh bitmap", schc.RxStateWaitMissing, schc.RxEventAckRequest,
			schc.RxStateWaitMissing, []schc.Action{schc.ActionSendAck, schc.ActionArmInactivity}},
		{"duplicate final repeats success ack", schc.RxStateWaitEnd, schc.RxEventDuplicateFinal,
			schc.RxStateWaitEnd, []schc.Action{schc.ActionResendLastAck}},
		{"linger expiry releases", schc.RxStateWaitEnd, schc.RxEventTimeout,
			schc.RxStateEnd, []schc.Action{schc.ActionRelease}},
		{"inactivity aborts", schc.RxStateRecvWindow, schc.RxEventAbort,
			schc.RxStateAbort, []schc.Action{schc.ActionRelease}},
		{"fragment after abort is inert", schc.RxStateAbort, schc.RxEventFragment,
			schc.RxStateAbort, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := schc.ApplyRxEvent(tt.state, tt.event)
			if res.OldState != tt.state || res.NewState != tt.next {
				t.Fatalf("%v + %v -> %v, want %v", tt.state, tt.event, res.NewState, tt.next)
			}
			if !slices.Equal(res.Actions, tt.actions) {
				t.Fatalf("actions = %v, want %v", res.Actions, tt.actions)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []schc.TxState{schc.TxStateInit, schc.TxStateSend, schc.TxStateWaitBitmap, schc.TxStateResend} {
		if s.Terminal() {
			t.Errorf("%v reported terminal", s)
		}
	}
	for _, s := range []schc.TxState{schc.TxStateEnd, schc.TxStateError} {
		if !s.Terminal() {
			t.Errorf("%v not terminal", s)
		}
	}
	for _, s := range []schc.RxState{schc.RxStateInit, schc.RxStateRecvWindow, schc.RxStateWaitNext, schc.RxStateWaitMissing, schc.RxStateWaitEnd} {
		if s.Terminal() {
			t.Errorf("%v reported terminal", s)
		}
	}
	for _, s := range []schc.RxState{schc.RxStateEnd, schc.RxStateAbort} {
		if !s.Terminal() {
			t.Errorf("%v not terminal", s)
		}
	}
}
