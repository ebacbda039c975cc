package schc

// The fragmentation state machines are pure transition tables: the
// fragmenter and reassembler feed events in, execute the returned
// action list, and never mutate state directly. Mode differences
// (No-ACK versus the acknowledged modes) are expressed by which events
// the callers raise, not by per-mode tables.

// TxState is the sender-side fragmentation state (RFC 8724 section 8.4).
type TxState uint8

const (
	// TxStateInit: transfer accepted, nothing sent yet.
	TxStateInit TxState = iota + 1
	// TxStateSend: emitting the current window's fragments, paced by
	// the duty cycle.
	TxStateSend
	// TxStateWaitBitmap: window fully sent, waiting for the ACK.
	TxStateWaitBitmap
	// TxStateResend: re-emitting the fragments an ACK reported missing.
	TxStateResend
	// TxStateEnd: transfer delivered.
	TxStateEnd
	// TxStateError: transfer failed, terminal.
	TxStateError
)

func (s TxState) String() string {
	switch s {
	case TxStateInit:
		return "INIT_TX"
	case TxStateSend:
		return "SEND"
	case TxStateWaitBitmap:
		return "WAIT_BITMAP"
	case TxStateResend:
		return "RESEND"
	case TxStateEnd:
		return "END_TX"
	case TxStateError:
		return "ERR_TX"
	}
	return "UNKNOWN_TX"
}

// Terminal reports whether the transfer has finished, successfully or
// not.
func (s TxState) Terminal() bool {
	return s == TxStateEnd || s == TxStateError
}

// TxEvent is an input to the sender machine.
type TxEvent uint8

const (
	// TxEventStart kicks off the transfer.
	TxEventStart TxEvent = iota + 1
	// TxEventWindowSent: every fragment of the current window is out.
	TxEventWindowSent
	// TxEventAllSent: the final fragment is out under No-ACK.
	TxEventAllSent
	// TxEventAckComplete: ACK with a complete bitmap for a non-final
	// window.
	TxEventAckComplete
	// TxEventAckFinal: ACK with C=1 for the final window.
	TxEventAckFinal
	// TxEventAckGaps: ACK reporting missing fragments.
	TxEventAckGaps
	// TxEventResendDone: every reported gap has been re-sent.
	TxEventResendDone
	// TxEventTimeout: the retransmission timer expired with attempts
	// left in the budget.
	TxEventTimeout
	// TxEventGiveUp: the attempt budget is exhausted, or an ACK left
	// nothing to resend on the final window.
	TxEventGiveUp
	// TxEventAbort: unrecoverable local error.
	TxEventAbort
)

func (e TxEvent) String() string {
	switch e {
	case TxEventStart:
		return "START"
	case TxEventWindowSent:
		return "WINDOW_SENT"
	case TxEventAllSent:
		return "ALL_SENT"
	case TxEventAckComplete:
		return "ACK_COMPLETE"
	case TxEventAckFinal:
		return "ACK_FINAL"
	case TxEventAckGaps:
		return "ACK_GAPS"
	case TxEventResendDone:
		return "RESEND_DONE"
	case TxEventTimeout:
		return "TIMEOUT"
	case TxEventGiveUp:
		return "GIVE_UP"
	case TxEventAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// RxState is the receiver-side reassembly state.
type RxState uint8

const (
	// RxStateInit: connection allocated, nothing received yet.
	RxStateInit RxState = iota + 1
	// RxStateRecvWindow: collecting fragments of the current window.
	RxStateRecvWindow
	// RxStateWaitNext: current window complete and acknowledged,
	// waiting for the first fragment of the next one.
	RxStateWaitNext
	// RxStateWaitMissing: MIC failed with gaps outstanding, waiting
	// for retransmissions.
	RxStateWaitMissing
	// RxStateWaitEnd: packet delivered, lingering to re-ACK a lost
	// final ACK.
	RxStateWaitEnd
	// RxStateEnd: reassembly finished, connection released.
	RxStateEnd
	// RxStateAbort: reassembly abandoned, terminal.
	RxStateAbort
)

func (s RxState) String() string {
	switch s {
	case RxStateInit:
		return "INIT_RX"
	case RxStateRecvWindow:
		return "RECV_WINDOW"
	case RxStateWaitNext:
		return "WAIT_NEXT_WINDOW"
	case RxStateWaitMissing:
		return "WAIT_MISSING_FRAG"
	case RxStateWaitEnd:
		return "WAIT_END"
	case RxStateEnd:
		return "END_RX"
	case RxStateAbort:
		return "ABORT"
	}
	return "UNKNOWN_RX"
}

// Terminal reports whether reassembly has finished.
func (s RxState) Terminal() bool {
	return s == RxStateEnd || s == RxStateAbort
}

// RxEvent is an input to the receiver machine.
type RxEvent uint8

const (
	// RxEventStart arms the machine on the first fragment.
	RxEventStart RxEvent = iota + 1
	// RxEventFragment: an in-window fragment was stored without
	// completing anything.
	RxEventFragment
	// RxEventWindowComplete: every regular slot of a non-final window
	// is filled.
	RxEventWindowComplete
	// RxEventNewWindow: a fragment of the next sequential window
	// arrived.
	RxEventNewWindow
	// RxEventMICOk: the reassembled packet verified, acknowledged
	// modes.
	RxEventMICOk
	// RxEventMICFail: MIC mismatch with retransmission still possible.
	RxEventMICFail
	// RxEventComplete: the reassembled packet verified under No-ACK.
	RxEventComplete
	// RxEventDiscard: MIC mismatch under No-ACK; drop silently.
	RxEventDiscard
	// RxEventAckRequest: the sender solicited the current ACK again.
	RxEventAckRequest
	// RxEventDuplicate: a duplicate fragment for an already complete
	// window.
	RxEventDuplicate
	// RxEventDuplicateFinal: the final fragment arrived again after
	// delivery.
	RxEventDuplicateFinal
	// RxEventTimeoutRetry: inactivity expired with re-ACK budget left
	// (ACK-Always).
	RxEventTimeoutRetry
	// RxEventTimeout: the linger timer after delivery expired.
	RxEventTimeout
	// RxEventAbort: inactivity budget exhausted or unrecoverable
	// error.
	RxEventAbort
)

func (e RxEvent) String() string {
	switch e {
	case RxEventStart:
		return "START"
	case RxEventFragment:
		return "FRAGMENT"
	case RxEventWindowComplete:
		return "WINDOW_COMPLETE"
	case RxEventNewWindow:
		return "NEW_WINDOW"
	case RxEventMICOk:
		return "MIC_OK"
	case RxEventMICFail:
		return "MIC_FAIL"
	case RxEventComplete:
		return "COMPLETE"
	case RxEventDiscard:
		return "DISCARD"
	case RxEventAckRequest:
		return "ACK_REQUEST"
	case RxEventDuplicate:
		return "DUPLICATE"
	case RxEventDuplicateFinal:
		return "DUPLICATE_FINAL"
	case RxEventTimeoutRetry:
		return "TIMEOUT_RETRY"
	case RxEventTimeout:
		return "TIMEOUT"
	case RxEventAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// Action is a side effect the caller executes after a transition.
type Action uint8

const (
	// ActionSendWindow starts emitting the current window's fragments.
	ActionSendWindow Action = iota + 1
	// ActionNextWindow advances the sender to the next window.
	ActionNextWindow
	// ActionResendMissing re-emits the fragments the last ACK marked
	// missing.
	ActionResendMissing
	// ActionArmRetransmit arms the sender's ACK wait timer.
	ActionArmRetransmit
	// ActionSendAckRequest solicits the receiver's current ACK.
	ActionSendAckRequest
	// ActionEndSuccess reports transfer success upstream.
	ActionEndSuccess
	// ActionEndFailure reports transfer failure upstream.
	ActionEndFailure
	// ActionSendAck emits the current window bitmap (or C=1) ACK.
	ActionSendAck
	// ActionResendLastAck re-emits the most recent ACK verbatim.
	ActionResendLastAck
	// ActionAdvanceWindow flushes the completed window and moves the
	// receiver forward.
	ActionAdvanceWindow
	// ActionDeliver hands the reassembled packet upstream.
	ActionDeliver
	// ActionArmInactivity arms the receiver inactivity timer.
	ActionArmInactivity
	// ActionArmRelease arms the post-delivery linger timer.
	ActionArmRelease
	// ActionRelease returns the connection to the pool.
	ActionRelease
)

func (a Action) String() string {
	switch a {
	case ActionSendWindow:
		return "SEND_WINDOW"
	case ActionNextWindow:
		return "NEXT_WINDOW"
	case ActionResendMissing:
		return "RESEND_MISSING"
	case ActionArmRetransmit:
		return "ARM_RETRANSMIT"
	case ActionSendAckRequest:
		return "SEND_ACK_REQUEST"
	case ActionEndSuccess:
		return "END_SUCCESS"
	case ActionEndFailure:
		return "END_FAILURE"
	case ActionSendAck:
		return "SEND_ACK"
	case ActionResendLastAck:
		return "RESEND_LAST_ACK"
	case ActionAdvanceWindow:
		return "ADVANCE_WINDOW"
	case ActionDeliver:
		return "DELIVER"
	case ActionArmInactivity:
		return "ARM_INACTIVITY"
	case ActionArmRelease:
		return "ARM_RELEASE"
	case ActionRelease:
		return "RELEASE"
	}
	return "UNKNOWN"
}

type txStateEvent struct {
	state TxState
	event TxEvent
}

type txTransition struct {
	next    TxState
	actions []Action
}

// txTable is the sender machine. Pairs not listed leave the state
// unchanged with no actions.
var txTable = map[txStateEvent]txTransition{
	// ==================== INIT_TX ====================

	// Transfer accepted: start emitting the first window.
	{TxStateInit, TxEventStart}: {TxStateSend, []Action{ActionSendWindow}},
	// Local failure before anything went out.
	{TxStateInit, TxEventAbort}: {TxStateError, []Action{ActionEndFailure}},

	// ==================== SEND ====================

	// Acked modes park for the window bitmap once the window is out.
	{TxStateSend, TxEventWindowSent}: {TxStateWaitBitmap, []Action{ActionArmRetransmit}},
	// No-ACK runs straight through to the end (RFC 8724 section 8.4.1).
	{TxStateSend, TxEventAllSent}: {TxStateEnd, []Action{ActionEndSuccess}},
	// Transport failure mid-window.
	{TxStateSend, TxEventAbort}: {TxStateError, []Action{ActionEndFailure}},

	// ==================== WAIT_BITMAP ====================

	// Complete bitmap for a non-final window: advance and keep going.
	{TxStateWaitBitmap, TxEventAckComplete}: {TxStateSend, []Action{ActionNextWindow, ActionSendWindow}},
	// C=1 on the final window: the receiver verified the MIC.
	{TxStateWaitBitmap, TxEventAckFinal}: {TxStateEnd, []Action{ActionEndSuccess}},
	// The bitmap reported gaps: re-emit exactly those fragments.
	{TxStateWaitBitmap, TxEventAckGaps}: {TxStateResend, []Action{ActionResendMissing}},
	// No ACK within the duty cycle: solicit one and re-arm.
	{TxStateWaitBitmap, TxEventTimeout}: {TxStateWaitBitmap, []Action{ActionSendAckRequest, ActionArmRetransmit}},
	// Attempt budget exhausted (RFC 8724 MAX_ACK_REQUESTS).
	{TxStateWaitBitmap, TxEventGiveUp}: {TxStateError, []Action{ActionEndFailure}},
	// Unrecoverable local error while waiting.
	{TxStateWaitBitmap, TxEventAbort}: {TxStateError, []Action{ActionEndFailure}},

	// ==================== RESEND ====================

	// Every reported gap re-sent: wait for the corrected bitmap.
	{TxStateResend, TxEventResendDone}: {TxStateWaitBitmap, []Action{ActionArmRetransmit}},
	// Attempt budget exhausted during a resend round.
	{TxStateResend, TxEventGiveUp}: {TxStateError, []Action{ActionEndFailure}},
	// Transport failure during a resend round.
	{TxStateResend, TxEventAbort}: {TxStateError, []Action{ActionEndFailure}},
}

type rxStateEvent struct {
	state RxState
	event RxEvent
}

type rxTransition struct {
	next    RxState
	actions []Action
}

// rxTable is the receiver machine.
var rxTable = map[rxStateEvent]rxTransition{
	// ==================== INIT_RX ====================

	// First fragment of a new transfer arms the inactivity timer.
	{RxStateInit, RxEventStart}: {RxStateRecvWindow, []Action{ActionArmInactivity}},
	// Pool or rule failure before any state accrued.
	{RxStateInit, RxEventAbort}: {RxStateAbort, []Action{ActionRelease}},

	// ==================== RECV_WINDOW ====================

	// In-window fragment stored; nothing completed yet.
	{RxStateRecvWindow, RxEventFragment}: {RxStateRecvWindow, []Action{ActionArmInactivity}},
	// Every regular slot filled: acknowledge and await the next window.
	{RxStateRecvWindow, RxEventWindowComplete}: {RxStateWaitNext, []Action{ActionSendAck, ActionArmInactivity}},
	// Reassembled packet verified: deliver, C=1 ACK, linger briefly.
	{RxStateRecvWindow, RxEventMICOk}: {RxStateWaitEnd, []Action{ActionSendAck, ActionDeliver, ActionArmRelease}},
	// MIC mismatch with gaps known: request retransmission via bitmap.
	{RxStateRecvWindow, RxEventMICFail}: {RxStateWaitMissing, []Action{ActionSendAck, ActionArmInactivity}},
	// No-ACK success path: deliver and release, no ACK exists
	// (RFC 8724 section 8.4.1).
	{RxStateRecvWindow, RxEventComplete}: {RxStateEnd, []Action{ActionDeliver, ActionRelease}},
	// No-ACK MIC mismatch: silent discard.
	{RxStateRecvWindow, RxEventDiscard}: {RxStateAbort, []Action{ActionRelease}},
	// ACK solicited mid-window: report the bitmap so far.
	{RxStateRecvWindow, RxEventAckRequest}: {RxStateRecvWindow, []Action{ActionSendAck, ActionArmInactivity}},
	// Inactivity budget exhausted.
	{RxStateRecvWindow, RxEventAbort}: {RxStateAbort, []Action{ActionRelease}},

	// ==================== WAIT_NEXT_WINDOW ====================

	// First fragment of the next window: flush and move forward.
	{RxStateWaitNext, RxEventNewWindow}: {RxStateRecvWindow, []Action{ActionAdvanceWindow, ActionArmInactivity}},
	// The window ACK was lost: repeat it.
	{RxStateWaitNext, RxEventAckRequest}: {RxStateWaitNext, []Action{ActionResendLastAck, ActionArmInactivity}},
	// Duplicate fragment of the acknowledged window: repeat the ACK.
	{RxStateWaitNext, RxEventDuplicate}: {RxStateWaitNext, []Action{ActionResendLastAck, ActionArmInactivity}},
	// Inactivity with re-ACK budget left (ACK-Always only).
	{RxStateWaitNext, RxEventTimeoutRetry}: {RxStateWaitNext, []Action{ActionResendLastAck, ActionArmInactivity}},
	// Inactivity budget exhausted.
	{RxStateWaitNext, RxEventAbort}: {RxStateAbort, []Action{ActionRelease}},

	// ==================== WAIT_MISSING_FRAG ====================

	// Retransmission stored; gaps remain.
	{RxStateWaitMissing, RxEventFragment}: {RxStateWaitMissing, []Action{ActionArmInactivity}},
	// Retransmissions closed the gaps and the MIC now verifies.
	{RxStateWaitMissing, RxEventMICOk}: {RxStateWaitEnd, []Action{ActionSendAck, ActionDeliver, ActionArmRelease}},
	// Still failing after a retransmission round: re-report the bitmap.
	{RxStateWaitMissing, RxEventMICFail}: {RxStateWaitMissing, []Action{ActionSendAck, ActionArmInactivity}},
	// The bitmap ACK was lost: report the current bitmap, which may
	// have grown since, rather than the cached frame.
	{RxStateWaitMissing, RxEventAckRequest}: {RxStateWaitMissing, []Action{ActionSendAck, ActionArmInactivity}},
	// Inactivity with re-ACK budget left (ACK-Always only).
	{RxStateWaitMissing, RxEventTimeoutRetry}: {RxStateWaitMissing, []Action{ActionSendAck, ActionArmInactivity}},
	// Inactivity budget exhausted.
	{RxStateWaitMissing, RxEventAbort}: {RxStateAbort, []Action{ActionRelease}},

	// ==================== WAIT_END ====================

	// The sender missed the final ACK: repeat it.
	{RxStateWaitEnd, RxEventAckRequest}: {RxStateWaitEnd, []Action{ActionResendLastAck}},
	// The final fragment arrived again: the C=1 ACK was lost.
	{RxStateWaitEnd, RxEventDuplicateFinal}: {RxStateWaitEnd, []Action{ActionResendLastAck}},
	// Linger expired: release the connection for reuse.
	{RxStateWaitEnd, RxEventTimeout}: {RxStateEnd, []Action{ActionRelease}},
	// Forced teardown while lingering.
	{RxStateWaitEnd, RxEventAbort}: {RxStateAbort, []Action{ActionRelease}},
}

// TxResult describes one sender transition.
type TxResult struct {
	OldState TxState
	NewState TxState
	Actions  []Action
	Changed  bool
}

// ApplyTxEvent looks up the sender transition for (state, event). An
// unlisted pair returns the state unchanged with no actions, so stray
// events in terminal states are harmless.
func ApplyTxEvent(state TxState, event TxEvent) TxResult {
	t, ok := txTable[txStateEvent{state, event}]
	if !ok {
		return TxResult{OldState: state, NewState: state}
	}
	return TxResult{
		OldState: state,
		NewState: t.next,
		Actions:  t.actions,
		Changed:  t.next != state,
	}
}

// RxResult describes one receiver transition.
type RxResult struct {
	OldState RxState
	NewState RxState
	Actions  []Action
	Changed  bool
}

// ApplyRxEvent looks up the receiver transition for (state, event).
func ApplyRxEvent(state RxState, event RxEvent) RxResult {
	t, ok := rxTable[rxStateEvent{state, event}]
	if !ok {
		return RxResult{OldState: state, NewState: state}
	}
	return RxResult{
		OldState: state,
		NewState: t.next,
		Actions:  t.actions,
		Changed:  t.next != state,
	}
}
