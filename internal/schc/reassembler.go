package schc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	schcmetrics "github.com/lpwan-works/goschc/internal/metrics"
	"github.com/lpwan-works/goschc/internal/rules"
)

var (
	// ErrMICMismatch ends a reassembly whose integrity check failed
	// beyond repair.
	ErrMICMismatch = errors.New("schc: integrity check failed")

	// ErrInactivityTimeout ends a reassembly whose sender went quiet.
	ErrInactivityTimeout = errors.New("schc: reassembly inactivity timeout")
)

// handleFragment routes one parsed fragment to its receiver
// connection, creating the connection on the transfer's first frame.
func (m *Manager) handleFragment(ctx context.Context, dev *rules.Device, rule *rules.FragmentationRule, key connKey, frag *Fragment) error {
	conn := m.lookupRx(key)
	if conn == nil {
		if frag.IsAckRequest() {
			// Solicits an ACK for a transfer already released; the
			// sender will give up on its own.
			m.dropFrame(dev.DeviceID, schcmetrics.ReasonStale)
			m.logger.Debug("ack request for unknown transfer",
				slog.Uint64("device_id", uint64(dev.DeviceID)),
				slog.Uint64("dtag", uint64(key.dtag)))
			return nil
		}
		c, err := m.rxPool.get()
		if err != nil {
			m.dropFrame(dev.DeviceID, schcmetrics.ReasonPool)
			m.logger.Warn("reassembly rejected",
				slog.Uint64("device_id", uint64(dev.DeviceID)),
				slog.Uint64("dtag", uint64(key.dtag)),
				slog.String("error", err.Error()))
			return fmt.Errorf("device %d: %w", dev.DeviceID, err)
		}
		conn = c
		conn.bind(dev, rule, key.dtag, RoleReceiver)
		conn.rxState = RxStateInit
		m.registerRx(key, conn)

		m.logger.Info("reassembly started",
			slog.Uint64("device_id", uint64(dev.DeviceID)),
			slog.Uint64("rule_id", uint64(rule.RuleID)),
			slog.Uint64("dtag", uint64(key.dtag)),
			slog.String("mode", rule.Mode.String()))
		if m.metrics != nil {
			m.metrics.RegisterConnection(dev.DeviceID, schcmetrics.RoleReceiver)
		}
		m.applyRx(ctx, conn, RxEventStart, nil)
	}
	m.rxFrame(ctx, conn, frag)
	return nil
}

// rxFrame classifies a fragment against the receiver's current window
// and state, then feeds the machine. Frames that fit nowhere are
// logged and dropped; the sender's retransmission machinery recovers.
func (m *Manager) rxFrame(ctx context.Context, conn *Connection, frag *Fragment) {
	curW := conn.wireWindow(conn.windowIdx)
	nextW := conn.wireWindow(conn.windowIdx + 1)

	switch conn.rxState {
	case RxStateRecvWindow:
		if frag.Window != curW {
			m.rxUnexpected(conn, frag)
			return
		}
		if frag.IsAckRequest() {
			if conn.rule.Mode.Acked() {
				m.applyRx(ctx, conn, RxEventAckRequest, nil)
			}
			return
		}
		m.rxAccept(ctx, conn, frag)

	case RxStateWaitNext:
		switch {
		case frag.Window == nextW && !frag.IsAckRequest():
			gen := conn.generation
			m.applyRx(ctx, conn, RxEventNewWindow, nil)
			if conn.generation != gen {
				return
			}
			m.rxAccept(ctx, conn, frag)
		case frag.Window == curW && frag.IsAckRequest():
			m.applyRx(ctx, conn, RxEventAckRequest, nil)
		case frag.Window == curW:
			m.applyRx(ctx, conn, RxEventDuplicate, nil)
		default:
			m.rxUnexpected(conn, frag)
		}

	case RxStateWaitMissing:
		if frag.Window != curW {
			m.rxUnexpected(conn, frag)
			return
		}
		if frag.IsAckRequest() {
			m.applyRx(ctx, conn, RxEventAckRequest, nil)
			return
		}
		m.rxAccept(ctx, conn, frag)

	case RxStateWaitEnd:
		if frag.Window != curW {
			m.rxUnexpected(conn, frag)
			return
		}
		switch {
		case frag.IsAckRequest():
			m.applyRx(ctx, conn, RxEventAckRequest, nil)
		case frag.Final:
			m.applyRx(ctx, conn, RxEventDuplicateFinal, nil)
		}

	default:
		m.rxUnexpected(conn, frag)
	}
}

// rxUnexpected drops a fragment that does not belong to the receiver's
// current window or state.
func (m *Manager) rxUnexpected(conn *Connection, frag *Fragment) {
	m.dropFrame(conn.deviceID, schcmetrics.ReasonStale)
	m.logger.Debug("fragment outside current window",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.String("state", conn.rxState.String()),
		slog.Uint64("window", uint64(frag.Window)),
		slog.Int("current", conn.windowIdx))
}

// rxAccept validates and stores a fragment of the current window, then
// raises whatever the store completed: nothing, the window, or the
// whole transfer.
func (m *Manager) rxAccept(ctx context.Context, conn *Connection, frag *Fragment) {
	slot, ok := conn.slotOf(frag)
	if !ok {
		m.dropFrame(conn.deviceID, schcmetrics.ReasonMalformed)
		m.logger.Debug("fragment fcn outside rule geometry",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Uint64("fcn", uint64(frag.FCN)))
		return
	}

	if frag.Final {
		if len(frag.Payload) > conn.payloadCap {
			m.dropFrame(conn.deviceID, schcmetrics.ReasonMalformed)
			return
		}
		if conn.markReceived(slot) {
			conn.accepted++
			if m.metrics != nil {
				m.metrics.IncFragmentsReceived(conn.deviceID)
			}
		}
		conn.storeFinal(frag)
		m.rxVerify(ctx, conn)
		return
	}

	// Regular fragments carry exactly the per-fragment capacity; the
	// reassembly offset of a sequence depends on it.
	if len(frag.Payload) != conn.payloadCap {
		m.dropFrame(conn.deviceID, schcmetrics.ReasonMalformed)
		m.logger.Debug("regular fragment with unexpected length",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Int("bytes", len(frag.Payload)),
			slog.Int("want", conn.payloadCap))
		return
	}
	if conn.markReceived(slot) {
		conn.accepted++
		if m.metrics != nil {
			m.metrics.IncFragmentsReceived(conn.deviceID)
		}
	}
	conn.storeRegular(slot, frag.Payload)

	if conn.sawFinal {
		// A retransmission under WAIT_MISSING; every arrival may be
		// the one that closes the last gap.
		m.rxVerify(ctx, conn)
		return
	}
	if conn.rule.Mode == rules.ModeNoAck {
		// No-ACK has no window pause: a full window slides forward.
		if conn.received == conn.windowMask() {
			conn.windowIdx++
			conn.received = 0
		}
		m.applyRx(ctx, conn, RxEventFragment, nil)
		return
	}
	if conn.received == conn.windowMask() {
		m.applyRx(ctx, conn, RxEventWindowComplete, nil)
		return
	}
	m.applyRx(ctx, conn, RxEventFragment, nil)
}

// rxVerify recomputes the integrity check. It runs when the all-1
// fragment arrives and again after every retransmission that follows
// it, so a closed gap is noticed immediately.
func (m *Manager) rxVerify(ctx context.Context, conn *Connection) {
	if conn.verify() {
		conn.micOK = true
		if conn.rule.Mode == rules.ModeNoAck {
			m.applyRx(ctx, conn, RxEventComplete, nil)
			return
		}
		m.applyRx(ctx, conn, RxEventMICOk, nil)
		return
	}

	if conn.rule.Mode == rules.ModeNoAck {
		// No channel to request repairs on: drop the transfer without
		// a word on the wire.
		if m.metrics != nil {
			m.metrics.IncMICFailures(conn.deviceID)
		}
		m.applyRx(ctx, conn, RxEventDiscard, ErrMICMismatch)
		return
	}

	switch {
	case conn.rxState == RxStateRecvWindow:
		// First failure, straight off the all-1: report the bitmap.
		if m.metrics != nil {
			m.metrics.IncMICFailures(conn.deviceID)
		}
		m.applyRx(ctx, conn, RxEventMICFail, nil)
	case conn.received == conn.windowMask():
		// Every reported gap was retransmitted and the check still
		// fails: re-report, so the sender learns nothing is missing
		// and gives up.
		if m.metrics != nil {
			m.metrics.IncMICFailures(conn.deviceID)
		}
		m.applyRx(ctx, conn, RxEventMICFail, nil)
	default:
		// Gaps remain; keep collecting.
		m.applyRx(ctx, conn, RxEventFragment, nil)
	}
}

// applyRx runs one receiver event through the transition table and
// executes the resulting actions. If an action releases the connection
// the remaining actions are skipped.
func (m *Manager) applyRx(ctx context.Context, conn *Connection, ev RxEvent, cause error) {
	if cause != nil && conn.failure == nil {
		conn.failure = cause
	}
	res := ApplyRxEvent(conn.rxState, ev)
	conn.rxState = res.NewState
	if res.Changed {
		m.logger.Debug("receiver state",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.String("event", ev.String()),
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()))
	}
	gen := conn.generation
	for _, a := range res.Actions {
		switch a {
		case ActionSendAck:
			m.rxSendAck(ctx, conn, false)
		case ActionResendLastAck:
			m.rxSendAck(ctx, conn, true)
		case ActionAdvanceWindow:
			conn.windowIdx++
			conn.received = 0
			conn.attempts = 0
		case ActionDeliver:
			m.rxDeliver(conn)
		case ActionArmInactivity:
			m.armRx(conn, m.timers.Inactivity)
		case ActionArmRelease:
			m.armRx(conn, m.timers.Release)
		case ActionRelease:
			m.finishRx(conn)
		}
		if conn.generation != gen {
			return
		}
	}
}

// rxSendAck emits the connection's ACK. With cached=true the previous
// wire frame is repeated verbatim; otherwise the ACK reflects the live
// bitmap and integrity state and the frame is cached for repeats.
func (m *Manager) rxSendAck(ctx context.Context, conn *Connection, cached bool) {
	if cached && len(conn.lastAck) > 0 {
		if _, err := m.sender.Send(ctx, conn.lastAck, conn.deviceID); err != nil {
			m.rxAbort(ctx, conn, fmt.Errorf("resend ack: %w", err))
			return
		}
		if m.metrics != nil {
			m.metrics.IncAcksSent(conn.deviceID)
		}
		return
	}

	ack := Ack{
		RuleID: conn.rule.RuleID,
		DTag:   conn.dtag,
		Window: conn.wireWindow(conn.windowIdx),
		C:      conn.micOK,
	}
	if !ack.C {
		ack.Received = conn.receivedSlots()
	}
	frame, err := ack.Marshal(conn.rule)
	if err != nil {
		m.rxAbort(ctx, conn, fmt.Errorf("marshal ack: %w", err))
		return
	}
	conn.lastAck = append(conn.lastAck[:0], frame...)
	if _, err := m.sender.Send(ctx, frame, conn.deviceID); err != nil {
		m.rxAbort(ctx, conn, fmt.Errorf("send ack: %w", err))
		return
	}
	if m.metrics != nil {
		m.metrics.IncAcksSent(conn.deviceID)
	}
	m.logger.Debug("ack sent",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.Int("window", conn.windowIdx),
		slog.Bool("c", ack.C))
}

// rxDeliver hands the reassembled packet up.
func (m *Manager) rxDeliver(conn *Connection) {
	packet := conn.assembled()
	conn.delivered = true

	m.logger.Info("packet reassembled",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.Int("fragments", conn.accepted),
		slog.Int("bytes", len(packet)))
	if m.metrics != nil {
		m.metrics.RecordTransfer(conn.deviceID, schcmetrics.RoleReceiver, schcmetrics.OutcomeSuccess)
	}
	m.countRx(true)
	m.emitEndRx(EndRxEvent{
		DeviceID:  conn.deviceID,
		RuleID:    conn.rule.RuleID,
		DTag:      conn.dtag,
		Fragments: conn.accepted,
		Packet:    packet,
	})
}

// armRx (re)starts the receiver's timer for the given duration.
func (m *Manager) armRx(conn *Connection, delay time.Duration) {
	m.schedule(conn, delay, func(ctx context.Context) {
		m.rxExpire(ctx, conn)
	})
}

// rxExpire handles the inactivity and linger timers. ACK-Always
// receivers spend their attempt budget re-soliciting the sender before
// giving up; everyone else aborts on first expiry.
func (m *Manager) rxExpire(ctx context.Context, conn *Connection) {
	switch conn.rxState {
	case RxStateWaitEnd:
		m.applyRx(ctx, conn, RxEventTimeout, nil)
	case RxStateWaitNext, RxStateWaitMissing:
		if conn.rule.Mode == rules.ModeAckAlways && conn.attempts < rules.MaxAckRequests {
			conn.attempts++
			m.applyRx(ctx, conn, RxEventTimeoutRetry, nil)
			return
		}
		m.applyRx(ctx, conn, RxEventAbort, ErrInactivityTimeout)
	default:
		m.applyRx(ctx, conn, RxEventAbort, ErrInactivityTimeout)
	}
}

// rxAbort tears a receiver connection down with a cause.
func (m *Manager) rxAbort(ctx context.Context, conn *Connection, cause error) {
	m.applyRx(ctx, conn, RxEventAbort, cause)
}

// finishRx releases a receiver connection. Failures are reported
// through the end-of-transfer callback; a delivered packet already
// went up in rxDeliver.
func (m *Manager) finishRx(conn *Connection) {
	m.sched.Cancel(conn)

	var failed *EndRxEvent
	if !conn.delivered {
		cause := conn.failure
		if cause == nil {
			cause = ErrInactivityTimeout
		}
		failed = &EndRxEvent{
			DeviceID:  conn.deviceID,
			RuleID:    conn.rule.RuleID,
			DTag:      conn.dtag,
			Fragments: conn.accepted,
			Err:       cause,
		}
		m.logger.Warn("reassembly abandoned",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Int("fragments", conn.accepted),
			slog.String("error", cause.Error()))
		if m.metrics != nil {
			m.metrics.RecordTransfer(conn.deviceID, schcmetrics.RoleReceiver, schcmetrics.OutcomeFailure)
		}
		m.countRx(false)
	}
	if m.metrics != nil {
		m.metrics.UnregisterConnection(conn.deviceID, schcmetrics.RoleReceiver)
	}

	m.unregisterRx(conn)
	m.rxPool.put(conn)
	if failed != nil {
		m.emitEndRx(*failed)
	}
}
