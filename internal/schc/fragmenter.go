package schc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	schcmetrics "github.com/lpwan-works/goschc/internal/metrics"
	"github.com/lpwan-works/goschc/internal/rules"
)

var (
	// ErrNoFragmentationRule is returned when a packet exceeds the
	// device MTU and no fragmentation rule covers the egress direction.
	ErrNoFragmentationRule = errors.New("schc: no fragmentation rule for direction")

	// ErrMTUTooSmall is returned when the device MTU cannot fit a
	// fragment header, the integrity check and at least one payload
	// byte.
	ErrMTUTooSmall = errors.New("schc: mtu too small for fragmentation")

	// ErrRetriesExhausted ends a transfer whose ACK solicitations or
	// retransmission rounds ran past the attempt budget.
	ErrRetriesExhausted = errors.New("schc: retries exhausted")

	// ErrReassemblyFailed ends a transfer whose receiver holds every
	// fragment of the final window yet still reports an integrity
	// failure. Retransmission cannot repair that.
	ErrReassemblyFailed = errors.New("schc: receiver reports integrity failure with no missing fragments")
)

// Send compresses nothing and fragments everything: it takes a ready
// SCHC packet and moves it to the device, whole when it fits the MTU
// and as a fragmented transfer when it does not.
//
// The returned error covers setup only (unknown device, no usable
// rule, pool or DTag exhaustion, closed manager). Once the transfer is
// under way, transport failures and retry exhaustion surface through
// the end-of-transfer callback instead.
func (m *Manager) Send(ctx context.Context, deviceID uint32, packet []byte) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if m.isClosed() {
		return ErrManagerClosed
	}
	dev, ok := m.store.Device(deviceID)
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, rules.ErrUnknownDevice)
	}

	if len(packet) <= dev.MTU {
		if _, err := m.sender.Send(ctx, packet, deviceID); err != nil {
			return fmt.Errorf("device %d: send packet: %w", deviceID, err)
		}
		m.logger.Debug("packet sent unfragmented",
			slog.Uint64("device_id", uint64(deviceID)),
			slog.Int("bytes", len(packet)))
		if m.metrics != nil {
			m.metrics.RecordTransfer(deviceID, schcmetrics.RoleSender, schcmetrics.OutcomeSuccess)
		}
		m.countTx(true)
		m.emitEndTx(EndTxEvent{DeviceID: deviceID})
		return nil
	}

	rule := m.egressRule(dev)
	if rule == nil {
		return fmt.Errorf("device %d packet of %d bytes: %w", deviceID, len(packet), ErrNoFragmentationRule)
	}
	if fragmentPayloadCap(dev.MTU, rule) < 1 {
		return fmt.Errorf("device %d mtu %d rule %d: %w", deviceID, dev.MTU, rule.RuleID, ErrMTUTooSmall)
	}

	conn, err := m.txPool.get()
	if err != nil {
		return fmt.Errorf("device %d: %w", deviceID, err)
	}
	dtag, err := m.dtags.allocate(deviceID, rule)
	if err != nil {
		m.txPool.put(conn)
		return err
	}

	conn.bind(dev, rule, dtag, RoleSender)
	conn.data = append(conn.data[:0], packet...)
	conn.fragments = (len(packet) + conn.payloadCap - 1) / conn.payloadCap
	conn.mic = ComputeMIC(conn.data)
	conn.txState = TxStateInit
	m.registerTx(conn)

	m.logger.Info("transfer started",
		slog.Uint64("device_id", uint64(deviceID)),
		slog.Uint64("rule_id", uint64(rule.RuleID)),
		slog.Uint64("dtag", uint64(dtag)),
		slog.String("mode", rule.Mode.String()),
		slog.Int("bytes", len(packet)),
		slog.Int("fragments", conn.fragments))
	if m.metrics != nil {
		m.metrics.RegisterConnection(deviceID, schcmetrics.RoleSender)
	}

	m.applyTx(ctx, conn, TxEventStart, nil)
	return nil
}

// egressRule picks the fragmentation rule for outbound transfers: the
// first rule in the device's declaration order that covers the
// manager's egress direction.
func (m *Manager) egressRule(dev *rules.Device) *rules.FragmentationRule {
	for _, r := range dev.FragmentationRules {
		if r.Mode == rules.ModeNotFragmented {
			continue
		}
		if r.Direction.Covers(m.dir) {
			return r
		}
	}
	return nil
}

// applyTx runs one sender event through the transition table and
// executes the resulting actions. If an action resets the connection
// (EndSuccess, EndFailure) the remaining actions are skipped.
func (m *Manager) applyTx(ctx context.Context, conn *Connection, ev TxEvent, cause error) {
	if cause != nil && conn.failure == nil {
		conn.failure = cause
	}
	res := ApplyTxEvent(conn.txState, ev)
	conn.txState = res.NewState
	if res.Changed {
		m.logger.Debug("sender state",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.String("event", ev.String()),
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()))
	}
	gen := conn.generation
	for _, a := range res.Actions {
		switch a {
		case ActionSendWindow:
			if conn.rule.Mode == rules.ModeNoAck {
				conn.startFullPass()
			} else {
				conn.startWindowPass()
			}
			m.txEmit(ctx, conn)
		case ActionNextWindow:
			conn.windowIdx++
			conn.attempts = 0
		case ActionResendMissing:
			m.txEmit(ctx, conn)
		case ActionArmRetransmit:
			m.armTx(conn)
		case ActionSendAckRequest:
			m.sendAckRequest(ctx, conn)
		case ActionEndSuccess, ActionEndFailure:
			m.finishTx(conn)
		}
		if conn.generation != gen {
			return
		}
	}
}

// txEmit drives the current emission pass. With no duty cycle the
// whole pass runs inline; otherwise one fragment goes out per call and
// the next is scheduled on the pacing timer.
func (m *Manager) txEmit(ctx context.Context, conn *Connection) {
	for {
		seq, ok := conn.nextTxSeq()
		if !ok {
			m.txPassFinished(ctx, conn)
			return
		}
		if err := m.sendFragment(ctx, conn, seq); err != nil {
			m.applyTx(ctx, conn, TxEventAbort, err)
			return
		}
		conn.advanceTx()
		if conn.txPassDone() {
			m.txPassFinished(ctx, conn)
			return
		}
		delay := pacingDelay(conn.device)
		if delay <= 0 {
			continue
		}
		m.schedule(conn, delay, func(ctx context.Context) {
			m.txEmit(ctx, conn)
		})
		return
	}
}

// txPassFinished raises the event matching the pass that just drained.
func (m *Manager) txPassFinished(ctx context.Context, conn *Connection) {
	switch {
	case conn.rule.Mode == rules.ModeNoAck:
		m.applyTx(ctx, conn, TxEventAllSent, nil)
	case conn.resending():
		m.applyTx(ctx, conn, TxEventResendDone, nil)
	default:
		m.applyTx(ctx, conn, TxEventWindowSent, nil)
	}
}

// sendFragment marshals and transmits one fragment of the transfer.
func (m *Manager) sendFragment(ctx context.Context, conn *Connection, seq int) error {
	f := Fragment{
		RuleID:  conn.rule.RuleID,
		DTag:    conn.dtag,
		Window:  conn.wireWindow(conn.windowOf(seq)),
		FCN:     conn.fcnOf(seq),
		Final:   seq == conn.fragments-1,
		Payload: conn.payloadOf(seq),
	}
	if f.Final {
		f.MIC = conn.mic
	}
	frame, err := f.Marshal(conn.rule)
	if err != nil {
		return fmt.Errorf("marshal fragment %d: %w", seq, err)
	}
	if _, err := m.sender.Send(ctx, frame, conn.deviceID); err != nil {
		return fmt.Errorf("send fragment %d: %w", seq, err)
	}
	if m.metrics != nil {
		m.metrics.IncFragmentsSent(conn.deviceID)
		if conn.resending() {
			m.metrics.IncRetransmissions(conn.deviceID)
		}
	}
	m.logger.Debug("fragment sent",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.Int("seq", seq),
		slog.Uint64("window", uint64(f.Window)),
		slog.Uint64("fcn", uint64(f.FCN)),
		slog.Bool("final", f.Final),
		slog.Int("bytes", len(f.Payload)))
	return nil
}

// sendAckRequest transmits an all-0 fragment with no payload,
// soliciting the receiver's current ACK for the window in flight.
func (m *Manager) sendAckRequest(ctx context.Context, conn *Connection) {
	f := Fragment{
		RuleID: conn.rule.RuleID,
		DTag:   conn.dtag,
		Window: conn.wireWindow(conn.windowIdx),
	}
	frame, err := f.Marshal(conn.rule)
	if err == nil {
		_, err = m.sender.Send(ctx, frame, conn.deviceID)
	}
	if err != nil {
		m.applyTx(ctx, conn, TxEventAbort, fmt.Errorf("send ack request: %w", err))
		return
	}
	if m.metrics != nil {
		m.metrics.IncAckRequests(conn.deviceID)
	}
	m.logger.Debug("ack request sent",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.Int("window", conn.windowIdx),
		slog.Uint64("attempt", uint64(conn.attempts)))
}

// armTx starts the wait for the current window's ACK.
func (m *Manager) armTx(conn *Connection) {
	m.schedule(conn, m.timers.Retransmission, func(ctx context.Context) {
		m.txExpire(ctx, conn)
	})
}

// txExpire handles the ACK wait running out: solicit the ACK again
// until the attempt budget is spent, then give up.
func (m *Manager) txExpire(ctx context.Context, conn *Connection) {
	if conn.txState != TxStateWaitBitmap {
		return
	}
	if conn.attempts >= rules.MaxAckRequests {
		m.applyTx(ctx, conn, TxEventGiveUp, ErrRetriesExhausted)
		return
	}
	conn.attempts++
	m.applyTx(ctx, conn, TxEventTimeout, nil)
}

// handleAck consumes an ACK for a sender connection. Anything that
// does not match the window in flight is logged and dropped; losing an
// ACK costs a retransmission timeout, never correctness.
func (m *Manager) handleAck(ctx context.Context, conn *Connection, ack *Ack) {
	if m.metrics != nil {
		m.metrics.IncAcksReceived(conn.deviceID)
	}
	if conn.txState != TxStateWaitBitmap {
		m.logger.Debug("ack ignored",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.String("state", conn.txState.String()))
		return
	}
	if ack.Window != conn.wireWindow(conn.windowIdx) {
		m.logger.Debug("ack for stale window",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Uint64("got", uint64(ack.Window)),
			slog.Uint64("want", uint64(conn.wireWindow(conn.windowIdx))))
		return
	}
	m.sched.Cancel(conn)

	if ack.C {
		if conn.windowIdx != conn.finalWindow() {
			// C=1 before the final window means wire window aliasing
			// from a transfer this ACK does not belong to.
			m.logger.Warn("integrity ack before final window",
				slog.Uint64("device_id", uint64(conn.deviceID)),
				slog.Uint64("dtag", uint64(conn.dtag)),
				slog.Int("window", conn.windowIdx))
			m.armTx(conn)
			return
		}
		m.applyTx(ctx, conn, TxEventAckFinal, nil)
		return
	}

	missing := conn.missingSeqs(ack.Received)
	if len(missing) == 0 {
		if conn.windowIdx == conn.finalWindow() {
			m.applyTx(ctx, conn, TxEventGiveUp, ErrReassemblyFailed)
			return
		}
		m.applyTx(ctx, conn, TxEventAckComplete, nil)
		return
	}
	if conn.attempts >= rules.MaxAckRequests {
		m.applyTx(ctx, conn, TxEventGiveUp, ErrRetriesExhausted)
		return
	}
	conn.attempts++
	conn.startResendPass(missing)
	m.logger.Debug("ack reports gaps",
		slog.Uint64("device_id", uint64(conn.deviceID)),
		slog.Uint64("dtag", uint64(conn.dtag)),
		slog.Int("window", conn.windowIdx),
		slog.Int("missing", len(missing)))
	m.applyTx(ctx, conn, TxEventAckGaps, nil)
}

// finishTx tears a sender connection down and reports its outcome.
func (m *Manager) finishTx(conn *Connection) {
	m.sched.Cancel(conn)
	cause := conn.failure
	ev := EndTxEvent{
		DeviceID:  conn.deviceID,
		RuleID:    conn.rule.RuleID,
		DTag:      conn.dtag,
		Fragments: conn.fragments,
		Err:       cause,
	}

	if cause == nil {
		m.logger.Info("transfer complete",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Int("fragments", conn.fragments))
	} else {
		m.logger.Warn("transfer failed",
			slog.Uint64("device_id", uint64(conn.deviceID)),
			slog.Uint64("dtag", uint64(conn.dtag)),
			slog.Int("window", conn.windowIdx),
			slog.String("error", cause.Error()))
	}
	if m.metrics != nil {
		outcome := schcmetrics.OutcomeSuccess
		if cause != nil {
			outcome = schcmetrics.OutcomeFailure
		}
		m.metrics.RecordTransfer(conn.deviceID, schcmetrics.RoleSender, outcome)
		m.metrics.UnregisterConnection(conn.deviceID, schcmetrics.RoleSender)
	}

	m.unregisterTx(conn)
	m.countTx(cause == nil)
	m.dtags.release(conn.deviceID, conn.rule.RuleID, conn.dtag)
	m.txPool.put(conn)
	m.emitEndTx(ev)
}
