package schc

import (
	"time"

	"github.com/lpwan-works/goschc/internal/rules"
)

// Default protocol timer values. These suit duty-cycled LPWAN links
// where a fragment can sit in a downlink queue for seconds; profiles
// with faster transports should shrink them via WithTimers.
const (
	// DefaultRetransmissionTimeout bounds the sender's wait for a
	// window ACK before soliciting it again.
	DefaultRetransmissionTimeout = 5 * time.Second

	// DefaultInactivityTimeout bounds the receiver's wait for the next
	// fragment of an open transfer. Kept above the retransmission
	// timeout so a receiver outlives at least two ACK solicitations.
	DefaultInactivityTimeout = 12 * time.Second

	// DefaultReleaseTimeout is how long a receiver lingers after
	// delivering a packet, ready to repeat the final ACK if the sender
	// missed it.
	DefaultReleaseTimeout = 5 * time.Second
)

// Timers groups the engine's protocol timers. Values come from the
// deployment profile rather than the protocol itself; zero fields fall
// back to the defaults above.
type Timers struct {
	Retransmission time.Duration
	Inactivity     time.Duration
	Release        time.Duration
}

// DefaultTimers returns the timer set used when none is configured.
func DefaultTimers() Timers {
	return Timers{
		Retransmission: DefaultRetransmissionTimeout,
		Inactivity:     DefaultInactivityTimeout,
		Release:        DefaultReleaseTimeout,
	}
}

// withDefaults fills zero fields so a partially configured Timers
// value stays usable.
func (t Timers) withDefaults() Timers {
	if t.Retransmission <= 0 {
		t.Retransmission = DefaultRetransmissionTimeout
	}
	if t.Inactivity <= 0 {
		t.Inactivity = DefaultInactivityTimeout
	}
	if t.Release <= 0 {
		t.Release = DefaultReleaseTimeout
	}
	return t
}

// pacingDelay returns the gap between consecutive fragment
// transmissions for a device. Zero disables pacing and lets a whole
// emission pass go out back to back.
func pacingDelay(dev *rules.Device) time.Duration {
	if dev.DutyCycle <= 0 {
		return 0
	}
	return dev.DutyCycle
}
