package schc

// EndTxEvent reports the outcome of an outbound transfer. Fragments is
// zero when the packet fit the MTU and went out whole, in which case
// RuleID and DTag are zero too.
type EndTxEvent struct {
	DeviceID  uint32
	RuleID    uint32
	DTag      uint32
	Fragments int
	Err       error // nil on success
}

// EndRxEvent reports an inbound SCHC packet or the failure of its
// reassembly. Packet is the reassembled bytes on success and nil on
// failure; Fragments is zero when the frame arrived unfragmented.
type EndRxEvent struct {
	DeviceID  uint32
	RuleID    uint32
	DTag      uint32
	Fragments int
	Packet    []byte
	Err       error
}

// EndTxFunc is invoked when an outbound transfer finishes, whether it
// succeeded or gave up.
//
// The manager calls it synchronously while holding the device's engine
// lock, so the callback must not block and must not call back into the
// manager for the same device. Implementations that need to do real
// work should hand the event to a channel and return.
type EndTxFunc func(EndTxEvent)

// EndRxFunc is invoked when an inbound packet is ready or its
// reassembly is abandoned. The same constraints as EndTxFunc apply:
// the call is synchronous under the device lock, so hand the event off
// rather than processing it in place. The Packet slice is owned by the
// callback and never reused by the engine.
type EndRxFunc func(EndRxEvent)
