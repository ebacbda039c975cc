// Package rules defines the SCHC rule model of RFC 8724: field
// descriptors with their matching operators and compression actions,
// per-layer rule sequences, compression and fragmentation rules,
// devices, and the Store that registers devices for the protocol
// engine.
//
// Everything in this package is immutable once deployed to a Store;
// validation happens at construction so the engine never re-checks
// configuration at runtime.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/lpwan-works/goschc/internal/bits"
)

// Capacity limits of the rule model. Field values and reconstructed
// headers are bounded so a malformed rule set cannot make the engine
// allocate unboundedly.
const (
	// MaxFieldLength is the largest field value entry in bytes.
	MaxFieldLength = 32

	// MaxIPv6Fields, MaxUDPFields, and MaxCoAPFields bound the number of
	// field descriptors per layer rule.
	MaxIPv6Fields = 14
	MaxUDPFields  = 4
	MaxCoAPFields = 16

	// MaxHeaderLength is the largest reconstructed header in bytes.
	MaxHeaderLength = 256

	// MaxMTU is the largest link MTU a device may declare.
	MaxMTU = 1280

	// MaxAckRequests is the retransmission/ack-request budget per
	// fragmented transfer.
	MaxAckRequests = 3

	// MICSize is the size of the message integrity check in bytes.
	MICSize = 4

	// MaxBitmapBits bounds the per-window fragment bitmap.
	MaxBitmapBits = 64

	// MaxRuleIDBits bounds the rule ID width on the wire.
	MaxRuleIDBits = 32
)

const unknownFmt = "Unknown(%d)"

func unknownIndexStr(v uint8) string {
	return fmt.Sprintf(unknownFmt, v)
}

// -------------------------------------------------------------------------
// Enumerations
// -------------------------------------------------------------------------

// Direction qualifies which traffic direction a descriptor or rule
// applies to. Up is device-to-application traffic, Down the reverse.
// Bi marks descriptors valid in both directions; it is never a valid
// direction for a compress/decompress call itself.
type Direction uint8

// Traffic directions.
const (
	DirectionUp Direction = iota
	DirectionDown
	DirectionBi
)

var directionNames = [...]string{
	DirectionUp:   "UP",
	DirectionDown: "DOWN",
	DirectionBi:   "BI",
}

// String returns the configuration name of the direction.
func (d Direction) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return unknownIndexStr(uint8(d))
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d <= DirectionBi
}

// Covers reports whether a descriptor with direction d applies to
// traffic direction dir. Bi covers both concrete directions.
func (d Direction) Covers(dir Direction) bool {
	return d == DirectionBi || d == dir
}

// MO is a matching operator: the predicate deciding whether a rule's
// field descriptor matches a packet field (RFC 8724 Section 7.3).
type MO uint8

// Matching operators.
const (
	MOEqual MO = iota
	MOIgnore
	MOMSB
	MOMatchMap
)

var moNames = [...]string{
	MOEqual:    "EQUAL",
	MOIgnore:   "IGNORE",
	MOMSB:      "MSB",
	MOMatchMap: "MATCHMAP",
}

// String returns the configuration name of the matching operator.
func (m MO) String() string {
	if int(m) < len(moNames) {
		return moNames[m]
	}
	return unknownIndexStr(uint8(m))
}

// Valid reports whether m is a known matching operator.
func (m MO) Valid() bool {
	return m <= MOMatchMap
}

// Action is a compression/decompression action: what is transmitted for
// a matched field and how the receiver reconstructs it (RFC 8724
// Section 7.4).
type Action uint8

// Compression/decompression actions.
const (
	ActionNotSent Action = iota
	ActionValueSent
	ActionMappingSent
	ActionLSB
	ActionComputeLength
	ActionComputeChecksum
	ActionDevIID
	ActionAppIID
)

var actionNames = [...]string{
	ActionNotSent:         "NOT_SENT",
	ActionValueSent:       "VALUE_SENT",
	ActionMappingSent:     "MAPPING_SENT",
	ActionLSB:             "LSB",
	ActionComputeLength:   "COMPUTE_LENGTH",
	ActionComputeChecksum: "COMPUTE_CHECKSUM",
	ActionDevIID:          "DEV_IID",
	ActionAppIID:          "APP_IID",
}

// String returns the configuration name of the action.
func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return unknownIndexStr(uint8(a))
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a <= ActionAppIID
}

// ReliabilityMode selects the fragmentation reliability mode
// (RFC 8724 Section 8.4).
type ReliabilityMode uint8

// Reliability modes. NotFragmented tags rules for datagrams that fit
// the MTU whole and travel without a fragmentation header.
const (
	ModeNotFragmented ReliabilityMode = iota
	ModeNoAck
	ModeAckAlways
	ModeAckOnError
)

var modeNames = [...]string{
	ModeNotFragmented: "NOT_FRAGMENTED",
	ModeNoAck:         "NO_ACK",
	ModeAckAlways:     "ACK_ALWAYS",
	ModeAckOnError:    "ACK_ON_ERROR",
}

// String returns the configuration name of the reliability mode.
func (m ReliabilityMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return unknownIndexStr(uint8(m))
}

// Valid reports whether m is a known reliability mode.
func (m ReliabilityMode) Valid() bool {
	return m <= ModeAckOnError
}

// Acked reports whether the mode acknowledges windows.
func (m ReliabilityMode) Acked() bool {
	return m == ModeAckAlways || m == ModeAckOnError
}

// -------------------------------------------------------------------------
// Validation errors
// -------------------------------------------------------------------------

// Rule model validation errors. A rule set containing any of these is
// rejected whole at deploy time; nothing is partially applied.
var (
	// ErrUnknownField indicates a descriptor with an unknown field ID.
	ErrUnknownField = errors.New("unknown field identifier")

	// ErrFieldTooLong indicates a field length above MaxFieldLength bytes.
	ErrFieldTooLong = errors.New("field length exceeds maximum")

	// ErrBadMOParam indicates a matching operator parameter that is
	// inconsistent with the field length or operator.
	ErrBadMOParam = errors.New("matching operator parameter invalid")

	// ErrBadTargetValue indicates a target value whose length does not
	// match what (bit length, MO parameter) dictates.
	ErrBadTargetValue = errors.New("target value length mismatch")

	// ErrActionMismatch indicates an action that requires a different
	// matching operator (MAPPING_SENT without MATCHMAP, LSB without MSB).
	ErrActionMismatch = errors.New("action incompatible with matching operator")

	// ErrLayerOverflow indicates more field descriptors than the layer
	// allows.
	ErrLayerOverflow = errors.New("layer rule exceeds field capacity")

	// ErrLayerMismatch indicates a field descriptor placed in the wrong
	// layer rule.
	ErrLayerMismatch = errors.New("field does not belong to layer")

	// ErrRuleIDOverflow indicates a rule ID that does not fit its
	// declared bit size.
	ErrRuleIDOverflow = errors.New("rule id does not fit its bit size")

	// ErrDuplicateRuleID indicates two rules on one device sharing
	// (rule id, bit size), counting the uncompressed rule.
	ErrDuplicateRuleID = errors.New("duplicate rule id on device")

	// ErrBadFragmentSizing indicates inconsistent FCN/window/bitmap
	// sizing on a fragmentation rule.
	ErrBadFragmentSizing = errors.New("fragmentation rule sizing invalid")

	// ErrZeroDeviceID indicates a device with ID zero.
	ErrZeroDeviceID = errors.New("device id must be nonzero")

	// ErrBadMTU indicates an MTU outside (0, MaxMTU].
	ErrBadMTU = errors.New("device mtu out of range")

	// ErrBadDutyCycle indicates a non-positive duty cycle.
	ErrBadDutyCycle = errors.New("device duty cycle must be positive")

	// ErrBadIID indicates an interface identifier that is not exactly
	// eight bytes.
	ErrBadIID = errors.New("interface identifier must be 8 bytes")

	// ErrDuplicateDevice indicates a second registration of a device ID.
	ErrDuplicateDevice = errors.New("device id already registered")

	// ErrUnknownDevice indicates a lookup for an unregistered device.
	ErrUnknownDevice = errors.New("device not registered")
)

// -------------------------------------------------------------------------
// Field Descriptor
// -------------------------------------------------------------------------

// FieldDescriptor describes how one header field is matched and
// compressed. TargetValue is stored in field form (values right-aligned
// in ceil(BitLength/8) bytes); MATCHMAP descriptors concatenate MOParam
// such entries.
type FieldDescriptor struct {
	ID          FieldID
	Direction   Direction
	BitLength   uint16
	Position    uint8
	MO          MO
	MOParam     uint8
	Action      Action
	TargetValue []byte
}

// EntrySize returns the size in bytes of one target value entry.
func (f FieldDescriptor) EntrySize() int {
	return bits.BitsToBytes(int(f.BitLength))
}

// MatchMapEntry returns the i-th candidate value of a MATCHMAP
// descriptor, and ok=false when i is out of range.
func (f FieldDescriptor) MatchMapEntry(i int) ([]byte, bool) {
	if i < 0 || i >= int(f.MOParam) {
		return nil, false
	}
	s := f.EntrySize()
	return f.TargetValue[i*s : (i+1)*s], true
}

// Validate checks the descriptor's internal consistency. TargetValue
// must already be normalized to field form; rule-set loading does that.
func (f FieldDescriptor) Validate() error {
	if !f.ID.Valid() {
		return fmt.Errorf("field %d: %w", f.ID, ErrUnknownField)
	}
	if !f.Direction.Valid() {
		return fmt.Errorf("field %s: direction %d: %w", f.ID, f.Direction, ErrUnknownField)
	}
	if !f.MO.Valid() || !f.Action.Valid() {
		return fmt.Errorf("field %s: %w", f.ID, ErrUnknownField)
	}
	if f.BitLength == 0 || int(f.BitLength) > MaxFieldLength*8 {
		return fmt.Errorf("field %s: %d bits: %w", f.ID, f.BitLength, ErrFieldTooLong)
	}
	if f.Position == 0 {
		return fmt.Errorf("field %s: position must be >= 1: %w", f.ID, ErrBadMOParam)
	}

	entry := f.EntrySize()
	switch f.MO {
	case MOEqual, MOIgnore:
		if f.MOParam != 0 {
			return fmt.Errorf("field %s: %s takes no parameter: %w", f.ID, f.MO, ErrBadMOParam)
		}
		if len(f.TargetValue) != entry {
			return fmt.Errorf("field %s: have %d bytes, want %d: %w",
				f.ID, len(f.TargetValue), entry, ErrBadTargetValue)
		}
	case MOMSB:
		if f.MOParam == 0 || int(f.MOParam) > int(f.BitLength) {
			return fmt.Errorf("field %s: msb length %d of %d bits: %w",
				f.ID, f.MOParam, f.BitLength, ErrBadMOParam)
		}
		if len(f.TargetValue) != entry {
			return fmt.Errorf("field %s: have %d bytes, want %d: %w",
				f.ID, len(f.TargetValue), entry, ErrBadTargetValue)
		}
	case MOMatchMap:
		if f.MOParam == 0 {
			return fmt.Errorf("field %s: empty match map: %w", f.ID, ErrBadMOParam)
		}
		if len(f.TargetValue) != entry*int(f.MOParam) {
			return fmt.Errorf("field %s: have %d bytes, want %d entries of %d: %w",
				f.ID, len(f.TargetValue), f.MOParam, entry, ErrBadTargetValue)
		}
	}

	if f.Action == ActionMappingSent && f.MO != MOMatchMap {
		return fmt.Errorf("field %s: MAPPING_SENT needs MATCHMAP: %w", f.ID, ErrActionMismatch)
	}
	if f.Action == ActionLSB && f.MO != MOMSB {
		return fmt.Errorf("field %s: LSB needs MSB: %w", f.ID, ErrActionMismatch)
	}
	return nil
}

// -------------------------------------------------------------------------
// Layer Rule
// -------------------------------------------------------------------------

// LayerRule is an ordered, immutable sequence of field descriptors for
// one protocol layer. Layer rules are shareable: several compression
// rules may reference the same LayerRule (structural de-duplication).
type LayerRule struct {
	layer  Layer
	fields []FieldDescriptor
	up     int
	down   int
}

func layerCapacity(l Layer) int {
	switch l {
	case LayerIPv6:
		return MaxIPv6Fields
	case LayerUDP:
		return MaxUDPFields
	default:
		return MaxCoAPFields
	}
}

// NewLayerRule validates and freezes a field descriptor sequence for
// the given layer.
func NewLayerRule(layer Layer, fields []FieldDescriptor) (*LayerRule, error) {
	if len(fields) > layerCapacity(layer) {
		return nil, fmt.Errorf("%s: %d fields, capacity %d: %w",
			layer, len(fields), layerCapacity(layer), ErrLayerOverflow)
	}

	r := &LayerRule{layer: layer, fields: make([]FieldDescriptor, len(fields))}
	copy(r.fields, fields)

	for _, f := range r.fields {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if fl, ok := f.ID.Layer(); !ok || fl != layer {
			return nil, fmt.Errorf("field %s in %s rule: %w", f.ID, layer, ErrLayerMismatch)
		}
		if f.Direction.Covers(DirectionUp) {
			r.up++
		}
		if f.Direction.Covers(DirectionDown) {
			r.down++
		}
	}
	return r, nil
}

// Layer returns the protocol layer the rule covers.
func (r *LayerRule) Layer() Layer { return r.layer }

// Fields returns the descriptor sequence in rule order. The slice is
// shared and must not be modified.
func (r *LayerRule) Fields() []FieldDescriptor { return r.fields }

// Len returns the number of descriptors in the rule.
func (r *LayerRule) Len() int { return len(r.fields) }

// UpCount returns the number of descriptors active for uplink traffic.
func (r *LayerRule) UpCount() int { return r.up }

// DownCount returns the number of descriptors active for downlink
// traffic.
func (r *LayerRule) DownCount() int { return r.down }

// Fingerprint returns a structural identity key for de-duplication: two
// layer rules with equal fingerprints are interchangeable.
func (r *LayerRule) Fingerprint() string {
	var b bytes.Buffer
	b.WriteByte(byte(r.layer))
	for _, f := range r.fields {
		b.WriteByte(byte(f.ID))
		b.WriteByte(byte(f.Direction))
		b.WriteByte(byte(f.BitLength >> 8))
		b.WriteByte(byte(f.BitLength))
		b.WriteByte(f.Position)
		b.WriteByte(byte(f.MO))
		b.WriteByte(f.MOParam)
		b.WriteByte(byte(f.Action))
		b.Write(f.TargetValue)
		b.WriteByte(0xFF)
	}
	return b.String()
}

// Interner de-duplicates structurally identical layer rules so several
// compression rules share one instance, the way deployed rule sets
// reuse common IPv6/UDP descriptors.
type Interner struct {
	seen map[string]*LayerRule
}

// NewInterner returns an empty layer rule interner.
func NewInterner() *Interner {
	return &Interner{seen: make(map[string]*LayerRule)}
}

// Intern returns the canonical instance for r, registering it if no
// structurally equal rule was seen before.
func (in *Interner) Intern(r *LayerRule) *LayerRule {
	if r == nil {
		return nil
	}
	key := r.Fingerprint()
	if canon, ok := in.seen[key]; ok {
		return canon
	}
	in.seen[key] = r
	return r
}

// -------------------------------------------------------------------------
// Compression Rule
// -------------------------------------------------------------------------

// CompressionRule binds up to three layer rules under one rule ID.
// A nil layer means the rule does not cover that layer; a rule with a
// nil UDP and CoAP slot matches bare IPv6 traffic (for example ICMPv6).
type CompressionRule struct {
	RuleID     uint32
	RuleIDBits uint8
	IPv6       *LayerRule
	UDP        *LayerRule
	CoAP       *LayerRule
}

func ruleIDFits(id uint32, sizeBits uint8) bool {
	if sizeBits == 0 || sizeBits > MaxRuleIDBits {
		return false
	}
	if sizeBits == 32 {
		return true
	}
	return id < 1<<sizeBits
}

// Validate checks the rule ID sizing and that each layer slot holds a
// rule for the right layer.
func (r *CompressionRule) Validate() error {
	if !ruleIDFits(r.RuleID, r.RuleIDBits) {
		return fmt.Errorf("rule %d in %d bits: %w", r.RuleID, r.RuleIDBits, ErrRuleIDOverflow)
	}
	for _, slot := range []struct {
		want Layer
		rule *LayerRule
	}{
		{LayerIPv6, r.IPv6},
		{LayerUDP, r.UDP},
		{LayerCoAP, r.CoAP},
	} {
		if slot.rule != nil && slot.rule.Layer() != slot.want {
			return fmt.Errorf("rule %d: %s slot holds %s: %w",
				r.RuleID, slot.want, slot.rule.Layer(), ErrLayerMismatch)
		}
	}
	if r.IPv6 == nil && r.UDP == nil && r.CoAP == nil {
		return fmt.Errorf("rule %d: no layers: %w", r.RuleID, ErrLayerMismatch)
	}
	return nil
}

// Layers returns the non-nil layer rules in protocol order.
func (r *CompressionRule) Layers() []*LayerRule {
	out := make([]*LayerRule, 0, 3)
	for _, lr := range []*LayerRule{r.IPv6, r.UDP, r.CoAP} {
		if lr != nil {
			out = append(out, lr)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Fragmentation Rule
// -------------------------------------------------------------------------

// FragmentationRule describes the fragment header geometry and
// reliability mode for one rule ID. All sizes are in bits.
type FragmentationRule struct {
	RuleID     uint32
	RuleIDBits uint8
	Mode       ReliabilityMode
	Direction  Direction
	FCNSize    uint8
	MaxWndFCN  uint8
	WindowSize uint8
	DTagSize   uint8
}

// MaxFCN returns the all-1 FCN value marking the final fragment of a
// transfer.
func (r *FragmentationRule) MaxFCN() uint8 {
	return uint8(1<<r.FCNSize - 1)
}

// WindowFragments returns the number of regular fragments per window.
func (r *FragmentationRule) WindowFragments() int {
	return int(r.MaxWndFCN) + 1
}

// Validate checks the header geometry. NotFragmented rules carry no
// fragment header and skip the sizing checks.
func (r *FragmentationRule) Validate() error {
	if !ruleIDFits(r.RuleID, r.RuleIDBits) {
		return fmt.Errorf("rule %d in %d bits: %w", r.RuleID, r.RuleIDBits, ErrRuleIDOverflow)
	}
	if !r.Mode.Valid() || !r.Direction.Valid() {
		return fmt.Errorf("rule %d: %w", r.RuleID, ErrBadFragmentSizing)
	}
	if r.Mode == ModeNotFragmented {
		return nil
	}
	if r.FCNSize == 0 || r.FCNSize > 8 {
		return fmt.Errorf("rule %d: fcn size %d: %w", r.RuleID, r.FCNSize, ErrBadFragmentSizing)
	}
	// The all-1 FCN is reserved for the final fragment, so the highest
	// regular FCN must stay below it regardless of field width.
	if uint16(r.MaxWndFCN) >= uint16(r.MaxFCN()) {
		return fmt.Errorf("rule %d: max window fcn %d with fcn size %d: %w",
			r.RuleID, r.MaxWndFCN, r.FCNSize, ErrBadFragmentSizing)
	}
	if r.WindowFragments() > MaxBitmapBits {
		return fmt.Errorf("rule %d: window of %d fragments exceeds bitmap: %w",
			r.RuleID, r.WindowFragments(), ErrBadFragmentSizing)
	}
	if r.WindowSize > 8 || r.DTagSize > 16 {
		return fmt.Errorf("rule %d: window %d / dtag %d bits: %w",
			r.RuleID, r.WindowSize, r.DTagSize, ErrBadFragmentSizing)
	}
	if r.Mode.Acked() && r.WindowSize == 0 {
		return fmt.Errorf("rule %d: %s needs a window field: %w",
			r.RuleID, r.Mode, ErrBadFragmentSizing)
	}
	return nil
}

// -------------------------------------------------------------------------
// Device
// -------------------------------------------------------------------------

// Device binds a device ID to its link parameters and ordered rule
// lists. Rule order is correctness-relevant for compression: the first
// matching rule wins, so more specific rules come first.
type Device struct {
	DeviceID uint32

	// MTU is the link MTU in bytes; a SCHC datagram above it gets
	// fragmented.
	MTU int

	// DutyCycle is the pacing interval between fragment transmissions
	// and the base for retransmission timers.
	DutyCycle time.Duration

	// UncompressedRuleID prefixes packets no compression rule matched.
	UncompressedRuleID     uint32
	UncompressedRuleIDBits uint8

	// DevIID and AppIID are optional 8-byte interface identifiers used
	// by the DEV_IID/APP_IID reconstruction actions.
	DevIID []byte
	AppIID []byte

	CompressionRules   []*CompressionRule
	FragmentationRules []*FragmentationRule
}

// Validate checks the device parameters, every rule, and rule ID
// uniqueness across all rule kinds including the uncompressed rule.
func (d *Device) Validate() error {
	if d.DeviceID == 0 {
		return ErrZeroDeviceID
	}
	if d.MTU <= 0 || d.MTU > MaxMTU {
		return fmt.Errorf("device %d: mtu %d: %w", d.DeviceID, d.MTU, ErrBadMTU)
	}
	if d.DutyCycle <= 0 {
		return fmt.Errorf("device %d: %w", d.DeviceID, ErrBadDutyCycle)
	}
	if !ruleIDFits(d.UncompressedRuleID, d.UncompressedRuleIDBits) {
		return fmt.Errorf("device %d: uncompressed rule %d in %d bits: %w",
			d.DeviceID, d.UncompressedRuleID, d.UncompressedRuleIDBits, ErrRuleIDOverflow)
	}
	for _, iid := range [][]byte{d.DevIID, d.AppIID} {
		if len(iid) != 0 && len(iid) != 8 {
			return fmt.Errorf("device %d: %w", d.DeviceID, ErrBadIID)
		}
	}

	type idKey struct {
		id   uint32
		bits uint8
	}
	seen := map[idKey]bool{{d.UncompressedRuleID, d.UncompressedRuleIDBits}: true}

	for _, cr := range d.CompressionRules {
		if err := cr.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", d.DeviceID, err)
		}
		k := idKey{cr.RuleID, cr.RuleIDBits}
		if seen[k] {
			return fmt.Errorf("device %d: rule %d/%d: %w",
				d.DeviceID, cr.RuleID, cr.RuleIDBits, ErrDuplicateRuleID)
		}
		seen[k] = true
	}
	for _, fr := range d.FragmentationRules {
		if err := fr.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", d.DeviceID, err)
		}
		k := idKey{fr.RuleID, fr.RuleIDBits}
		if seen[k] {
			return fmt.Errorf("device %d: rule %d/%d: %w",
				d.DeviceID, fr.RuleID, fr.RuleIDBits, ErrDuplicateRuleID)
		}
		seen[k] = true
	}
	return nil
}

// CompressionRule returns the device's compression rule with the given
// ID.
func (d *Device) CompressionRule(ruleID uint32) (*CompressionRule, bool) {
	for _, r := range d.CompressionRules {
		if r.RuleID == ruleID {
			return r, true
		}
	}
	return nil, false
}

// FragmentationRule returns the first fragmentation rule for the given
// mode whose direction covers dir.
func (d *Device) FragmentationRule(mode ReliabilityMode, dir Direction) (*FragmentationRule, bool) {
	for _, r := range d.FragmentationRules {
		if r.Mode == mode && r.Direction.Covers(dir) {
			return r, true
		}
	}
	return nil, false
}

// FragmentationRuleByID returns the fragmentation rule with the given
// ID.
func (d *Device) FragmentationRuleByID(ruleID uint32) (*FragmentationRule, bool) {
	for _, r := range d.FragmentationRules {
		if r.RuleID == ruleID {
			return r, true
		}
	}
	return nil, false
}

// -------------------------------------------------------------------------
// Name parsing (rule-set configuration)
// -------------------------------------------------------------------------

// ParseDirection resolves a configuration direction name.
func ParseDirection(name string) (Direction, bool) {
	for i, n := range directionNames {
		if n == name {
			return Direction(i), true
		}
	}
	return 0, false
}

// ParseMO resolves a configuration matching operator name.
func ParseMO(name string) (MO, bool) {
	for i, n := range moNames {
		if n == name {
			return MO(i), true
		}
	}
	return 0, false
}

// ParseAction resolves a configuration action name.
func ParseAction(name string) (Action, bool) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), true
		}
	}
	return 0, false
}

// ParseMode resolves a configuration reliability mode name.
func ParseMode(name string) (ReliabilityMode, bool) {
	for i, n := range modeNames {
		if n == name {
			return ReliabilityMode(i), true
		}
	}
	return 0, false
}
