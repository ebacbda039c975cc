package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lpwan-works/goschc/internal/bits"
	"github.com/lpwan-works/goschc/internal/rules"
)

// The rule set is a separate YAML document from the daemon config: it
// is the part operators edit routinely and reload with SIGHUP. Loading
// builds a complete rules.Store and validates every device before
// anything is returned, so a bad file can never half-apply.

// Rule set loading errors.
var (
	// ErrNoDevices indicates an empty rule set file.
	ErrNoDevices = errors.New("rule set declares no devices")

	// ErrUnknownFieldName indicates a field descriptor names no known
	// header field.
	ErrUnknownFieldName = errors.New("unknown field name")

	// ErrBadRuleSetValue indicates an enum or hex value that does not
	// parse.
	ErrBadRuleSetValue = errors.New("bad rule set value")
)

// RuleSetFile is the YAML document model of a rule set.
type RuleSetFile struct {
	Devices []DeviceSpec `yaml:"devices"`
}

// DeviceSpec declares one device and its ordered rules.
type DeviceSpec struct {
	DeviceID  uint32 `yaml:"device_id"`
	MTU       int    `yaml:"mtu"`
	DutyCycle string `yaml:"duty_cycle"`

	UncompressedRule RuleIDSpec `yaml:"uncompressed_rule"`

	// DevIID and AppIID are optional 8-byte interface identifiers in
	// hex, used by the DEV_IID/APP_IID reconstruction actions.
	DevIID string `yaml:"dev_iid"`
	AppIID string `yaml:"app_iid"`

	CompressionRules   []CompressionRuleSpec   `yaml:"compression_rules"`
	FragmentationRules []FragmentationRuleSpec `yaml:"fragmentation_rules"`
}

// RuleIDSpec is a rule ID with its wire width in bits.
type RuleIDSpec struct {
	RuleID uint32 `yaml:"rule_id"`
	Bits   uint8  `yaml:"rule_id_size"`
}

// CompressionRuleSpec declares one compression rule's per-layer field
// descriptor lists. Absent layers are simply omitted.
type CompressionRuleSpec struct {
	RuleID uint32      `yaml:"rule_id"`
	Bits   uint8       `yaml:"rule_id_size"`
	IPv6   []FieldSpec `yaml:"ipv6"`
	UDP    []FieldSpec `yaml:"udp"`
	CoAP   []FieldSpec `yaml:"coap"`
}

// FieldSpec is one field descriptor. Target values are hex strings;
// match-map targets list one hex entry per mapping and mo_param is
// inferred from the list length.
type FieldSpec struct {
	Field     string   `yaml:"field"`
	Direction string   `yaml:"direction"`
	Length    uint16   `yaml:"length"`
	Position  uint8    `yaml:"position"`
	MO        string   `yaml:"mo"`
	MOParam   uint8    `yaml:"mo_param"`
	Action    string   `yaml:"action"`
	Target    string   `yaml:"target"`
	Targets   []string `yaml:"targets"`
}

// FragmentationRuleSpec declares one fragmentation rule's mode and
// header geometry.
type FragmentationRuleSpec struct {
	RuleID     uint32 `yaml:"rule_id"`
	Bits       uint8  `yaml:"rule_id_size"`
	Mode       string `yaml:"mode"`
	Direction  string `yaml:"direction"`
	FCNSize    uint8  `yaml:"fcn_size"`
	MaxWndFCN  uint8  `yaml:"max_wind_fcn"`
	WindowSize uint8  `yaml:"window_size"`
	DTagSize   uint8  `yaml:"dtag_size"`
}

// LoadRuleSet reads and validates a YAML rule set file and builds a
// fresh rules.Store from it. The returned store shares nothing with any
// previous one; callers swap it in atomically.
func LoadRuleSet(path string) (*rules.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet builds a validated rules.Store from YAML bytes.
func ParseRuleSet(data []byte) (*rules.Store, error) {
	var doc RuleSetFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	if len(doc.Devices) == 0 {
		return nil, ErrNoDevices
	}

	store := rules.NewStore()
	in := rules.NewInterner()
	for i := range doc.Devices {
		dev, err := doc.Devices[i].build(in)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if err := store.Register(dev); err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return store, nil
}

// build assembles and validates one device from its spec.
func (ds *DeviceSpec) build(in *rules.Interner) (*rules.Device, error) {
	duty, err := time.ParseDuration(ds.DutyCycle)
	if err != nil {
		return nil, fmt.Errorf("duty_cycle %q: %w", ds.DutyCycle, ErrBadRuleSetValue)
	}
	devIID, err := optionalHex("dev_iid", ds.DevIID)
	if err != nil {
		return nil, err
	}
	appIID, err := optionalHex("app_iid", ds.AppIID)
	if err != nil {
		return nil, err
	}

	dev := &rules.Device{
		DeviceID:               ds.DeviceID,
		MTU:                    ds.MTU,
		DutyCycle:              duty,
		UncompressedRuleID:     ds.UncompressedRule.RuleID,
		UncompressedRuleIDBits: ds.UncompressedRule.Bits,
		DevIID:                 devIID,
		AppIID:                 appIID,
	}

	for i := range ds.CompressionRules {
		cr, err := ds.CompressionRules[i].build(in)
		if err != nil {
			return nil, fmt.Errorf("compression_rules[%d]: %w", i, err)
		}
		dev.CompressionRules = append(dev.CompressionRules, cr)
	}
	for i := range ds.FragmentationRules {
		fr, err := ds.FragmentationRules[i].build()
		if err != nil {
			return nil, fmt.Errorf("fragmentation_rules[%d]: %w", i, err)
		}
		dev.FragmentationRules = append(dev.FragmentationRules, fr)
	}
	return dev, nil
}

func (cs *CompressionRuleSpec) build(in *rules.Interner) (*rules.CompressionRule, error) {
	cr := &rules.CompressionRule{RuleID: cs.RuleID, RuleIDBits: cs.Bits}

	layers := []struct {
		layer  rules.Layer
		fields []FieldSpec
		dst    **rules.LayerRule
	}{
		{rules.LayerIPv6, cs.IPv6, &cr.IPv6},
		{rules.LayerUDP, cs.UDP, &cr.UDP},
		{rules.LayerCoAP, cs.CoAP, &cr.CoAP},
	}
	for _, l := range layers {
		if len(l.fields) == 0 {
			continue
		}
		fds := make([]rules.FieldDescriptor, 0, len(l.fields))
		for i := range l.fields {
			fd, err := l.fields[i].build()
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", strings.ToLower(l.layer.String()), i, err)
			}
			fds = append(fds, fd)
		}
		lr, err := rules.NewLayerRule(l.layer, fds)
		if err != nil {
			return nil, err
		}
		*l.dst = in.Intern(lr)
	}
	return cr, nil
}

func (fs *FieldSpec) build() (rules.FieldDescriptor, error) {
	var fd rules.FieldDescriptor

	id, ok := rules.FieldIDByName(strings.ToUpper(fs.Field))
	if !ok {
		return fd, fmt.Errorf("%q: %w", fs.Field, ErrUnknownFieldName)
	}
	dir, ok := rules.ParseDirection(enumName(fs.Direction, "BI"))
	if !ok {
		return fd, fmt.Errorf("direction %q: %w", fs.Direction, ErrBadRuleSetValue)
	}
	mo, ok := rules.ParseMO(enumName(fs.MO, "EQUAL"))
	if !ok {
		return fd, fmt.Errorf("mo %q: %w", fs.MO, ErrBadRuleSetValue)
	}
	action, ok := rules.ParseAction(enumName(fs.Action, "NOT_SENT"))
	if !ok {
		return fd, fmt.Errorf("action %q: %w", fs.Action, ErrBadRuleSetValue)
	}

	target, moParam, err := fs.targetValue(mo)
	if err != nil {
		return fd, err
	}

	pos := fs.Position
	if pos == 0 {
		pos = 1
	}
	return rules.FieldDescriptor{
		ID:          id,
		Direction:   dir,
		BitLength:   fs.Length,
		Position:    pos,
		MO:          mo,
		MOParam:     moParam,
		Action:      action,
		TargetValue: target,
	}, nil
}

// targetValue decodes the descriptor's target bytes, normalized to
// field form: every entry is left-padded with zeros to the field's byte
// width, and an absent target (IGNORE descriptors, mostly) becomes an
// all-zero entry. Match-map entries come from the targets list,
// concatenated in mapping order, and set mo_param to the entry count;
// everything else uses the single target string.
func (fs *FieldSpec) targetValue(mo rules.MO) ([]byte, uint8, error) {
	entry := bits.BitsToBytes(int(fs.Length))
	if mo == rules.MOMatchMap {
		if len(fs.Targets) == 0 {
			return nil, 0, fmt.Errorf("field %s: match-map without targets: %w", fs.Field, ErrBadRuleSetValue)
		}
		out := make([]byte, 0, entry*len(fs.Targets))
		for _, s := range fs.Targets {
			b, err := hexEntry("targets", s, entry)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, b...)
		}
		return out, uint8(len(fs.Targets)), nil
	}
	if fs.Target == "" {
		return make([]byte, entry), fs.MOParam, nil
	}
	b, err := hexEntry("target", fs.Target, entry)
	if err != nil {
		return nil, 0, err
	}
	return b, fs.MOParam, nil
}

func (frs *FragmentationRuleSpec) build() (*rules.FragmentationRule, error) {
	mode, ok := rules.ParseMode(strings.ToUpper(frs.Mode))
	if !ok {
		return nil, fmt.Errorf("mode %q: %w", frs.Mode, ErrBadRuleSetValue)
	}
	dir, ok := rules.ParseDirection(enumName(frs.Direction, "BI"))
	if !ok {
		return nil, fmt.Errorf("direction %q: %w", frs.Direction, ErrBadRuleSetValue)
	}
	return &rules.FragmentationRule{
		RuleID:     frs.RuleID,
		RuleIDBits: frs.Bits,
		Mode:       mode,
		Direction:  dir,
		FCNSize:    frs.FCNSize,
		MaxWndFCN:  frs.MaxWndFCN,
		WindowSize: frs.WindowSize,
		DTagSize:   frs.DTagSize,
	}, nil
}

// enumName normalizes a config enum string, defaulting when absent.
func enumName(s, def string) string {
	if s == "" {
		return def
	}
	return strings.ToUpper(s)
}

func hexValue(key, s string) ([]byte, error) {
	h := strings.TrimPrefix(s, "0x")
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", key, s, ErrBadRuleSetValue)
	}
	return b, nil
}

// hexEntry decodes one target entry and left-pads it to the field's
// byte width. Oversized entries pass through for Validate to reject.
func hexEntry(key, s string, entry int) ([]byte, error) {
	b, err := hexValue(key, s)
	if err != nil {
		return nil, err
	}
	if len(b) < entry {
		padded := make([]byte, entry)
		copy(padded[entry-len(b):], b)
		return padded, nil
	}
	return b, nil
}

func optionalHex(key, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexValue(key, s)
}
