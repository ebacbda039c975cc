package rules_test

import (
	"testing"

	"github.com/lpwan-works/goschc/internal/rules"
)

// TestFieldIDLayer verifies layer binning for every known field and
// the ok=false contract for values outside the set.
func TestFieldIDLayer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   rules.FieldID
		want rules.Layer
	}{
		{rules.FieldIPv6Version, rules.LayerIPv6},
		{rules.FieldIPv6AppIID, rules.LayerIPv6},
		{rules.FieldUDPDevPort, rules.LayerUDP},
		{rules.FieldUDPChecksum, rules.LayerUDP},
		{rules.FieldCoAPVersion, rules.LayerCoAP},
		{rules.FieldCoAPURIPath, rules.LayerCoAP},
		{rules.FieldCoAPPayloadMarker, rules.LayerCoAP},
	}

	for _, tt := range tests {
		layer, ok := tt.id.Layer()
		if !ok {
			t.Errorf("%s: Layer() ok = false, want true", tt.id)
			continue
		}
		if layer != tt.want {
			t.Errorf("%s: Layer() = %s, want %s", tt.id, layer, tt.want)
		}
	}

	if _, ok := rules.FieldID(0xFE).Layer(); ok {
		t.Error("Layer() on out-of-range field ID reported ok")
	}
}

// TestFieldIDValid verifies the validity predicate at the boundaries.
func TestFieldIDValid(t *testing.T) {
	t.Parallel()

	if !rules.FieldIPv6Version.Valid() {
		t.Error("FieldIPv6Version reported invalid")
	}
	if !rules.FieldCoAPPayloadMarker.Valid() {
		t.Error("FieldCoAPPayloadMarker reported invalid")
	}
	if rules.FieldID(0xFE).Valid() {
		t.Error("out-of-range field ID reported valid")
	}
}

// TestFieldIDString verifies the configuration-facing names resolve in
// both directions.
func TestFieldIDString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   rules.FieldID
		name string
	}{
		{rules.FieldIPv6Version, "IP6_V"},
		{rules.FieldIPv6DevPrefix, "IP6_DEVPRE"},
		{rules.FieldUDPAppPort, "UDP_APP"},
		{rules.FieldCoAPMessageID, "COAP_MID"},
		{rules.FieldCoAPToken, "COAP_TKN"},
		{rules.FieldCoAPURIPath, "COAP_URIPATH"},
		{rules.FieldCoAPNoResponse, "COAP_NORESP"},
		{rules.FieldCoAPPayloadMarker, "COAP_PAYLOAD"},
	}

	for _, tt := range tests {
		if got := tt.id.String(); got != tt.name {
			t.Errorf("%d.String() = %q, want %q", tt.id, got, tt.name)
		}
		id, ok := rules.FieldIDByName(tt.name)
		if !ok || id != tt.id {
			t.Errorf("FieldIDByName(%q) = %v, %v; want %v", tt.name, id, ok, tt.id)
		}
	}

	if _, ok := rules.FieldIDByName("IP6_BOGUS"); ok {
		t.Error("FieldIDByName(IP6_BOGUS) unexpectedly ok")
	}
}

// TestCoAPOptionNumbers verifies the option numbering used when CoAP
// headers are rebuilt (RFC 7252 Section 5.10, RFC 7967).
func TestCoAPOptionNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   rules.FieldID
		want uint16
	}{
		{rules.FieldCoAPIfMatch, 1},
		{rules.FieldCoAPURIHost, 3},
		{rules.FieldCoAPURIPort, 7},
		{rules.FieldCoAPURIPath, 11},
		{rules.FieldCoAPContentFormat, 12},
		{rules.FieldCoAPURIQuery, 15},
		{rules.FieldCoAPSize1, 60},
		{rules.FieldCoAPNoResponse, 258},
	}

	for _, tt := range tests {
		n, ok := tt.id.CoAPOption()
		if !ok || n != tt.want {
			t.Errorf("%s.CoAPOption() = %d, %v; want %d", tt.id, n, ok, tt.want)
		}
	}

	// Base header fields and the payload marker are not options.
	for _, id := range []rules.FieldID{
		rules.FieldCoAPVersion,
		rules.FieldCoAPMessageID,
		rules.FieldCoAPToken,
		rules.FieldCoAPPayloadMarker,
		rules.FieldIPv6Version,
	} {
		if _, ok := id.CoAPOption(); ok {
			t.Errorf("%s.CoAPOption() unexpectedly ok", id)
		}
	}
}
