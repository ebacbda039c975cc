package rules

// Layer identifies which protocol header a field descriptor targets.
type Layer uint8

// Protocol layers a compression rule can cover (RFC 8724 Section 5).
const (
	LayerIPv6 Layer = iota
	LayerUDP
	LayerCoAP
)

// layerNames holds the string representation of each layer.
var layerNames = [...]string{
	LayerIPv6: "IPv6",
	LayerUDP:  "UDP",
	LayerCoAP: "CoAP",
}

// String returns the layer name, or unknownFmt output for out-of-range
// values.
func (l Layer) String() string {
	if int(l) < len(layerNames) {
		return layerNames[l]
	}
	return unknownIndexStr(uint8(l))
}

// FieldID identifies one header field a descriptor can match and
// compress. The set mirrors the fields SCHC rules address: the fixed
// IPv6 and UDP headers plus the CoAP base header and its options.
type FieldID uint8

// IPv6 header fields. Dev/App prefix and IID split the source and
// destination addresses by traffic direction: on uplink the device is
// the source, on downlink the destination.
const (
	FieldIPv6Version FieldID = iota
	FieldIPv6TrafficClass
	FieldIPv6FlowLabel
	FieldIPv6Length
	FieldIPv6NextHeader
	FieldIPv6HopLimit
	FieldIPv6DevPrefix
	FieldIPv6DevIID
	FieldIPv6AppPrefix
	FieldIPv6AppIID

	// UDP header fields, with the same device/application port split.
	FieldUDPDevPort
	FieldUDPAppPort
	FieldUDPLength
	FieldUDPChecksum

	// CoAP base header fields (RFC 7252 Section 3).
	FieldCoAPVersion
	FieldCoAPType
	FieldCoAPTokenLength
	FieldCoAPCode
	FieldCoAPMessageID
	FieldCoAPToken

	// CoAP options (RFC 7252 Section 5.10, RFC 7967 for No-Response).
	FieldCoAPIfMatch
	FieldCoAPURIHost
	FieldCoAPETag
	FieldCoAPIfNoneMatch
	FieldCoAPURIPort
	FieldCoAPLocationPath
	FieldCoAPURIPath
	FieldCoAPContentFormat
	FieldCoAPMaxAge
	FieldCoAPURIQuery
	FieldCoAPAccept
	FieldCoAPLocationQuery
	FieldCoAPProxyURI
	FieldCoAPProxyScheme
	FieldCoAPSize1
	FieldCoAPNoResponse

	// FieldCoAPPayloadMarker matches the 0xFF marker separating the CoAP
	// header from the payload.
	FieldCoAPPayloadMarker

	fieldIDCount // sentinel, keep last
)

// fieldNames holds the configuration-facing name of every field. These
// are the names rule-set files use.
var fieldNames = [...]string{
	FieldIPv6Version:       "IP6_V",
	FieldIPv6TrafficClass:  "IP6_TC",
	FieldIPv6FlowLabel:     "IP6_FL",
	FieldIPv6Length:        "IP6_LEN",
	FieldIPv6NextHeader:    "IP6_NH",
	FieldIPv6HopLimit:      "IP6_HL",
	FieldIPv6DevPrefix:     "IP6_DEVPRE",
	FieldIPv6DevIID:        "IP6_DEVIID",
	FieldIPv6AppPrefix:     "IP6_APPPRE",
	FieldIPv6AppIID:        "IP6_APPIID",
	FieldUDPDevPort:        "UDP_DEV",
	FieldUDPAppPort:        "UDP_APP",
	FieldUDPLength:         "UDP_LEN",
	FieldUDPChecksum:       "UDP_CHK",
	FieldCoAPVersion:       "COAP_V",
	FieldCoAPType:          "COAP_T",
	FieldCoAPTokenLength:   "COAP_TKL",
	FieldCoAPCode:          "COAP_C",
	FieldCoAPMessageID:     "COAP_MID",
	FieldCoAPToken:         "COAP_TKN",
	FieldCoAPIfMatch:       "COAP_IFMATCH",
	FieldCoAPURIHost:       "COAP_URIHOST",
	FieldCoAPETag:          "COAP_ETAG",
	FieldCoAPIfNoneMatch:   "COAP_IFNOMATCH",
	FieldCoAPURIPort:       "COAP_URIPORT",
	FieldCoAPLocationPath:  "COAP_LOCPATH",
	FieldCoAPURIPath:       "COAP_URIPATH",
	FieldCoAPContentFormat: "COAP_CONTENTF",
	FieldCoAPMaxAge:        "COAP_MAXAGE",
	FieldCoAPURIQuery:      "COAP_URIQUERY",
	FieldCoAPAccept:        "COAP_ACCEPT",
	FieldCoAPLocationQuery: "COAP_LOCQUERY",
	FieldCoAPProxyURI:      "COAP_PROXYURI",
	FieldCoAPProxyScheme:   "COAP_PROXYSCH",
	FieldCoAPSize1:         "COAP_SIZE1",
	FieldCoAPNoResponse:    "COAP_NORESP",
	FieldCoAPPayloadMarker: "COAP_PAYLOAD",
}

// String returns the configuration name of the field.
func (f FieldID) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return unknownIndexStr(uint8(f))
}

// Valid reports whether f names a known field.
func (f FieldID) Valid() bool {
	return f < fieldIDCount
}

// Layer returns the protocol layer the field belongs to, and ok=false
// for field IDs outside the known set.
func (f FieldID) Layer() (Layer, bool) {
	switch {
	case f <= FieldIPv6AppIID:
		return LayerIPv6, true
	case f <= FieldUDPChecksum:
		return LayerUDP, true
	case f < fieldIDCount:
		return LayerCoAP, true
	default:
		return 0, false
	}
}

// coapOptionNumbers maps CoAP option fields to their RFC 7252/7967
// option numbers. Fields absent from the map are not options (base
// header fields and the payload marker).
var coapOptionNumbers = map[FieldID]uint16{
	FieldCoAPIfMatch:       1,
	FieldCoAPURIHost:       3,
	FieldCoAPETag:          4,
	FieldCoAPIfNoneMatch:   5,
	FieldCoAPURIPort:       7,
	FieldCoAPLocationPath:  8,
	FieldCoAPURIPath:       11,
	FieldCoAPContentFormat: 12,
	FieldCoAPMaxAge:        14,
	FieldCoAPURIQuery:      15,
	FieldCoAPAccept:        17,
	FieldCoAPLocationQuery: 20,
	FieldCoAPProxyURI:      35,
	FieldCoAPProxyScheme:   39,
	FieldCoAPSize1:         60,
	FieldCoAPNoResponse:    258,
}

// CoAPOption returns the CoAP option number for option fields, and
// ok=false for fields that are not CoAP options.
func (f FieldID) CoAPOption() (uint16, bool) {
	n, ok := coapOptionNumbers[f]
	return n, ok
}

// FieldIDByName resolves a configuration-facing field name. Lookup is
// exact; rule-set loading normalizes case before calling.
func FieldIDByName(name string) (FieldID, bool) {
	for id, n := range fieldNames {
		if n == name {
			return FieldID(id), true
		}
	}
	return 0, false
}
