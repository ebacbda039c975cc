// Package schc implements the SCHC compression and fragmentation
// engine defined in RFC 8724 for LPWAN IPv6/UDP/CoAP traffic. It
// provides rule-driven header compression with an uncompressed
// fallback, fragmentation under the No-ACK, ACK-Always and
// ACK-on-Error reliability modes, and a connection manager that
// multiplexes concurrent exchanges over a shared transport.
package schc
