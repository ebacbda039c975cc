// Package netio provides the UDP tunnel transport SCHC frames travel
// over between a gateway and its devices.
//
// Each datagram carries an 8-byte encapsulation header naming the
// device, followed by one SCHC frame (compressed packet, fragment, or
// ACK). Socket options use golang.org/x/sys/unix.
package netio
