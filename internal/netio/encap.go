package netio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Tunnel Encapsulation Header
// -------------------------------------------------------------------------
//
// SCHC frames carry no device identity of their own: rule IDs are only
// meaningful relative to a device's rule set. The tunnel prepends a
// fixed 8-byte header so the remote end can resolve the right rule
// context before touching the frame:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    Version    |                   Reserved                    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           Device ID                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	// EncapHeaderSize is the fixed encapsulation header size in bytes.
	EncapHeaderSize = 8

	// encapVersion is the current header version.
	encapVersion uint8 = 0x01
)

// EncapHeader represents a parsed tunnel encapsulation header.
type EncapHeader struct {
	// DeviceID identifies the SCHC device the payload belongs to.
	DeviceID uint32
}

// Sentinel errors for encapsulation operations.
var (
	// ErrEncapTooShort indicates the buffer is shorter than 8 bytes.
	ErrEncapTooShort = errors.New("encap header too short: need 8 bytes")

	// ErrEncapVersion indicates an unsupported header version.
	ErrEncapVersion = errors.New("encap header: unsupported version")

	// ErrEncapZeroDevice indicates a header with device ID 0, which no
	// rule set can resolve.
	ErrEncapZeroDevice = errors.New("encap header: device id is zero")
)

// MarshalEncapHeader encodes a header into buf (must be >= 8 bytes).
// Returns the number of bytes written (always 8).
func MarshalEncapHeader(buf []byte, deviceID uint32) (int, error) {
	if len(buf) < EncapHeaderSize {
		return 0, ErrEncapTooShort
	}
	if deviceID == 0 {
		return 0, ErrEncapZeroDevice
	}

	buf[0] = encapVersion
	buf[1] = 0 // Reserved
	buf[2] = 0 // Reserved
	buf[3] = 0 // Reserved
	binary.BigEndian.PutUint32(buf[4:8], deviceID)

	return EncapHeaderSize, nil
}

// UnmarshalEncapHeader parses a header from buf (must be >= 8 bytes).
// Reserved bytes are ignored on receive.
func UnmarshalEncapHeader(buf []byte) (EncapHeader, error) {
	if len(buf) < EncapHeaderSize {
		return EncapHeader{}, ErrEncapTooShort
	}

	if buf[0] != encapVersion {
		return EncapHeader{}, fmt.Errorf("version %d: %w", buf[0], ErrEncapVersion)
	}

	deviceID := binary.BigEndian.Uint32(buf[4:8])
	if deviceID == 0 {
		return EncapHeader{}, ErrEncapZeroDevice
	}

	return EncapHeader{DeviceID: deviceID}, nil
}
