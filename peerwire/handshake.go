// Package peerwire implements the BitTorrent peer wire protocol framing
// (spec.md §4.9, §6): the 68-byte handshake, length-prefixed message
// frames, and the BEP-10 extended-message/ut_metadata sub-protocol.
package peerwire

import (
	"errors"
	"fmt"
)

// HandshakeLen is the fixed size of the handshake record.
const HandshakeLen = 68

const protocolName = "BitTorrent protocol"

// Reserved bit flags, BEP-10 (extension protocol) and BEP-5 (DHT).
const (
	ReservedExtensionBit = 1 << 4 // byte 5, bit 0x10
	ReservedDHTBit        = 1 << 0 // byte 7, bit 0x01
)

// ErrInvalidHandshake is returned when a handshake record does not start
// with the expected pstrlen/pstr.
var ErrInvalidHandshake = errors.New("peerwire: invalid handshake")

// Handshake is the fixed 68-byte record exchanged before any framed
// message (spec.md §4.9).
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake announcing extension-protocol and DHT
// support, per spec.md §4.9 ("only bit 0x10 of byte 5 ... and bit 0x01 of
// byte 7 ... are set by us").
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	var h Handshake
	h.Reserved[5] = ReservedExtensionBit
	h.Reserved[7] = ReservedDHTBit
	h.InfoHash = infoHash
	h.PeerID = peerID
	return h
}

// Encode renders the 68-byte wire form.
func (h Handshake) Encode() []byte {
	b := make([]byte, HandshakeLen)
	b[0] = 19
	copy(b[1:20], protocolName)
	copy(b[20:28], h.Reserved[:])
	copy(b[28:48], h.InfoHash[:])
	copy(b[48:68], h.PeerID[:])
	return b
}

// DecodeHandshake parses exactly HandshakeLen bytes.
func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLen {
		return h, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidHandshake, HandshakeLen, len(b))
	}
	if b[0] != 19 || string(b[1:20]) != protocolName {
		return h, ErrInvalidHandshake
	}
	copy(h.Reserved[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return h, nil
}

// SupportsExtensions reports whether the BEP-10 extension bit is set.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&ReservedExtensionBit != 0
}
