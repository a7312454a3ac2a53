package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message type ids, spec.md §6.
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	Bitfield      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	Port          byte = 9
	Extended      byte = 20
)

// Extended message ids, BEP-10. 0 is reserved for the extended handshake
// itself; our outgoing ut_metadata id is hardcoded to 2 per spec.md §4.9.
const (
	ExtendedHandshakeID byte = 0
	OurUTMetadataID     byte = 2
)

// ErrInvalidFrame signals a malformed length-prefixed frame.
var ErrInvalidFrame = errors.New("peerwire: invalid frame")

// Frame is one length-prefixed peer wire message: Type plus Payload (the
// bytes following the type byte). A keep-alive (length prefix 0) carries no
// type byte and is not a Frame; see EncodeKeepAlive and DecodeFrameLength.
type Frame struct {
	Type    byte
	Payload []byte
}

// EncodeFrame renders a 4-byte big-endian length prefix followed by the
// type byte and payload.
func EncodeFrame(f Frame) []byte {
	b := make([]byte, 4+1+len(f.Payload))
	binary.BigEndian.PutUint32(b[:4], uint32(1+len(f.Payload)))
	b[4] = f.Type
	copy(b[5:], f.Payload)
	return b
}

// EncodeKeepAlive renders the zero-length keep-alive frame (spec.md §4.9:
// "L=0 is a keep-alive").
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// DecodeFrameLength reads the 4-byte length prefix.
func DecodeFrameLength(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: length prefix must be 4 bytes", ErrInvalidFrame)
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

// DecodeFrameBody parses L bytes following the length prefix (L>0) into a
// Frame: the first byte is the type, the rest is the payload.
func DecodeFrameBody(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: zero-length body is a keep-alive, not a frame", ErrInvalidFrame)
	}
	return Frame{Type: b[0], Payload: b[1:]}, nil
}

// HaveMessage is the payload of a Have frame.
type HaveMessage struct {
	Piece uint32
}

// EncodeHave renders a Have frame payload.
func EncodeHave(piece uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, piece)
	return b
}

// DecodeHave parses a Have frame payload.
func DecodeHave(b []byte) (HaveMessage, error) {
	if len(b) != 4 {
		return HaveMessage{}, fmt.Errorf("%w: have payload must be 4 bytes", ErrInvalidFrame)
	}
	return HaveMessage{Piece: binary.BigEndian.Uint32(b)}, nil
}

// RequestMessage is the payload shape shared by Request, Piece (header)
// and Cancel.
type RequestMessage struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// EncodeRequest renders a Request/Cancel frame payload.
func EncodeRequest(m RequestMessage) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// DecodeRequest parses a Request/Cancel frame payload.
func DecodeRequest(b []byte) (RequestMessage, error) {
	if len(b) != 12 {
		return RequestMessage{}, fmt.Errorf("%w: request payload must be 12 bytes", ErrInvalidFrame)
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(b[0:4]),
		Begin:  binary.BigEndian.Uint32(b[4:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// PieceMessage is a Piece frame's header; Block is the remaining payload.
type PieceMessage struct {
	Index uint32
	Begin uint32
	Block []byte
}

// EncodePiece renders a Piece frame payload.
func EncodePiece(m PieceMessage) []byte {
	b := make([]byte, 8+len(m.Block))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Block)
	return b
}

// DecodePiece parses a Piece frame payload.
func DecodePiece(b []byte) (PieceMessage, error) {
	if len(b) < 8 {
		return PieceMessage{}, fmt.Errorf("%w: piece payload must be at least 8 bytes", ErrInvalidFrame)
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(b[0:4]),
		Begin: binary.BigEndian.Uint32(b[4:8]),
		Block: b[8:],
	}, nil
}
