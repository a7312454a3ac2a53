package peerwire

import (
	"bytes"
	"fmt"

	"github.com/zeebo/bencode"
)

// ExtensionUTMetadata identifies a BEP-10 extension by its negotiated string
// key. Only ut_metadata is consumed by this system (spec.md §4.9).
const ExtensionUTMetadata = "ut_metadata"

// ExtendedHandshake is the dict carried by extended id 0, BEP-10.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size"`
	Port         int            `bencode:"p,omitempty"`
	ReqQ         int            `bencode:"reqq,omitempty"`
	Version      string         `bencode:"v,omitempty"`
}

// EncodeExtendedHandshake renders the extended-id-0 frame payload: the
// handshake dict prefixed by the extended message id.
func EncodeExtendedHandshake(h ExtendedHandshake) ([]byte, error) {
	body, err := bencode.EncodeBytes(h)
	if err != nil {
		return nil, fmt.Errorf("peerwire: encode extended handshake: %w", err)
	}
	out := make([]byte, 1+len(body))
	out[0] = ExtendedHandshakeID
	copy(out[1:], body)
	return out, nil
}

// DecodeExtendedMessage splits an Extended frame's payload into its
// extended-message id and remaining bytes.
func DecodeExtendedMessage(payload []byte) (extID byte, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: extended payload is empty", ErrInvalidFrame)
	}
	return payload[0], payload[1:], nil
}

// DecodeExtendedHandshake parses an extended-id-0 body.
func DecodeExtendedHandshake(body []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.DecodeBytes(body, &h); err != nil {
		return h, fmt.Errorf("peerwire: decode extended handshake: %w", err)
	}
	return h, nil
}

// ut_metadata message types, BEP-9.
const (
	UTMetadataRequest byte = 0
	UTMetadataData    byte = 1
	UTMetadataReject  byte = 2
)

// PieceSize is the fixed 16 KiB chunk size BEP-9 defines.
const PieceSize = 16 * 1024

// UTMetadataMessage is the dict prefix of a ut_metadata sub-message. For
// MsgType == UTMetadataData, TotalSize is set and the block bytes follow
// the dict in the frame body (captured separately, see DecodeUTMetadata).
type UTMetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// EncodeUTMetadataRequest renders an extended-message body requesting
// piece.
func EncodeUTMetadataRequest(extID byte, piece int) ([]byte, error) {
	dict, err := bencode.EncodeBytes(UTMetadataMessage{MsgType: int(UTMetadataRequest), Piece: piece})
	if err != nil {
		return nil, fmt.Errorf("peerwire: encode ut_metadata request: %w", err)
	}
	out := make([]byte, 1+len(dict))
	out[0] = extID
	copy(out[1:], dict)
	return out, nil
}

// EncodeUTMetadataData renders an extended-message body delivering piece
// data, with block appended after the bencoded dict (BEP-9: "followed by
// block bytes").
func EncodeUTMetadataData(extID byte, piece, totalSize int, block []byte) ([]byte, error) {
	dict, err := bencode.EncodeBytes(UTMetadataMessage{MsgType: int(UTMetadataData), Piece: piece, TotalSize: totalSize})
	if err != nil {
		return nil, fmt.Errorf("peerwire: encode ut_metadata data: %w", err)
	}
	out := make([]byte, 0, 1+len(dict)+len(block))
	out = append(out, extID)
	out = append(out, dict...)
	out = append(out, block...)
	return out, nil
}

// EncodeUTMetadataReject renders an extended-message body rejecting piece.
func EncodeUTMetadataReject(extID byte, piece int) ([]byte, error) {
	dict, err := bencode.EncodeBytes(UTMetadataMessage{MsgType: int(UTMetadataReject), Piece: piece})
	if err != nil {
		return nil, fmt.Errorf("peerwire: encode ut_metadata reject: %w", err)
	}
	out := make([]byte, 1+len(dict))
	out[0] = extID
	copy(out[1:], dict)
	return out, nil
}

// DecodeUTMetadata parses a ut_metadata sub-message body (after the
// extended-message id has already been stripped by DecodeExtendedMessage).
// It uses a streaming bencode decoder so the dict's length can be measured
// and the trailing block bytes (present only for UTMetadataData) split
// off accurately even though the dict itself has no explicit length
// prefix.
func DecodeUTMetadata(body []byte) (UTMetadataMessage, []byte, error) {
	r := bytes.NewReader(body)
	dec := bencode.NewDecoder(r)
	var msg UTMetadataMessage
	if err := dec.Decode(&msg); err != nil {
		return msg, nil, fmt.Errorf("peerwire: decode ut_metadata message: %w", err)
	}
	consumed := len(body) - r.Len()
	return msg, body[consumed:], nil
}
