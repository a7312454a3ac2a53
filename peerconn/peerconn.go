// Package peerconn implements the peer connection state machine of
// spec.md §4.9: handshake, BEP-10 extended-handshake negotiation and the
// ut_metadata (BEP-9) piece request/reassembly exchange, over any
// net.Conn (TCP today; a uTP implementation satisfies the same
// interface, per spec.md §9's transport-capability note).
//
// Framing is grounded on torrent/internal/peerconn/peer.go's reader
// goroutine feeding a single-owner state machine; fragmentation handling
// uses the ringbuffer package so a short read never loses partial frame
// state (spec.md §4.9: "partial reads store the expected remaining
// length ... the next socket receive re-enters and completes the
// frame").
package peerconn

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cenkalti/magnetdht/internal/logger"
	"github.com/cenkalti/magnetdht/peerwire"
	"github.com/cenkalti/magnetdht/ringbuffer"
	uuid "github.com/satori/go.uuid"
)

// recvBufferSize bounds the reassembly window. Supplemented: spec.md
// does not size this; the rain torrent client's peer connections use a
// comparable bound for keep-alive/control traffic plus in-flight
// extended messages (we never exchange Piece-sized payloads here).
const recvBufferSize = 64 * 1024

// State is the peer connection's position in the spec.md §4.9
// transition table.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

// PieceCount returns the number of 16 KiB ut_metadata pieces a metadata
// blob of metadataSize bytes splits into, per BEP-9.
func PieceCount(metadataSize int) int {
	if metadataSize <= 0 {
		return 0
	}
	return (metadataSize + peerwire.PieceSize - 1) / peerwire.PieceSize
}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handlers are the callbacks a Peer reports protocol events through.
// A nil handler is simply not invoked.
type Handlers struct {
	OnExtendedHandshake func(metadataSize int)
	OnChoke             func()
	OnUnchoke           func()
	OnHave              func(piece uint32)
	OnBitfield          func(bits []byte)
	OnPiece             func(index, begin uint32, block []byte)
	OnUTMetadataPiece   func(piece int, data []byte)
	OnDisconnect        func(err error)
}

// Peer is one peer wire connection. It is driven by a single goroutine
// running Run; handler callbacks fire synchronously from that goroutine.
type Peer struct {
	id       uuid.UUID
	conn     net.Conn
	infoHash [20]byte
	selfID   [20]byte
	log      logger.Logger
	handlers Handlers

	rb            *ringbuffer.RingBuffer
	handshakeDone bool
	haveFrameLen  bool
	frameLen      int

	mu               sync.Mutex
	state            State
	remoteID         [20]byte
	extHandshake     peerwire.ExtendedHandshake
	haveExtHandshake bool
	peerUTMetadataID byte

	closeOnce sync.Once
	closedC   chan struct{}
}

// New wraps conn as a peer connection for infoHash, identifying
// ourselves as selfID once the handshake completes.
func New(conn net.Conn, infoHash, selfID [20]byte, h Handlers, log logger.Logger) *Peer {
	return &Peer{
		id:       uuid.NewV1(),
		conn:     conn,
		infoHash: infoHash,
		selfID:   selfID,
		log:      log,
		handlers: h,
		rb:       ringbuffer.New(recvBufferSize),
		state:    StateConnecting,
		closedC:  make(chan struct{}),
	}
}

// ID returns a unique identifier for this connection instance, useful
// for correlating log lines across reconnects to the same endpoint.
func (p *Peer) ID() uuid.UUID { return p.id }

// State returns the connection's current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RemoteID returns the peer id learned from the handshake. Valid only
// once State is StateConnected or later.
func (p *Peer) RemoteID() [20]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

// MetadataSize returns the metadata_size the peer advertised in its
// extended handshake, and whether one has been received yet.
func (p *Peer) MetadataSize() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveExtHandshake {
		return 0, false
	}
	return p.extHandshake.MetadataSize, true
}

// Closed is closed once Run has returned.
func (p *Peer) Closed() <-chan struct{} { return p.closedC }

func (p *Peer) String() string {
	if p.conn.RemoteAddr() == nil {
		return p.id.String()
	}
	return p.id.String() + "@" + p.conn.RemoteAddr().String()
}

// Run sends our handshake, then reads frames until the connection
// closes or a protocol error occurs. It returns the terminal error (nil
// on a clean close triggered by Close).
func (p *Peer) Run() error {
	defer close(p.closedC)
	if err := p.sendHandshake(); err != nil {
		p.disconnect(err)
		return err
	}
	buf := make([]byte, 16*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			if ferr := p.feed(buf[:n]); ferr != nil {
				p.disconnect(ferr)
				return ferr
			}
		}
		if err != nil {
			if p.State() == StateDisconnected {
				return nil
			}
			p.disconnect(err)
			return err
		}
	}
}

// Close tears down the connection idempotently.
func (p *Peer) Close() {
	p.disconnect(nil)
}

func (p *Peer) disconnect(err error) {
	p.mu.Lock()
	already := p.state == StateDisconnected
	p.state = StateDisconnected
	p.mu.Unlock()
	if already {
		return
	}
	_ = p.conn.Close()
	if p.handlers.OnDisconnect != nil {
		p.handlers.OnDisconnect(err)
	}
}

func (p *Peer) sendHandshake() error {
	hs := peerwire.NewHandshake(p.infoHash, p.selfID)
	_, err := p.conn.Write(hs.Encode())
	return err
}

func (p *Peer) sendExtendedHandshake() error {
	payload, err := peerwire.EncodeExtendedHandshake(peerwire.ExtendedHandshake{
		M:    map[string]int{peerwire.ExtensionUTMetadata: int(peerwire.OurUTMetadataID)},
		ReqQ: 500,
	})
	if err != nil {
		return err
	}
	return p.writeFrame(peerwire.Frame{Type: peerwire.Extended, Payload: payload})
}

func (p *Peer) writeFrame(f peerwire.Frame) error {
	_, err := p.conn.Write(peerwire.EncodeFrame(f))
	return err
}

// SendInterested tells the peer we're interested, per the Choke/Unchoke
// half of the spec.md §4.9 transition table.
func (p *Peer) SendInterested() error {
	return p.writeFrame(peerwire.Frame{Type: peerwire.Interested})
}

// SendRequest asks for a block of piece data.
func (p *Peer) SendRequest(index, begin, length uint32) error {
	return p.writeFrame(peerwire.Frame{Type: peerwire.Request, Payload: peerwire.EncodeRequest(peerwire.RequestMessage{
		Index: index, Begin: begin, Length: length,
	})})
}

// RequestUTMetadataPiece asks the peer for ut_metadata piece, addressed
// to the extended-message id the peer itself advertised for ut_metadata
// in its extended handshake (spec.md §4.9: our outgoing id is fixed at
// 2, but messages we send TO the peer must use ITS advertised id).
func (p *Peer) RequestUTMetadataPiece(piece int) error {
	p.mu.Lock()
	have := p.haveExtHandshake
	extID := p.peerUTMetadataID
	p.mu.Unlock()
	if !have {
		return errors.New("peerconn: peer has not sent its extended handshake yet")
	}
	payload, err := peerwire.EncodeUTMetadataRequest(extID, piece)
	if err != nil {
		return err
	}
	return p.writeFrame(peerwire.Frame{Type: peerwire.Extended, Payload: payload})
}

func (p *Peer) feed(data []byte) error {
	span, err := p.rb.UseForAppend(len(data))
	if err != nil {
		return err
	}
	copy(span, data)
	if err := p.rb.Appended(len(data)); err != nil {
		return err
	}
	return p.drain()
}

// drain consumes as many complete records (handshake, then frames) as
// are currently buffered, stopping as soon as the buffer holds a
// partial one; the next feed re-enters and picks up where it left off.
func (p *Peer) drain() error {
	for {
		if !p.handshakeDone {
			if p.rb.DataSize() < peerwire.HandshakeLen {
				return nil
			}
			hb := make([]byte, peerwire.HandshakeLen)
			if err := p.rb.PopData(hb, peerwire.HandshakeLen); err != nil {
				return err
			}
			hs, err := peerwire.DecodeHandshake(hb)
			if err != nil {
				return err
			}
			if hs.InfoHash != p.infoHash {
				return fmt.Errorf("peerconn: info-hash mismatch from %s", p)
			}
			p.mu.Lock()
			p.remoteID = hs.PeerID
			p.state = StateConnected
			p.mu.Unlock()
			p.handshakeDone = true
			if !hs.SupportsExtensions() {
				return errors.New("peerconn: peer does not support the extension protocol")
			}
			if err := p.sendExtendedHandshake(); err != nil {
				return err
			}
			continue
		}

		if !p.haveFrameLen {
			if p.rb.DataSize() < 4 {
				return nil
			}
			lb := make([]byte, 4)
			if err := p.rb.PopData(lb, 4); err != nil {
				return err
			}
			n, err := peerwire.DecodeFrameLength(lb)
			if err != nil {
				return err
			}
			if n == 0 {
				continue // keep-alive
			}
			p.frameLen = n
			p.haveFrameLen = true
		}

		if p.rb.DataSize() < p.frameLen {
			return nil
		}
		body := make([]byte, p.frameLen)
		if err := p.rb.PopData(body, p.frameLen); err != nil {
			return err
		}
		p.haveFrameLen = false
		f, err := peerwire.DecodeFrameBody(body)
		if err != nil {
			return err
		}
		if err := p.handleFrame(f); err != nil {
			return err
		}
	}
}

func (p *Peer) handleFrame(f peerwire.Frame) error {
	switch f.Type {
	case peerwire.Choke:
		if p.handlers.OnChoke != nil {
			p.handlers.OnChoke()
		}
	case peerwire.Unchoke:
		if p.handlers.OnUnchoke != nil {
			p.handlers.OnUnchoke()
		}
	case peerwire.Have:
		h, err := peerwire.DecodeHave(f.Payload)
		if err != nil {
			return err
		}
		if p.handlers.OnHave != nil {
			p.handlers.OnHave(h.Piece)
		}
	case peerwire.Bitfield:
		if p.handlers.OnBitfield != nil {
			p.handlers.OnBitfield(f.Payload)
		}
	case peerwire.Piece:
		pm, err := peerwire.DecodePiece(f.Payload)
		if err != nil {
			return err
		}
		if p.handlers.OnPiece != nil {
			p.handlers.OnPiece(pm.Index, pm.Begin, pm.Block)
		}
	case peerwire.Interested, peerwire.NotInterested, peerwire.Request, peerwire.Cancel, peerwire.Port:
		// This implementation only ever originates requests; it never
		// serves content or metadata to a peer, so these are ignored.
	case peerwire.Extended:
		return p.handleExtended(f.Payload)
	default:
		p.log.Debugln("peerconn: unknown message type", f.Type, "from", p)
	}
	return nil
}

func (p *Peer) handleExtended(payload []byte) error {
	extID, body, err := peerwire.DecodeExtendedMessage(payload)
	if err != nil {
		return err
	}
	if extID == peerwire.ExtendedHandshakeID {
		hs, err := peerwire.DecodeExtendedHandshake(body)
		if err != nil {
			return err
		}
		if PieceCount(hs.MetadataSize) == 0 {
			return errors.New("peerconn: peer advertised zero metadata pieces")
		}
		p.mu.Lock()
		p.extHandshake = hs
		p.haveExtHandshake = true
		p.peerUTMetadataID = byte(hs.M[peerwire.ExtensionUTMetadata])
		p.mu.Unlock()
		if p.handlers.OnExtendedHandshake != nil {
			p.handlers.OnExtendedHandshake(hs.MetadataSize)
		}
		return nil
	}
	if extID == peerwire.OurUTMetadataID {
		msg, rest, err := peerwire.DecodeUTMetadata(body)
		if err != nil {
			return err
		}
		switch byte(msg.MsgType) {
		case peerwire.UTMetadataData:
			if p.handlers.OnUTMetadataPiece != nil {
				p.handlers.OnUTMetadataPiece(msg.Piece, rest)
			}
		case peerwire.UTMetadataReject:
			p.log.Debugln("peerconn:", p, "rejected ut_metadata piece", msg.Piece)
		case peerwire.UTMetadataRequest:
			// Never served; we don't have the metadata to hand out.
		}
		return nil
	}
	p.log.Debugln("peerconn: unknown extended message id", extID, "from", p)
	return nil
}
