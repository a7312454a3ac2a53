// Package node defines the compact node/peer wire representations shared
// by the KRPC codec, the routing table, and the get_peers coordinator.
package node

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cenkalti/magnetdht/u160"
)

// CompactLen is the size in bytes of one compact node entry: 20-byte id,
// 4-byte big-endian IPv4, 2-byte big-endian port.
const CompactLen = u160.Bytes + 4 + 2

// CompactPeerLen is the size in bytes of one compact peer entry: 4-byte
// IPv4, 2-byte port.
const CompactPeerLen = 6

// Info is a (id, ip, port) triple identifying a DHT node.
type Info struct {
	ID   u160.U160
	IP   net.IP // always a 4-byte IPv4 view
	Port uint16
}

// Valid reports whether the node info has a non-zero port. Per spec.md
// §3, a NodeInfo with port 0 is never usable.
func (n Info) Valid() bool {
	return n.Port != 0
}

// Endpoint identifies a node by its network address alone, used as the
// key of the routing table's (ip, port) -> id reverse map and of the
// blacklist.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// EndpointOf extracts the endpoint of a node info.
func EndpointOf(n Info) Endpoint {
	var e Endpoint
	ip4 := n.IP.To4()
	copy(e.IP[:], ip4)
	e.Port = n.Port
	return e
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

// UDPAddr renders the endpoint as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, e.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(e.Port)}
}

// EncodeCompact writes the 26-byte compact representation of n.
func EncodeCompact(n Info) []byte {
	b := make([]byte, CompactLen)
	copy(b, n.ID.Bytes())
	ip4 := n.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b[u160.Bytes:], ip4)
	binary.BigEndian.PutUint16(b[u160.Bytes+4:], n.Port)
	return b
}

// DecodeCompact parses a single 26-byte compact node entry.
func DecodeCompact(b []byte) (Info, error) {
	var n Info
	if len(b) != CompactLen {
		return n, fmt.Errorf("node: compact entry must be %d bytes, got %d", CompactLen, len(b))
	}
	id, err := u160.FromRawBytes(b[:u160.Bytes])
	if err != nil {
		return n, err
	}
	ip := make(net.IP, 4)
	copy(ip, b[u160.Bytes:u160.Bytes+4])
	port := binary.BigEndian.Uint16(b[u160.Bytes+4:])
	return Info{ID: id, IP: ip, Port: port}, nil
}

// DecodeCompactList parses a concatenation of compact node entries.
func DecodeCompactList(b []byte) ([]Info, error) {
	if len(b)%CompactLen != 0 {
		return nil, fmt.Errorf("node: compact node list length %d is not a multiple of %d", len(b), CompactLen)
	}
	nodes := make([]Info, 0, len(b)/CompactLen)
	for i := 0; i < len(b); i += CompactLen {
		n, err := DecodeCompact(b[i : i+CompactLen])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// EncodeCompactList concatenates the compact representation of every node.
func EncodeCompactList(nodes []Info) []byte {
	b := make([]byte, 0, len(nodes)*CompactLen)
	for _, n := range nodes {
		b = append(b, EncodeCompact(n)...)
	}
	return b
}

// EncodeCompactPeer writes the 6-byte compact representation of a peer
// endpoint (no id, unlike a node).
func EncodeCompactPeer(ip net.IP, port uint16) []byte {
	b := make([]byte, CompactPeerLen)
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], port)
	return b
}

// DecodeCompactPeer parses a single 6-byte compact peer entry.
func DecodeCompactPeer(b []byte) (net.IP, uint16, error) {
	if len(b) != CompactPeerLen {
		return nil, 0, fmt.Errorf("node: compact peer entry must be %d bytes, got %d", CompactPeerLen, len(b))
	}
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	port := binary.BigEndian.Uint16(b[4:])
	return ip, port, nil
}
