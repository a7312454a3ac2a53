package node

import (
	"net"
	"testing"

	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

func TestCompactRoundTrip(t *testing.T) {
	n := Info{ID: u160.Random(), IP: net.ParseIP("203.0.113.7").To4(), Port: 6881}
	b := EncodeCompact(n)
	require.Len(t, b, CompactLen)
	got, err := DecodeCompact(b)
	require.NoError(t, err)
	require.True(t, n.ID.Equal(got.ID))
	require.True(t, n.IP.Equal(got.IP))
	require.Equal(t, n.Port, got.Port)
}

func TestDecodeCompactWrongLength(t *testing.T) {
	_, err := DecodeCompact(make([]byte, CompactLen-1))
	require.Error(t, err)
}

func TestCompactListRoundTrip(t *testing.T) {
	nodes := []Info{
		{ID: u160.Random(), IP: net.ParseIP("1.2.3.4").To4(), Port: 1},
		{ID: u160.Random(), IP: net.ParseIP("5.6.7.8").To4(), Port: 2},
	}
	b := EncodeCompactList(nodes)
	got, err := DecodeCompactList(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range nodes {
		require.True(t, nodes[i].ID.Equal(got[i].ID))
		require.Equal(t, nodes[i].Port, got[i].Port)
	}
}

func TestCompactListBadLength(t *testing.T) {
	_, err := DecodeCompactList(make([]byte, CompactLen+1))
	require.Error(t, err)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	b := EncodeCompactPeer(net.ParseIP("9.9.9.9"), 55)
	ip, port, err := DecodeCompactPeer(b)
	require.NoError(t, err)
	require.True(t, net.ParseIP("9.9.9.9").To4().Equal(ip))
	require.EqualValues(t, 55, port)
}

func TestValid(t *testing.T) {
	require.False(t, Info{Port: 0}.Valid())
	require.True(t, Info{Port: 1}.Valid())
}

func TestEndpointOf(t *testing.T) {
	n := Info{ID: u160.Random(), IP: net.ParseIP("10.0.0.1").To4(), Port: 6881}
	e := EndpointOf(n)
	require.Equal(t, uint16(6881), e.Port)
	require.Equal(t, "10.0.0.1:6881", e.String())
}
