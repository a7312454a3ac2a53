package getpeers

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

func mkNode(id u160.U160, port uint16) node.Info {
	return node.Info{ID: id, IP: net.ParseIP("10.0.0.1").To4(), Port: port}
}

func TestGetPeersSeedsFromRoutingTable(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	for i := 0; i < 5; i++ {
		require.True(t, rt.AddNode(mkNode(u160.RandomFromPrefix(infoHash, 20), uint16(i+1))))
	}

	var sent []node.Info
	c := New(rt, func(to node.Info, ih u160.U160) { sent = append(sent, to) })

	c.GetPeers(infoHash, func(node.Endpoint) {})
	require.NotEmpty(t, sent)
	require.Equal(t, 1, c.Len())
}

func TestSecondGetPeersReusesRequest(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	require.True(t, rt.AddNode(mkNode(u160.Random(), 1)))
	c := New(rt, func(node.Info, u160.U160) {})

	c.GetPeers(infoHash, func(node.Endpoint) {})
	c.GetPeers(infoHash, func(node.Endpoint) {})
	require.Equal(t, 1, c.Len())
}

func TestPeersResponseFiresCallbacksOncePerPeer(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	seed := mkNode(u160.Random(), 1)
	require.True(t, rt.AddNode(seed))
	c := New(rt, func(node.Info, u160.U160) {})

	var got []node.Endpoint
	c.GetPeers(infoHash, func(ep node.Endpoint) { got = append(got, ep) })

	peer1 := node.Endpoint{IP: [4]byte{1, 1, 1, 1}, Port: 100}
	peer2 := node.Endpoint{IP: [4]byte{2, 2, 2, 2}, Port: 200}
	c.HandlePeersResponse(infoHash, seed.ID, []node.Endpoint{peer1, peer2})
	require.Equal(t, []node.Endpoint{peer1, peer2}, got)

	// Re-delivering the same peer must not re-fire the callback.
	c.HandlePeersResponse(infoHash, seed.ID, []node.Endpoint{peer1})
	require.Len(t, got, 2)
}

func TestLateSubscriberReplaysKnownPeers(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	seed := mkNode(u160.Random(), 1)
	require.True(t, rt.AddNode(seed))
	c := New(rt, func(node.Info, u160.U160) {})

	c.GetPeers(infoHash, func(node.Endpoint) {})
	peer1 := node.Endpoint{IP: [4]byte{1, 1, 1, 1}, Port: 100}
	c.HandlePeersResponse(infoHash, seed.ID, []node.Endpoint{peer1})

	var replayed []node.Endpoint
	c.GetPeers(infoHash, func(ep node.Endpoint) { replayed = append(replayed, ep) })
	require.Equal(t, []node.Endpoint{peer1}, replayed)
}

func withCPL(target u160.U160, n int) u160.U160 {
	return u160.XOR(target, u160.Pow2(u160.Bits-1-n))
}

func TestNodesResponseEnforcesConvergence(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	a := mkNode(withCPL(infoHash, 10), 1)
	require.True(t, rt.AddNode(a))
	c := New(rt, func(node.Info, u160.U160) {})
	c.GetPeers(infoHash, func(node.Endpoint) {})

	b := mkNode(withCPL(infoHash, 8), 2)   // shorter prefix: must NOT be enqueued
	cc := mkNode(withCPL(infoHash, 12), 3) // longer prefix: must be enqueued
	c.HandleNodesResponse(infoHash, a.ID, []node.Info{b, cc})

	req := c.requests[infoHash]
	_, hasB := req.candidates[b.ID]
	_, hasC := req.candidates[cc.ID]
	require.False(t, hasB, "candidate with shorter common-prefix-length than responder must be dropped")
	require.True(t, hasC, "candidate with longer common-prefix-length than responder must be enqueued")
}

func TestTickExpiresRequests(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	require.True(t, rt.AddNode(mkNode(u160.Random(), 1)))
	c := New(rt, func(node.Info, u160.U160) {})
	fake := time.Now()
	c.now = func() time.Time { return fake }

	c.GetPeers(infoHash, func(node.Endpoint) {})
	require.Equal(t, 1, c.Len())

	fake = fake.Add(c.expiration + time.Second)
	c.Tick()
	require.Equal(t, 0, c.Len())
}

func TestNewWithExpirationOverridesDefault(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	require.True(t, rt.AddNode(mkNode(u160.Random(), 1)))

	custom := 5 * time.Second
	c := NewWithExpiration(rt, func(node.Info, u160.U160) {}, custom)
	require.Equal(t, custom, c.expiration)

	fake := time.Now()
	c.now = func() time.Time { return fake }
	c.GetPeers(infoHash, func(node.Endpoint) {})
	require.Equal(t, 1, c.Len())

	fake = fake.Add(custom + time.Second)
	c.Tick()
	require.Equal(t, 0, c.Len(), "a request must expire at the configured (not default) expiration")
}

func TestTickDrawsBoundedAmplification(t *testing.T) {
	infoHash := u160.Random()
	rt := routingtable.New(u160.Random(), routingtable.DefaultOptions())
	a := mkNode(withCPL(infoHash, 10), 1)
	require.True(t, rt.AddNode(a))

	var sent int
	c := New(rt, func(node.Info, u160.U160) { sent++ })
	c.amplification = 2
	c.GetPeers(infoHash, func(node.Endpoint) {})
	sent = 0 // ignore the initial seed query

	var fresh []node.Info
	for i := 0; i < 5; i++ {
		fresh = append(fresh, mkNode(u160.RandomFromPrefix(infoHash, 10), uint16(10+i)))
	}
	c.HandleNodesResponse(infoHash, a.ID, fresh)
	c.Tick()
	require.Equal(t, 2, sent)
}
