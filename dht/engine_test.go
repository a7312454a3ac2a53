package dht

import (
	"net"
	"testing"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/krpc"
	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

type sentMsg struct {
	addr *net.UDPAddr
	data []byte
}

func newTestEngine(t *testing.T) (*Engine, *[]sentMsg) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BindIP = "127.0.0.1"
	cfg.BindPort = 0
	cfg.BootstrapNodes = nil
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	var sent []sentMsg
	e.send = func(addr *net.UDPAddr, b []byte) {
		sent = append(sent, sentMsg{addr: addr, data: b})
	}
	return e, &sent
}

func queryKindLookup(method string) krpc.MethodLookup {
	return func(string) (string, bool) { return method, true }
}

func udpFrom(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: port}
}

func TestHandleQueryPingRespondsWithSelfID(t *testing.T) {
	e, sent := newTestEngine(t)
	q := &krpc.Query{T: "aa", Method: krpc.MethodPing, Args: krpc.QueryArgs{ID: u160.Random()}}

	e.handleQuery(q, udpFrom(6881))

	require.Len(t, *sent, 1)
	dec, err := krpc.Decode((*sent)[0].data, queryKindLookup(krpc.MethodPing))
	require.NoError(t, err)
	require.Equal(t, krpc.KindResponse, dec.Kind)
	resp, ok := dec.Response.(krpc.PingResponse)
	require.True(t, ok)
	require.Equal(t, e.Self(), resp.ID)
}

func TestHandleQueryFindNodeReturnsNearestGoodNodes(t *testing.T) {
	e, sent := newTestEngine(t)
	known := node.Info{ID: u160.Random(), IP: net.ParseIP("1.2.3.4").To4(), Port: 6881}
	require.True(t, e.rt.AddNode(known))

	target := u160.Random()
	q := &krpc.Query{T: "bb", Method: krpc.MethodFindNode, Args: krpc.QueryArgs{ID: u160.Random(), Target: &target}}
	e.handleQuery(q, udpFrom(6882))

	require.Len(t, *sent, 1)
	dec, err := krpc.Decode((*sent)[0].data, queryKindLookup(krpc.MethodFindNode))
	require.NoError(t, err)
	resp := dec.Response.(krpc.FindNodeResponse)
	require.Contains(t, resp.Nodes, known)
}

func TestHandleQueryGetPeersReturnsPlaceholderByDefault(t *testing.T) {
	e, sent := newTestEngine(t)
	ih := u160.Random()
	q := &krpc.Query{T: "cc", Method: krpc.MethodGetPeers, Args: krpc.QueryArgs{ID: u160.Random(), InfoHash: &ih}}
	e.handleQuery(q, udpFrom(6883))

	require.Len(t, *sent, 1)
	dec, err := krpc.Decode((*sent)[0].data, queryKindLookup(krpc.MethodGetPeers))
	require.NoError(t, err)
	resp := dec.Response.(krpc.GetPeersResponse)
	require.Equal(t, placeholderToken, resp.Token)
	require.Empty(t, resp.Nodes)
}

func TestHandleQueryAnnouncePeerRecordsInfoHash(t *testing.T) {
	e, sent := newTestEngine(t)
	ih := u160.Random()
	q := &krpc.Query{T: "dd", Method: krpc.MethodAnnouncePeer, Args: krpc.QueryArgs{ID: u160.Random(), InfoHash: &ih}}
	e.handleQuery(q, udpFrom(6884))

	require.Len(t, *sent, 1)
	select {
	case got := <-e.AnnouncedInfoHashes():
		require.Equal(t, ih, got)
	default:
		t.Fatal("expected info-hash on AnnouncedInfoHashes channel")
	}
}

func TestSenderIDFakeMode(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.FakeID = true
	e.cfg.FakeIDPrefixLength = 32
	target := u160.Random()
	got := e.senderID(target)
	require.Equal(t, u160.Fake(e.self, target, 32), got)
}

func TestHandleResponseFindNodeAddsNodesAndClosesTransaction(t *testing.T) {
	e, _ := newTestEngine(t)
	to := node.Info{ID: u160.Random(), IP: net.ParseIP("5.6.7.8").To4(), Port: 6885}
	_, transactionID, err := e.createQuery(e.rt, to, krpc.MethodFindNode, krpc.QueryArgs{ID: e.self})
	require.NoError(t, err)
	require.Equal(t, 1, e.txm.Len())

	discovered := node.Info{ID: u160.Random(), IP: net.ParseIP("9.9.9.9").To4(), Port: 6886}
	respData, err := krpc.EncodeResponse(transactionID, krpc.MethodFindNode, krpc.FindNodeResponse{ID: to.ID, Nodes: []node.Info{discovered}}, "")
	require.NoError(t, err)

	dec, err := krpc.Decode(respData, e.txm.Lookup)
	require.NoError(t, err)
	e.handleResponse(dec, node.EndpointOf(to).UDPAddr())

	require.Equal(t, 0, e.txm.Len())
	require.True(t, e.rt.MakeGoodNow(discovered.ID))
}

func TestAuxRoutingTablesAreConstructedAndCreditedOnResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindIP = "127.0.0.1"
	cfg.BindPort = 0
	cfg.BootstrapNodes = nil
	cfg.AuxRoutingTables = 2
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.Len(t, e.auxRT, 2)
	require.NotEqual(t, e.auxRT[0].Self(), e.auxRT[1].Self())
	require.NotEqual(t, e.rt.Self(), e.auxRT[0].Self())

	aux := e.auxRT[0]
	to := node.Info{ID: u160.Random(), IP: net.ParseIP("5.6.7.8").To4(), Port: 6885}
	_, transactionID, err := e.createQuery(aux, to, krpc.MethodFindNode, krpc.QueryArgs{ID: e.self})
	require.NoError(t, err)

	discovered := node.Info{ID: u160.Random(), IP: net.ParseIP("9.9.9.9").To4(), Port: 6886}
	respData, err := krpc.EncodeResponse(transactionID, krpc.MethodFindNode, krpc.FindNodeResponse{ID: to.ID, Nodes: []node.Info{discovered}}, "")
	require.NoError(t, err)

	dec, err := krpc.Decode(respData, e.txm.Lookup)
	require.NoError(t, err)
	e.handleResponse(dec, node.EndpointOf(to).UDPAddr())

	require.True(t, aux.MakeGoodNow(discovered.ID), "node discovered via the aux table's own find_node must land in that table")
	require.False(t, e.rt.MakeGoodNow(discovered.ID), "it must not also leak into the main table")
}

func TestHandleResponseGetPeersWithValuesFiresCallback(t *testing.T) {
	e, sent := newTestEngine(t)
	responder := node.Info{ID: u160.Random(), IP: net.ParseIP("7.7.7.7").To4(), Port: 6887}
	require.True(t, e.rt.AddNode(responder))

	ih := u160.Random()
	var got []node.Endpoint
	e.GetPeers(ih, func(ep node.Endpoint) { got = append(got, ep) })
	require.Len(t, *sent, 1)

	seedQuery, err := krpc.Decode((*sent)[0].data, queryKindLookup(krpc.MethodGetPeers))
	require.NoError(t, err)

	peer := node.EncodeCompactPeer(net.ParseIP("8.8.8.8"), 6881)
	respData, err := krpc.EncodeResponse(seedQuery.T, krpc.MethodGetPeers, krpc.GetPeersResponse{ID: responder.ID, Token: "x", Values: [][]byte{peer}}, "")
	require.NoError(t, err)

	dec, err := krpc.Decode(respData, e.txm.Lookup)
	require.NoError(t, err)
	e.handleResponse(dec, node.EndpointOf(responder).UDPAddr())

	require.Len(t, got, 1)
	require.Equal(t, uint16(6881), got[0].Port)
}

func TestHandleErrorClosesTransaction(t *testing.T) {
	e, _ := newTestEngine(t)
	to := node.Info{ID: u160.Random(), IP: net.ParseIP("2.2.2.2").To4(), Port: 6888}
	_, transactionID, err := e.createQuery(e.rt, to, krpc.MethodPing, krpc.QueryArgs{ID: e.self})
	require.NoError(t, err)

	errData, err := krpc.EncodeError(transactionID, 202, "server error")
	require.NoError(t, err)
	dec, err := krpc.Decode(errData, e.txm.Lookup)
	require.NoError(t, err)

	e.handleError(dec, node.EndpointOf(to).UDPAddr())
	require.Equal(t, 0, e.txm.Len())
}

func TestSampleInfohashesBoundedByAvailable(t *testing.T) {
	e, _ := newTestEngine(t)
	e.recordInfoHash(u160.Random())
	e.recordInfoHash(u160.Random())
	require.Len(t, e.sampleInfohashes(10), 2)
	require.Len(t, e.sampleInfohashes(1), 1)
}
