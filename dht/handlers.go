package dht

import (
	"net"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/dht/transaction"
	"github.com/cenkalti/magnetdht/krpc"
	"github.com/cenkalti/magnetdht/u160"
)

// senderID returns the id this engine presents as the querying node. When
// fake_id is enabled (spec.md §4.5), it spoofs an id whose high bits match
// target and whose low fake_id_prefix_length bits match self.
func (e *Engine) senderID(target u160.U160) u160.U160 {
	if !e.cfg.FakeID {
		return e.self
	}
	return u160.Fake(e.self, target, e.cfg.FakeIDPrefixLength)
}

// createQuery opens a transaction bound to the given method, query node
// and owning routing table (so a later find_node response credits the
// table that actually issued the lookup, main or auxiliary), stamps it
// onto a new Query, and returns the encoded bytes plus the transaction id
// (callers that need to correlate a later response to extra context, e.g.
// get_peers' info-hash, key off this id).
func (e *Engine) createQuery(rt *routingtable.RoutingTable, to node.Info, method string, args krpc.QueryArgs) ([]byte, string, error) {
	t := e.txm.Start(func(tx *transaction.Transaction) {
		tx.MethodName = method
		tx.QueryNode = to
		tx.RoutingRef = rt
	})
	q := krpc.Query{T: t, Method: method, Args: args, V: e.cfg.ClientVersion}
	b, err := q.Encode()
	if err != nil {
		_ = e.txm.End(t, func(*transaction.Transaction) {})
		return nil, "", err
	}
	return b, t, nil
}

// sendQuery is the direct (non-throttled) send path used for ping and
// find_node, per spec.md §4.5 ("some callers send directly"). rt is the
// routing table this query is expanding, main or auxiliary.
func (e *Engine) sendQuery(rt *routingtable.RoutingTable, to node.Info, method string, fill func(*krpc.QueryArgs)) {
	args := krpc.QueryArgs{ID: e.senderID(to.ID)}
	if fill != nil {
		fill(&args)
	}
	b, _, err := e.createQuery(rt, to, method, args)
	if err != nil {
		e.log.Debugln("failed to build", method, "query:", err)
		return
	}
	e.send(node.EndpointOf(to).UDPAddr(), b)
}

// sendGetPeersQuery is the getpeers.Sender implementation, routed through
// the throttler per spec.md §4.5.
func (e *Engine) sendGetPeersQuery(to node.Info, infoHash u160.U160) {
	e.throttle.Submit(func() {
		ih := infoHash
		args := krpc.QueryArgs{ID: e.senderID(to.ID), InfoHash: &ih}
		b, t, err := e.createQuery(e.rt, to, krpc.MethodGetPeers, args)
		if err != nil {
			e.log.Debugln("failed to build get_peers query:", err)
			return
		}
		e.getPeersTxMu.Lock()
		e.getPeersTx[t] = infoHash
		e.getPeersTxMu.Unlock()
		e.send(node.EndpointOf(to).UDPAddr(), b)
	})
}

// touchSender records liveness of an endpoint that just spoke to us,
// across the main table and every auxiliary table.
func (e *Engine) touchSender(id u160.U160, from *net.UDPAddr) {
	ip4 := from.IP.To4()
	if ip4 == nil || from.Port == 0 {
		return
	}
	n := node.Info{ID: id, IP: ip4, Port: uint16(from.Port)}
	e.rt.AddNode(n)
	for _, aux := range e.auxRT {
		aux.AddNode(n)
	}
}

// handleDatagram is the receive path of spec.md §4.5: B-decode (delegated
// to krpc.Decode), dispatch by kind, update sender liveness.
func (e *Engine) handleDatagram(data []byte, from *net.UDPAddr) {
	dec, err := krpc.Decode(data, e.txm.Lookup)
	if err != nil {
		e.log.Debugln("dropping datagram from", from, ":", err)
		return
	}
	switch dec.Kind {
	case krpc.KindQuery:
		e.handleQuery(dec.Query, from)
	case krpc.KindResponse:
		e.handleResponse(dec, from)
	case krpc.KindError:
		e.handleError(dec, from)
	default:
		e.log.Debugln("unknown krpc message kind from", from)
	}
}

func (e *Engine) handleQuery(q *krpc.Query, from *net.UDPAddr) {
	e.touchSender(q.Args.ID, from)

	var resp krpc.Response
	switch q.Method {
	case krpc.MethodPing:
		resp = krpc.PingResponse{ID: e.self}

	case krpc.MethodFindNode:
		if q.Args.Target == nil {
			e.log.Debugln("find_node query missing target from", from)
			return
		}
		resp = krpc.FindNodeResponse{ID: e.self, Nodes: e.rt.KNearestGoodNodes(*q.Args.Target, routingtable.K)}

	case krpc.MethodGetPeers:
		if q.Args.InfoHash == nil {
			e.log.Debugln("get_peers query missing info_hash from", from)
			return
		}
		gr := krpc.GetPeersResponse{ID: e.self, Token: placeholderToken}
		if e.cfg.ServeRealPeers {
			gr.Nodes = e.rt.KNearestGoodNodes(*q.Args.InfoHash, routingtable.K)
		}
		resp = gr

	case krpc.MethodAnnouncePeer:
		if q.Args.InfoHash != nil {
			e.recordInfoHash(*q.Args.InfoHash)
		}
		resp = krpc.PingResponse{ID: e.self}

	case krpc.MethodSampleInfohashes:
		var target u160.U160
		if q.Args.Target != nil {
			target = *q.Args.Target
		}
		resp = krpc.SampleInfohashesResponse{
			ID:       e.self,
			Interval: int(e.cfg.ReportInterval.Seconds()),
			Num:      len(e.observed),
			Samples:  e.sampleInfohashes(SampleSize),
			Nodes:    e.rt.KNearestGoodNodes(target, routingtable.K),
		}

	default:
		e.log.Debugln("unhandled query method", q.Method, "from", from)
		return
	}

	b, err := krpc.EncodeResponse(q.T, q.Method, resp, e.cfg.ClientVersion)
	if err != nil {
		e.log.Warningln("failed to encode response to", q.Method, ":", err)
		return
	}
	e.send(from, b)
}

func (e *Engine) handleResponse(dec *krpc.Decoded, from *net.UDPAddr) {
	err := e.txm.End(dec.T, func(tx *transaction.Transaction) {
		switch r := dec.Response.(type) {
		case krpc.PingResponse:
			e.touchSender(r.ID, from)

		case krpc.FindNodeResponse:
			e.touchSender(r.ID, from)
			rt := e.rt
			if ref, ok := tx.RoutingRef.(*routingtable.RoutingTable); ok && ref != nil {
				rt = ref
			}
			for _, n := range r.Nodes {
				rt.AddNode(n)
			}

		case krpc.GetPeersResponse:
			e.touchSender(r.ID, from)
			e.getPeersTxMu.Lock()
			infoHash, ok := e.getPeersTx[dec.T]
			delete(e.getPeersTx, dec.T)
			e.getPeersTxMu.Unlock()
			if !ok {
				e.log.Debugln("get_peers response with no matching info-hash context from", from)
				return
			}
			if len(r.Values) > 0 {
				peers := make([]node.Endpoint, 0, len(r.Values))
				for _, v := range r.Values {
					ip, port, derr := node.DecodeCompactPeer(v)
					if derr != nil {
						continue
					}
					var ep node.Endpoint
					copy(ep.IP[:], ip.To4())
					ep.Port = port
					peers = append(peers, ep)
				}
				e.getPeers.HandlePeersResponse(infoHash, tx.QueryNode.ID, peers)
			}
			if len(r.Nodes) > 0 {
				e.getPeers.HandleNodesResponse(infoHash, tx.QueryNode.ID, r.Nodes)
			}

		case krpc.SampleInfohashesResponse:
			e.touchSender(r.ID, from)
			for _, s := range r.Samples {
				e.recordInfoHash(s)
			}
			for _, n := range r.Nodes {
				e.rt.AddNode(n)
			}
		}
	})
	if err != nil {
		e.log.Debugln("response to unknown transaction from", from, ":", err)
	}
}

func (e *Engine) handleError(dec *krpc.Decoded, from *net.UDPAddr) {
	e.log.Debugln("krpc error from", from, ":", dec.Err)
	e.getPeersTxMu.Lock()
	delete(e.getPeersTx, dec.T)
	e.getPeersTxMu.Unlock()
	if err := e.txm.End(dec.T, func(*transaction.Transaction) {}); err != nil {
		e.log.Debugln("error response to unknown transaction from", from)
	}
}

// recordInfoHash registers an observed info-hash (via announce_peer or a
// sample_infohashes walk) and forwards it to AnnouncedInfoHashes. A hash
// already in the set is ignored; the set holds the last
// maxObservedInfoHashes hashes, so an evicted hash is forwarded again.
func (e *Engine) recordInfoHash(ih u160.U160) {
	if _, ok := e.observedSet[ih]; ok {
		return
	}
	if len(e.observed) >= maxObservedInfoHashes {
		oldest := e.observed[0]
		e.observed = e.observed[1:]
		delete(e.observedSet, oldest)
	}
	e.observedSet[ih] = struct{}{}
	e.observed = append(e.observed, ih)
	select {
	case e.announced <- ih:
	default:
		e.log.Debugln("announced info-hash channel full, dropping", ih.ToHex())
	}
}

// sampleInfohashes draws up to n info-hashes from the observed set, for
// answering sample_infohashes queries.
func (e *Engine) sampleInfohashes(n int) []u160.U160 {
	if n >= len(e.observed) {
		out := make([]u160.U160, len(e.observed))
		copy(out, e.observed)
		return out
	}
	idx := e.rng.Perm(len(e.observed))[:n]
	out := make([]u160.U160, n)
	for i, j := range idx {
		out[i] = e.observed[j]
	}
	return out
}
