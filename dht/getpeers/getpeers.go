// Package getpeers implements the convergent iterative get_peers lookup
// of spec.md §4.6: per-info-hash candidate pools, monotonic-approach
// traversal, and callback fan-out in first-observed order.
package getpeers

import (
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/u160"
)

// DefaultExpiration is T_expire (spec.md §6,
// get_peers_request_expiration_seconds).
const DefaultExpiration = 30 * time.Second

// DefaultAmplification bounds how many not-yet-traversed candidates are
// drawn per live request on each tick.
const DefaultAmplification = 3

type candidate struct {
	info      node.Info
	cpl       int  // common_prefix_length(candidate.id, target) at enqueue time
	queried   bool // a get_peers query has been sent to this candidate
	traversed bool // a response from this candidate has been processed
}

// request is the GetPeersRequest of spec.md §3.
type request struct {
	infoHash   u160.U160
	expiration time.Time

	candidates   map[u160.U160]*candidate
	order        []u160.U160 // insertion order, for tie-break amplification draws
	peers        map[node.Endpoint]struct{}
	peerOrder    []node.Endpoint
	callbacks    []func(node.Endpoint)
}

// Sender issues a throttled get_peers query to a node on behalf of the
// coordinator. Supplied by the DHT engine (component E), which owns the
// throttler and the UDP socket.
type Sender func(to node.Info, infoHash u160.U160)

// Coordinator tracks all in-flight get_peers lookups.
type Coordinator struct {
	rt            *routingtable.RoutingTable
	send          Sender
	expiration    time.Duration
	amplification int
	now           func() time.Time

	requests map[u160.U160]*request
}

// New returns a Coordinator seeding candidate pools from rt and issuing
// queries via send, with the default request expiration.
func New(rt *routingtable.RoutingTable, send Sender) *Coordinator {
	return NewWithExpiration(rt, send, DefaultExpiration)
}

// NewWithExpiration is New with an explicit T_expire
// (Config.GetPeersRequestExpiration), the same
// default-plus-explicit-override shape as transaction.NewWithExpiration.
func NewWithExpiration(rt *routingtable.RoutingTable, send Sender, expiration time.Duration) *Coordinator {
	return &Coordinator{
		rt:            rt,
		send:          send,
		expiration:    expiration,
		amplification: DefaultAmplification,
		now:           time.Now,
		requests:      make(map[u160.U160]*request),
	}
}

// GetPeers implements step 1 of spec.md §4.6: register cb for infoHash,
// creating a new request (seeded from the routing table) if none exists.
// If a request already exists, cb additionally replays every peer already
// discovered, so late subscribers still observe them exactly once.
func (c *Coordinator) GetPeers(infoHash u160.U160, cb func(node.Endpoint)) {
	req, ok := c.requests[infoHash]
	if ok {
		for _, ep := range req.peerOrder {
			cb(ep)
		}
		req.callbacks = append(req.callbacks, cb)
		return
	}

	req = &request{
		infoHash:   infoHash,
		expiration: c.now().Add(c.expiration),
		candidates: make(map[u160.U160]*candidate),
		peers:      make(map[node.Endpoint]struct{}),
		callbacks:  []func(node.Endpoint){cb},
	}
	c.requests[infoHash] = req

	seeds := c.rt.KNearestGoodNodes(infoHash, routingtable.K)
	for _, n := range seeds {
		cpl := u160.CommonPrefixLength(n.ID, infoHash)
		req.candidates[n.ID] = &candidate{info: n, cpl: cpl, queried: true}
		req.order = append(req.order, n.ID)
		c.send(n, infoHash)
	}
}

// HandlePeersResponse implements step 2: record newly discovered peers
// and fire every registered callback for each one.
func (c *Coordinator) HandlePeersResponse(infoHash u160.U160, from u160.U160, peers []node.Endpoint) {
	req, ok := c.requests[infoHash]
	if !ok {
		return
	}
	if cand, ok := req.candidates[from]; ok {
		cand.traversed = true
	}
	for _, ep := range peers {
		if _, known := req.peers[ep]; known {
			continue
		}
		req.peers[ep] = struct{}{}
		req.peerOrder = append(req.peerOrder, ep)
		for _, cb := range req.callbacks {
			cb(ep)
		}
	}
}

// HandleNodesResponse implements step 3: enqueue every returned node that
// is at least as close to the target as the responder, preserving the
// convergence invariant (spec.md §8).
func (c *Coordinator) HandleNodesResponse(infoHash u160.U160, from u160.U160, nodes []node.Info) {
	req, ok := c.requests[infoHash]
	if !ok {
		return
	}
	responderCPL := 0
	if cand, ok := req.candidates[from]; ok {
		cand.traversed = true
		responderCPL = cand.cpl
	}
	for _, n := range nodes {
		if _, exists := req.candidates[n.ID]; exists {
			continue
		}
		cpl := u160.CommonPrefixLength(n.ID, infoHash)
		if cpl < responderCPL {
			continue
		}
		req.candidates[n.ID] = &candidate{info: n, cpl: cpl}
		req.order = append(req.order, n.ID)
	}
}

// Tick implements step 4: GC expired requests, then draw a bounded set of
// not-yet-traversed candidates per live request and throttle queries to
// them.
func (c *Coordinator) Tick() {
	now := c.now()
	for infoHash, req := range c.requests {
		if !now.Before(req.expiration) {
			delete(c.requests, infoHash)
			continue
		}
		drawn := 0
		for _, id := range req.order {
			if drawn >= c.amplification {
				break
			}
			cand := req.candidates[id]
			if cand.queried {
				continue
			}
			cand.queried = true
			c.send(cand.info, infoHash)
			drawn++
		}
	}
}

// Len reports the number of live requests, for tests and stats.
func (c *Coordinator) Len() int {
	return len(c.requests)
}
