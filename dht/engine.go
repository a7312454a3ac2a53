// Package dht implements the DHT protocol engine of spec.md §4.5: the
// UDP socket, the routing table(s), the transaction manager, the
// throttler and the get_peers coordinator, driven by one event loop in
// the style of rain's session.Run (session/run.go): a single goroutine
// selecting over timers and a receive channel.
package dht

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/magnetdht/dht/getpeers"
	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/dht/transaction"
	"github.com/cenkalti/magnetdht/internal/logger"
	"github.com/cenkalti/magnetdht/krpc"
	"github.com/cenkalti/magnetdht/throttler"
	"github.com/cenkalti/magnetdht/u160"

	"github.com/cenkalti/magnetdht/blacklist"
)

// maxObservedInfoHashes bounds the passive-observer info-hash set kept for
// answering sample_infohashes queries (BEP-51), supplemented: spec.md does
// not size this, but an unbounded set would leak memory.
const maxObservedInfoHashes = 4096

// placeholderToken is the fixed get_peers token this implementation hands
// out when it is not configured to serve real peers (spec.md §4.5).
const placeholderToken = "\x00"

type packet struct {
	data []byte
	from *net.UDPAddr
}

// Engine is the running DHT node.
type Engine struct {
	cfg  Config
	log  logger.Logger
	self u160.U160

	conn net.PacketConn
	send func(addr *net.UDPAddr, b []byte)

	rt        *routingtable.RoutingTable
	auxRT     []*routingtable.RoutingTable
	txm       *transaction.Manager
	throttle  *throttler.Throttler
	getPeers  *getpeers.Coordinator
	blacklist *blacklist.Blacklist

	observed    []u160.U160
	observedSet map[u160.U160]struct{}
	announced   chan u160.U160

	getPeersTxMu sync.Mutex
	getPeersTx   map[string]u160.U160

	rng *rand.Rand

	recvC   chan packet
	closeC  chan struct{}
	closeOnce sync.Once
}

// New constructs an Engine bound to cfg.BindIP:cfg.BindPort.
func New(cfg Config) (*Engine, error) {
	self := cfg.SelfNodeID
	if self.Equal(u160.Zero) {
		self = u160.Random()
	}

	addr := net.JoinHostPort(cfg.BindIP, fmt.Sprintf("%d", cfg.BindPort))
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: listen %s: %w", addr, err)
	}

	bl := blacklist.New()
	rtOpts := cfg.RoutingTable
	rtOpts.Blacklist = bl

	e := &Engine{
		cfg:         cfg,
		log:         logger.New("dht"),
		self:        self,
		conn:        conn,
		rt:          routingtable.New(self, rtOpts),
		txm:         transaction.NewWithExpiration(cfg.TransactionExpiration),
		throttle:    throttler.New(cfg.Throttler),
		blacklist:   bl,
		observedSet: make(map[u160.U160]struct{}),
		announced:   make(chan u160.U160, 256),
		getPeersTx:  make(map[string]u160.U160),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		recvC:       make(chan packet, 64),
		closeC:      make(chan struct{}),
	}
	for i := 0; i < cfg.AuxRoutingTables; i++ {
		e.auxRT = append(e.auxRT, routingtable.New(u160.Random(), rtOpts))
	}

	e.send = e.udpSend
	e.getPeers = getpeers.NewWithExpiration(e.rt, e.sendGetPeersQuery, cfg.GetPeersRequestExpiration)
	return e, nil
}

// Self returns the engine's own node id.
func (e *Engine) Self() u160.U160 { return e.self }

// RoutingTable exposes the main routing table for callers that need
// read-only inspection (stats endpoints, resolver address resolution).
func (e *Engine) RoutingTable() *routingtable.RoutingTable { return e.rt }

// AnnouncedInfoHashes returns the channel onto which every info-hash this
// engine observes (via announce_peer, or a sample_infohashes walk) is
// delivered at most once while it remains among the last
// maxObservedInfoHashes observed. The info-hash log writer (store/boltstore)
// drains it.
func (e *Engine) AnnouncedInfoHashes() <-chan u160.U160 {
	return e.announced
}

// GetPeers registers cb for info-hash discovery, delegating to the
// get_peers coordinator (component F).
func (e *Engine) GetPeers(infoHash u160.U160, cb func(node.Endpoint)) {
	e.getPeers.GetPeers(infoHash, cb)
}

// Close shuts down the UDP socket and stops the event loop.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closeC) })
	return e.conn.Close()
}

func (e *Engine) udpSend(addr *net.UDPAddr, b []byte) {
	if _, err := e.conn.WriteTo(b, addr); err != nil {
		e.log.Debugln("udp write failed:", err)
	}
}

// Bootstrap resolves every configured bootstrap host and issues a direct
// find_node(self) to each, seeding an otherwise empty routing table, then
// does the same with each auxiliary table's own self id so it grows an
// independent view of the id space around it.
func (e *Engine) Bootstrap() {
	for _, host := range e.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			e.log.Warningln("cannot resolve bootstrap node", host, err)
			continue
		}
		via := node.Info{IP: addr.IP, Port: uint16(addr.Port)}

		target := e.self
		e.sendQuery(e.rt, via, krpc.MethodFindNode, func(a *krpc.QueryArgs) {
			a.Target = &target
		})

		for _, aux := range e.auxRT {
			auxTarget := aux.Self()
			e.sendQuery(aux, via, krpc.MethodFindNode, func(a *krpc.QueryArgs) {
				a.Target = &auxTarget
			})
		}
	}
}

// readLoop pumps datagrams from the socket into recvC until the socket
// closes. Run in its own goroutine by Run.
func (e *Engine) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.recvC <- packet{data: data, from: udpAddr}:
		case <-e.closeC:
			return
		}
	}
}

// Run drives the event loop: one goroutine feeding the UDP socket, one
// select over the five timers and the receive channel, matching the
// single-loop shape of session/run.go.
func (e *Engine) Run(ctx context.Context) error {
	go e.readLoop()

	expandTicker := time.NewTicker(e.cfg.DiscoveryInterval)
	reportTicker := time.NewTicker(e.cfg.ReportInterval)
	refreshTicker := time.NewTicker(e.cfg.RefreshNodesInterval)
	getPeersTicker := time.NewTicker(e.cfg.GetPeersRefreshInterval)
	throttleTicker := time.NewTicker(e.cfg.Throttler.TickInterval)
	defer expandTicker.Stop()
	defer reportTicker.Stop()
	defer refreshTicker.Stop()
	defer getPeersTicker.Stop()
	defer throttleTicker.Stop()

	e.Bootstrap()

	for {
		select {
		case <-ctx.Done():
			_ = e.Close()
			return ctx.Err()
		case <-e.closeC:
			return nil
		case pkt := <-e.recvC:
			e.handleDatagram(pkt.data, pkt.from)
		case <-expandTicker.C:
			e.expandRoute()
		case <-reportTicker.C:
			e.reportStat()
		case <-refreshTicker.C:
			e.refreshNodes()
		case <-getPeersTicker.C:
			e.getPeers.Tick()
		case <-throttleTicker.C:
			e.throttle.Tick()
		}
	}
}
