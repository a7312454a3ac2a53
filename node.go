package magnetdht

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/magnetdht/dht"
	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/internal/logger"
	"github.com/cenkalti/magnetdht/resolver"
	"github.com/cenkalti/magnetdht/store/boltstore"
	"github.com/cenkalti/magnetdht/u160"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// Node is one running instance: the DHT engine, its persisted routing
// table and info-hash log, and the torrent resolvers created on demand
// by ResolveTorrent. Grounded on session.Session's New/Run/Close
// lifecycle, generalized from multi-torrent bookkeeping to
// single-info-hash peer discovery and metadata resolution.
type Node struct {
	cfg    Config
	log    logger.Logger
	engine *dht.Engine
	store  *boltstore.Store

	mu        sync.Mutex
	resolvers map[u160.U160]*resolver.Resolver
}

// New opens the persistence store, restores the routing table from it
// if present, and constructs the DHT engine. Run must be called to
// start the event loop.
func New(cfg Config) (*Node, error) {
	dbPath, err := homedir.Expand(cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "magnetdht: expand database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, errors.Wrap(err, "magnetdht: create database directory")
	}
	st, err := boltstore.Open(dbPath)
	if err != nil {
		return nil, err
	}

	engine, err := dht.New(cfg.DHT)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.LoadRoutingTable("main", engine.RoutingTable()); err != nil {
		_ = engine.Close()
		_ = st.Close()
		return nil, errors.Wrap(err, "magnetdht: load routing table")
	}

	return &Node{
		cfg:       cfg,
		log:       logger.New("magnetdht"),
		engine:    engine,
		store:     st,
		resolvers: make(map[u160.U160]*resolver.Resolver),
	}, nil
}

// Run drives the DHT event loop, the info-hash log writer, and the
// periodic resolver prune sweep, until ctx is cancelled. The routing
// table is persisted on return.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.drainAnnouncedInfoHashes(ctx)
	}()
	go func() {
		defer wg.Done()
		n.prunePendingResolvers(ctx)
	}()

	err := n.engine.Run(ctx)
	wg.Wait()

	if saveErr := n.store.SaveRoutingTable("main", n.engine.RoutingTable()); saveErr != nil {
		n.log.Warningln("failed to persist routing table on shutdown:", saveErr)
	}
	return err
}

func (n *Node) drainAnnouncedInfoHashes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ih, ok := <-n.engine.AnnouncedInfoHashes():
			if !ok {
				return
			}
			if err := n.store.AppendInfoHash(ih); err != nil {
				n.log.Debugln("failed to log observed info-hash:", err)
			}
		}
	}
}

func (n *Node) prunePendingResolvers(ctx context.Context) {
	t := time.NewTicker(resolver.DefaultPruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.mu.Lock()
			for ih, r := range n.resolvers {
				r.Prune()
				if r.Expired() {
					r.Close()
					delete(n.resolvers, ih)
				}
			}
			n.mu.Unlock()
		}
	}
}

// Close shuts down every in-flight resolver, the DHT engine and the
// persistence store.
func (n *Node) Close() error {
	n.mu.Lock()
	for ih, r := range n.resolvers {
		r.Close()
		delete(n.resolvers, ih)
	}
	n.mu.Unlock()

	engineErr := n.engine.Close()
	storeErr := n.store.Close()
	if engineErr != nil {
		return engineErr
	}
	return storeErr
}

// Self returns the node's own DHT id.
func (n *Node) Self() u160.U160 { return n.engine.Self() }

// GetPeers registers cb for info-hash discovery via the DHT's get_peers
// coordinator (component F).
func (n *Node) GetPeers(ih u160.U160, cb func(node.Endpoint)) {
	n.engine.GetPeers(ih, cb)
}

// ResolveTorrent creates a torrent resolver for ih (a no-op if one is
// already in flight), seeds it from every peer endpoint GetPeers turns
// up, and invokes onComplete at most once with the validated metadata
// (spec.md §4.10).
func (n *Node) ResolveTorrent(ih u160.U160, onComplete func(resolver.Metadata)) {
	n.mu.Lock()
	if _, exists := n.resolvers[ih]; exists {
		n.mu.Unlock()
		return
	}
	var selfID [20]byte
	copy(selfID[:], n.engine.Self().Bytes())
	r := resolver.New(ih, selfID, n.cfg.DHT.BindIP, n.cfg.DHT.UseUTP, n.cfg.ResolveTorrentExpiration, func(m resolver.Metadata) {
		n.forgetResolver(ih)
		onComplete(m)
	})
	n.resolvers[ih] = r
	n.mu.Unlock()

	n.GetPeers(ih, func(ep node.Endpoint) {
		r.AddPeer(net.IP(ep.IP[:]), ep.Port)
	})
}

func (n *Node) forgetResolver(ih u160.U160) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.resolvers[ih]; ok {
		r.Close()
		delete(n.resolvers, ih)
	}
}
