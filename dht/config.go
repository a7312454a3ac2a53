package dht

import (
	"time"

	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/throttler"
	"github.com/cenkalti/magnetdht/u160"
)

// DefaultBootstrapNodes are the well-known Mainline DHT bootstrap routers.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Config mirrors the spec.md §6 configuration keys. Every field has a
// documented default applied by DefaultConfig; the YAML/flag parsing that
// would populate one of these from a config file is an external
// collaborator, not part of this package.
type Config struct {
	BindIP   string
	BindPort uint16
	PublicIP string

	// SelfNodeID pins the table owner's id. A zero value means "generate
	// a random id at New".
	SelfNodeID u160.U160

	BootstrapNodes []string

	DiscoveryInterval        time.Duration // expand-route timer
	ReportInterval           time.Duration
	RefreshNodesInterval     time.Duration
	GetPeersRefreshInterval  time.Duration
	GetPeersRequestExpiration time.Duration
	TransactionExpiration    time.Duration

	Throttler     throttler.Config
	RoutingTable  routingtable.Options

	// FakeID enables the neighbor-id spoofing option of spec.md §4.5.
	FakeID             bool
	FakeIDPrefixLength int

	UseUTP bool

	// AuxRoutingTables builds this many extra routing tables alongside
	// the main one, each anchored at its own random self id, per spec.md
	// §4.5's "zero or more auxiliary routing tables". A wider spread of
	// self ids broadens the neighborhood the expand-route/refresh-nodes
	// timers cover, which in turn broadens the info-hashes observed for
	// sample_infohashes (BEP-51) beyond what the main table alone sees.
	AuxRoutingTables int

	// ServeRealPeers opts into serving k_nearest_good_nodes in get_peers
	// responses. The default (false) matches spec.md §4.5: participate
	// without informing, returning only a placeholder token.
	ServeRealPeers bool

	ClientVersion string
}

// SampleSize bounds how many info-hashes a sample_infohashes response
// hands back (BEP-51 leaves this to implementations).
const SampleSize = 20

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		BindIP:                    "0.0.0.0",
		BindPort:                  16667,
		BootstrapNodes:            DefaultBootstrapNodes,
		DiscoveryInterval:         5 * time.Second,
		ReportInterval:            5 * time.Second,
		RefreshNodesInterval:      5 * time.Second,
		GetPeersRefreshInterval:   2 * time.Second,
		GetPeersRequestExpiration: 30 * time.Second,
		TransactionExpiration:     60 * time.Second,
		Throttler:                 throttler.DefaultConfig(),
		RoutingTable:              routingtable.DefaultOptions(),
		FakeID:                    false,
		FakeIDPrefixLength:        128,
		UseUTP:                    false,
		AuxRoutingTables:          0,
		ClientVersion:             "md",
	}
}
