// Package magnetdht ties the DHT protocol engine, the torrent resolver
// and the boltdb-backed persistence layer into one running node, the
// way session/session.go ties the DHT client, the tracker manager and
// the resume database into one BitTorrent client.
//
// Populating a Config from a file or command-line flags is an external
// collaborator (configuration parsing is out of scope); this package
// only defines the keys and their defaults.
package magnetdht

import (
	"time"

	"github.com/cenkalti/magnetdht/dht"
	"github.com/cenkalti/magnetdht/resolver"
)

// Config is the configuration of one running node.
type Config struct {
	DHT dht.Config

	// Database is the boltdb file path holding routing-table snapshots
	// and the observed info-hash log. A leading "~" is expanded to the
	// user's home directory.
	Database string

	// ResolveTorrentExpiration bounds how long ResolveTorrent waits for
	// a metadata exchange to complete before giving up silently.
	ResolveTorrentExpiration time.Duration
}

// DefaultConfig returns the documented defaults for every key.
func DefaultConfig() Config {
	return Config{
		DHT:                      dht.DefaultConfig(),
		Database:                 "~/.config/magnetdht/magnetdht.db",
		ResolveTorrentExpiration: resolver.DefaultExpiration,
	}
}
