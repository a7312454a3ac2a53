// Package boltstore persists the DHT's routing table snapshots and the
// observed info-hash log across restarts, the way session/session.go
// persists torrent resume state: one boltdb database, one bucket per
// concern, created on first open.
package boltstore

import (
	"bytes"
	"errors"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/backoff/v4"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/u160"
)

// openRetries bounds how many times Open retries against a transiently
// locked database file (e.g. a previous process shutting down) before
// giving up, per the backoff/retry idiom the torrent ecosystem uses for
// contended-resource opens (DannyZB-torrent's go.mod carries the same
// dependency for this purpose).
const openRetries = 4

var (
	routingTableBucket = []byte("routing_table")
	infoHashBucket     = []byte("info_hashes")
)

// ErrLocked is returned by Open when another process already holds the
// database file.
var ErrLocked = errors.New("boltstore: database is locked by another process")

// Store wraps a single boltdb file holding routing-table snapshots
// (keyed by table name, e.g. "main") and a log of observed info-hashes.
type Store struct {
	db *bolt.DB
}

// Open creates path and its parent bucket layout if missing. A lock
// held by a slowly-exiting previous process is retried with backoff
// before Open gives up and returns ErrLocked.
func Open(path string) (*Store, error) {
	var db *bolt.DB
	operation := func() error {
		var err error
		db, err = bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
		switch err {
		case nil:
			return nil
		case bolt.ErrTimeout:
			return ErrLocked
		default:
			return backoff.Permanent(err)
		}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithMaxRetries(eb, openRetries)); err != nil {
		return nil, err
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(routingTableBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(infoHashBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// SaveRoutingTable serializes rt and stores it under name, overwriting
// any previous snapshot.
func (s *Store) SaveRoutingTable(name string, rt *routingtable.RoutingTable) error {
	var buf bytes.Buffer
	if err := rt.Serialize(&buf); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(routingTableBucket).Put([]byte(name), buf.Bytes())
	})
}

// LoadRoutingTable restores a previously saved snapshot into rt. A
// missing snapshot (first run) is not an error; rt is left untouched.
func (s *Store) LoadRoutingTable(name string, rt *routingtable.RoutingTable) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(routingTableBucket).Get([]byte(name))
		if len(data) == 0 {
			return nil
		}
		return rt.Deserialize(bytes.NewReader(data))
	})
}

// AppendInfoHash logs ih as seen, overwriting nothing (the bucket is
// keyed by the info-hash's own raw bytes, so re-announces are no-ops).
func (s *Store) AppendInfoHash(ih u160.U160) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(infoHashBucket).Put(ih.Bytes(), []byte{1})
	})
}

// InfoHashes returns every info-hash ever logged.
func (s *Store) InfoHashes() ([]u160.U160, error) {
	var out []u160.U160
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(infoHashBucket).ForEach(func(k, _ []byte) error {
			ih, derr := u160.FromRawBytes(k)
			if derr != nil {
				return derr
			}
			out = append(out, ih)
			return nil
		})
	})
	return out, err
}
