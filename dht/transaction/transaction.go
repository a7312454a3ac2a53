// Package transaction implements the KRPC transaction manager (spec.md
// §4.4): correlates outgoing queries with incoming responses by short
// opaque ids and expires stale entries.
package transaction

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
)

// DefaultExpiration is how long a transaction may remain open before GC
// reclaims it (spec.md §6, transaction_expiration_seconds).
const DefaultExpiration = 60 * time.Second

// ErrTransactionNotFound is TransactionError: End was called with an id
// that is not (or no longer) open.
var ErrTransactionNotFound = errors.New("transaction: no such transaction")

// Transaction is the record described by spec.md §3.
type Transaction struct {
	ID          string
	MethodName  string
	QueryNode   node.Info
	RoutingRef  interface{} // owning routing table pointer; opaque to this package
	StartTime   time.Time
}

// FillFunc is invoked by Start with the newly allocated, not-yet-visible
// transaction; it must set MethodName and QueryNode.
type FillFunc func(tx *Transaction)

// UseFunc is invoked by End with the completed transaction before it is
// removed.
type UseFunc func(tx *Transaction)

// Manager is the transaction table. Per spec.md §5/§9, the mutex is only
// required when multiple loops share one manager; it is kept here because
// nothing in this package assumes a single caller goroutine.
type Manager struct {
	mu         sync.Mutex
	open       map[string]*Transaction
	nextID     uint64
	expiration time.Duration
	now        func() time.Time
}

// New returns an empty Manager using DefaultExpiration.
func New() *Manager {
	return NewWithExpiration(DefaultExpiration)
}

// NewWithExpiration returns an empty Manager with an explicit GC timeout.
func NewWithExpiration(expiration time.Duration) *Manager {
	return &Manager{
		open:       make(map[string]*Transaction),
		expiration: expiration,
		now:        time.Now,
	}
}

// encodeID serializes a monotonic counter as little-endian bytes, trimmed
// to the shortest non-empty representation (spec.md §3: "≤ 8 bytes").
func encodeID(n uint64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	end := 8
	for end > 1 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}

// Start allocates the next id, lets fill populate the transaction's
// method/query-node, stores it, and returns the id to stamp onto the
// outgoing query's "t" field.
func (m *Manager) Start(fill FillFunc) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := encodeID(m.nextID)
	tx := &Transaction{ID: id, StartTime: m.now()}
	fill(tx)
	m.open[id] = tx
	return id
}

// End looks up id, invokes use with the completed transaction, and removes
// it. Returns ErrTransactionNotFound if id is unknown.
func (m *Manager) End(id string, use UseFunc) error {
	m.mu.Lock()
	tx, ok := m.open[id]
	if ok {
		delete(m.open, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrTransactionNotFound
	}
	use(tx)
	return nil
}

// Lookup reports the method name of an open transaction without closing
// it, the callback krpc.Decode needs to interpret a response shape.
func (m *Manager) Lookup(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.open[id]
	if !ok {
		return "", false
	}
	return tx.MethodName, true
}

// GC deletes every transaction older than the configured expiration,
// returning the count removed.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, tx := range m.open {
		if now.Sub(tx.StartTime) > m.expiration {
			delete(m.open, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently open transactions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
