package routingtable

import (
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
)

// GoodWindow is how recently a node must have been seen to count as Good
// (spec.md §3).
const GoodWindow = 15 * time.Minute

// KRPCTimeout bounds how long a pending query may go unanswered before the
// sender is considered Bad.
const KRPCTimeout = 30 * time.Second

// Entry is a RoutingEntry: a NodeInfo plus the liveness bookkeeping spec.md
// §3 requires.
type Entry struct {
	Info node.Info

	FirstSeen           time.Time
	LastSeen            time.Time
	LastRequireResponse time.Time
	ResponseRequired    bool
	Bad                 bool
	Version             string
}

func newEntry(n node.Info, now time.Time) *Entry {
	return &Entry{Info: n, FirstSeen: now, LastSeen: now}
}

// IsGood reports the Good liveness grade.
func (e *Entry) IsGood(now time.Time) bool {
	return !e.Bad && now.Sub(e.LastSeen) < GoodWindow
}

// IsBad reports the Bad liveness grade.
func (e *Entry) IsBad(now time.Time) bool {
	if e.Bad {
		return true
	}
	return e.ResponseRequired && now.Sub(e.LastRequireResponse) > KRPCTimeout
}

// IsQuestionable reports the Questionable liveness grade: neither Good nor
// Bad.
func (e *Entry) IsQuestionable(now time.Time) bool {
	return !e.IsGood(now) && !e.IsBad(now)
}

// touch marks the entry as freshly seen, clearing any pending-response
// state. Used both on duplicate insertion and on make_good_now.
func (e *Entry) touch(now time.Time) {
	e.LastSeen = now
	e.ResponseRequired = false
	e.Bad = false
}
