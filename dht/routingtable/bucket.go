package routingtable

import (
	"sort"
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/u160"
)

// bucket is a node in the binary trie described by spec.md §3/§4.3. Leaves
// hold entries directly; internal nodes hold two children split on the bit
// at MSB position prefixLen.
type bucket struct {
	prefix    u160.U160
	prefixLen int

	entries map[u160.U160]*Entry // non-nil only on leaves

	left, right *bucket
	parent      *bucket
}

func newLeaf(prefix u160.U160, prefixLen int, parent *bucket) *bucket {
	return &bucket{prefix: prefix, prefixLen: prefixLen, entries: make(map[u160.U160]*Entry), parent: parent}
}

func (b *bucket) isLeaf() bool {
	return b.left == nil && b.right == nil
}

// min and max are the inclusive bounds of the bucket's range, per
// routing_table.hpp's convention of min <= id <= max (to avoid overflow on
// the all-ones bucket).
func (b *bucket) min() u160.U160 {
	return b.prefix
}

func (b *bucket) max() u160.U160 {
	return b.prefix.Or(u160.Pow2m1(u160.Bits - b.prefixLen))
}

func (b *bucket) contains(id u160.U160) bool {
	return !id.Less(b.min()) && !b.max().Less(id)
}

// splitBit is the bit (counted from the LSB, per u160.Bit) that a leaf at
// this prefix length splits on, and that an internal node at this prefix
// length already split on to produce its children.
func (b *bucket) splitBit(id u160.U160) int {
	return id.Bit(u160.Bits - 1 - b.prefixLen)
}

// descendToLeaf walks the trie rooted at b to the unique leaf whose range
// contains id.
func (b *bucket) descendToLeaf(id u160.U160) *bucket {
	cur := b
	for !cur.isLeaf() {
		if cur.splitBit(id) == 0 {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return cur
}

// split turns a leaf into an internal node with two leaf children,
// redistributing entries by splitBit.
func (b *bucket) split() {
	childLen := b.prefixLen + 1
	b.left = newLeaf(b.prefix, childLen, b)
	rightPrefix := b.prefix.Or(u160.Pow2(u160.Bits - 1 - b.prefixLen))
	b.right = newLeaf(rightPrefix, childLen, b)
	for id, e := range b.entries {
		if b.splitBit(id) == 0 {
			b.left.entries[id] = e
		} else {
			b.right.entries[id] = e
		}
	}
	b.entries = nil
}

// merge collapses two leaf children back into b.
func (b *bucket) merge() {
	b.entries = make(map[u160.U160]*Entry, len(b.left.entries)+len(b.right.entries))
	for id, e := range b.left.entries {
		b.entries[id] = e
	}
	for id, e := range b.right.entries {
		b.entries[id] = e
	}
	b.left, b.right = nil, nil
}

func (b *bucket) goodCount(now time.Time) int {
	n := 0
	for _, e := range b.entries {
		if e.IsGood(now) {
			n++
		}
	}
	return n
}

// sortedByDistance returns the leaf's entries ordered by ascending XOR
// distance to target.
func (b *bucket) sortedByDistance(target u160.U160) []*Entry {
	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return u160.XOR(out[i].Info.ID, target).Less(u160.XOR(out[j].Info.ID, target))
	})
	return out
}

// dfs visits every leaf in the subtree rooted at b, in left-to-right order.
func (b *bucket) dfs(visit func(*bucket)) {
	if b.isLeaf() {
		visit(b)
		return
	}
	b.left.dfs(visit)
	b.right.dfs(visit)
}

// bfs visits every node (leaf and internal) breadth-first, matching the
// original implementation's stat() traversal order.
func (b *bucket) bfs(visit func(*bucket)) {
	queue := []*bucket{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visit(cur)
		if !cur.isLeaf() {
			queue = append(queue, cur.left, cur.right)
		}
	}
}

func entryForExpand(b *bucket, now time.Time) (node.Info, bool) {
	var questionable *Entry
	for _, e := range b.entries {
		if e.IsGood(now) {
			return e.Info, true
		}
		if questionable == nil && e.IsQuestionable(now) {
			questionable = e
		}
	}
	if questionable != nil {
		return questionable.Info, true
	}
	return node.Info{}, false
}
