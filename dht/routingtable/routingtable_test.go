package routingtable

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/magnetdht/blacklist"
	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

func mkNode(id u160.U160, port uint16) node.Info {
	return node.Info{ID: id, IP: net.ParseIP("10.0.0.1").To4(), Port: port}
}

func TestAddNodeAndDuplicateUpdatesTimestamp(t *testing.T) {
	rt := New(u160.Zero, DefaultOptions())
	id := u160.Random()
	require.True(t, rt.AddNode(mkNode(id, 1)))
	require.Equal(t, 1, rt.Size())
	require.True(t, rt.AddNode(mkNode(id, 1)))
	require.Equal(t, 1, rt.Size())
}

func TestSplitAtKPlusOne(t *testing.T) {
	rt := New(u160.Zero, DefaultOptions())
	for i := 0; i < 9; i++ {
		id := u160.RandomFromPrefix(u160.Zero, 1) // top bit 0, matching owner
		require.True(t, rt.AddNode(mkNode(id, uint16(i+1))))
	}
	require.False(t, rt.root.isLeaf(), "root must have split after the 9th insert")
	require.Equal(t, 1, rt.root.left.prefixLen)
	require.Equal(t, 1, rt.root.right.prefixLen)
	rt.root.dfs(func(b *bucket) {
		for id := range b.entries {
			require.True(t, b.contains(id))
		}
	})
}

func TestReverseMapConflictBlacklists(t *testing.T) {
	bl := blacklist.New()
	opts := DefaultOptions()
	opts.Blacklist = bl
	rt := New(u160.Random(), opts)

	n1 := mkNode(u160.Random(), 6881)
	require.True(t, rt.AddNode(n1))

	n2 := n1
	n2.ID = u160.Random()
	require.False(t, rt.AddNode(n2), "conflicting id at the same endpoint must be rejected")
	require.True(t, bl.Has(node.EndpointOf(n1)))

	prior := rt.find(n1.ID)
	require.NotNil(t, prior)
	require.True(t, prior.Bad)
}

func TestAddNodeRejectsBlacklistedEndpoint(t *testing.T) {
	bl := blacklist.New()
	opts := DefaultOptions()
	opts.Blacklist = bl
	rt := New(u160.Random(), opts)

	n := mkNode(u160.Random(), 6881)
	bl.Add(node.EndpointOf(n))

	require.False(t, rt.AddNode(n), "pre-blacklisted endpoint must not be inserted")
	require.Equal(t, 0, rt.Size())
}

func TestMakeGoodNowByAddr(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	n := mkNode(u160.Random(), 6881)
	require.True(t, rt.AddNode(n))
	require.True(t, rt.MakeGoodNowByAddr(n.IP, n.Port))
	require.False(t, rt.MakeGoodNowByAddr(net.ParseIP("8.8.8.8"), 53))
}

func TestGCRemovesBadAndKeepsQuestionable(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	fakeNow := time.Now()
	rt.now = func() time.Time { return fakeNow }

	for i := 0; i < 5; i++ {
		id := u160.Random()
		require.True(t, rt.AddNode(mkNode(id, uint16(i+1))))
	}
	// Mark one entry explicitly bad.
	var firstID u160.U160
	rt.root.dfs(func(b *bucket) {
		for id := range b.entries {
			firstID = id
		}
	})
	rt.find(firstID).Bad = true

	// Age every remaining entry past GoodWindow so they become Questionable.
	fakeNow = fakeNow.Add(GoodWindow + time.Minute)

	res := rt.GC()
	require.Equal(t, 1, res.Bad)
	require.Equal(t, 4, rt.Size())
}

func TestKNearestGoodNodes(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	target := u160.Random()
	var ids []u160.U160
	for i := 0; i < 5; i++ {
		id := u160.RandomFromPrefix(target, 20)
		ids = append(ids, id)
		require.True(t, rt.AddNode(mkNode(id, uint16(i+1))))
	}
	nearest := rt.KNearestGoodNodes(target, 3)
	require.Len(t, nearest, 3)
	for i := 1; i < len(nearest); i++ {
		d1 := u160.XOR(nearest[i-1].ID, target)
		d2 := u160.XOR(nearest[i].ID, target)
		require.False(t, d2.Less(d1), "results must be non-decreasing in distance")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	n := mkNode(u160.Random(), 6881)
	require.True(t, rt.AddNode(n))

	var buf bytes.Buffer
	require.NoError(t, rt.Serialize(&buf))

	rt2 := New(u160.Random(), DefaultOptions())
	require.NoError(t, rt2.Deserialize(&buf))
	require.Equal(t, 1, rt2.Size())
	got := rt2.find(n.ID)
	require.NotNil(t, got)
	require.Equal(t, n.Port, got.Info.Port)
}

func TestSelectExpandRouteTargetsStayInRange(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	for i := 0; i < 3; i++ {
		require.True(t, rt.AddNode(mkNode(u160.Random(), uint16(i+1))))
	}
	targets := rt.SelectExpandRouteTargets()
	require.NotEmpty(t, targets)
	for _, tgt := range targets {
		require.True(t, tgt.Via.Valid())
	}
}

func TestStatNonEmpty(t *testing.T) {
	rt := New(u160.Random(), DefaultOptions())
	require.True(t, rt.AddNode(mkNode(u160.Random(), 1)))
	s := rt.Stat()
	require.Contains(t, s, "total entries: 1")
}
