package blacklist

import (
	"testing"
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/stretchr/testify/require"
)

func ep(port uint16) node.Endpoint {
	return node.Endpoint{IP: [4]byte{1, 2, 3, 4}, Port: port}
}

func TestAddAndHas(t *testing.T) {
	b := New()
	require.False(t, b.Has(ep(1)))
	require.True(t, b.Add(ep(1)))
	require.True(t, b.Has(ep(1)))
}

func TestExpiry(t *testing.T) {
	b := NewWithOptions(10, time.Minute)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.Add(ep(1))
	require.True(t, b.Has(ep(1)))

	fake = fake.Add(2 * time.Minute)
	require.False(t, b.Has(ep(1)))
}

func TestGC(t *testing.T) {
	b := NewWithOptions(10, time.Minute)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.Add(ep(1))
	b.Add(ep(2))
	fake = fake.Add(2 * time.Minute)
	require.Equal(t, 2, b.GC())
	require.Equal(t, 0, b.Len())
}

func TestCapacity(t *testing.T) {
	b := NewWithOptions(1, time.Minute)
	require.True(t, b.Add(ep(1)))
	require.False(t, b.Add(ep(2)))
	require.True(t, b.Add(ep(1)), "re-adding an existing entry must not be capacity limited")
}
