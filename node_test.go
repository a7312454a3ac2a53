package magnetdht

import (
	"path/filepath"
	"testing"

	"github.com/cenkalti/magnetdht/resolver"
	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.db")
	cfg.DHT.BindIP = "127.0.0.1"
	cfg.DHT.BindPort = 0
	cfg.DHT.BootstrapNodes = nil
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewOpensStoreAndEngine(t *testing.T) {
	n := newTestNode(t)
	require.NotEqual(t, u160.Zero, n.Self())
}

func TestResolveTorrentIsIdempotentPerInfoHash(t *testing.T) {
	n := newTestNode(t)
	ih := u160.Random()

	n.ResolveTorrent(ih, func(resolver.Metadata) {})
	n.mu.Lock()
	count := len(n.resolvers)
	n.mu.Unlock()
	require.Equal(t, 1, count)

	n.ResolveTorrent(ih, func(resolver.Metadata) {})
	n.mu.Lock()
	count = len(n.resolvers)
	n.mu.Unlock()
	require.Equal(t, 1, count)
}
