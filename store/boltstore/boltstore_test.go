package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/cenkalti/magnetdht/dht/node"
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/u160"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	self := u160.Random()
	rt := routingtable.New(self, routingtable.DefaultOptions())
	n := node.Info{ID: u160.Random(), IP: []byte{1, 2, 3, 4}, Port: 6881}
	require.True(t, rt.AddNode(n))

	require.NoError(t, s.SaveRoutingTable("main", rt))

	restored := routingtable.New(self, routingtable.DefaultOptions())
	require.NoError(t, s.LoadRoutingTable("main", restored))
	require.Equal(t, 1, restored.Size())
}

func TestInfoHashLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ih := u160.Random()
	require.NoError(t, s.AppendInfoHash(ih))
	require.NoError(t, s.AppendInfoHash(ih)) // idempotent re-announce

	got, err := s.InfoHashes()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ih, got[0])
}

func TestOpenRejectsLockedDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(path)
	require.ErrorIs(t, err, ErrLocked)
}
