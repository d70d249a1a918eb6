package bootstrapcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "bootstrap.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put("/ip4/10.0.0.1/udp/4242/quic-v1"))
	require.NoError(t, cache.Put("/ip4/10.0.0.2/udp/4242/quic-v1"))

	entries, err := cache.All()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRemoveDropsEntry(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "bootstrap.db"))
	require.NoError(t, err)
	defer cache.Close()

	addr := "/ip4/10.0.0.1/udp/4242/quic-v1"
	require.NoError(t, cache.Put(addr))
	require.NoError(t, cache.Remove(addr))

	entries, err := cache.All()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.db")

	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Put("/ip4/10.0.0.1/udp/4242/quic-v1"))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	entries, err := c2.All()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
