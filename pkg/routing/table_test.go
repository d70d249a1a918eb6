package routing

import (
	"testing"

	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerID(b byte) types.PeerID {
	var p types.PeerID
	p[types.AddressSize-1] = b
	return p
}

func TestTryAddAndContains(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 2)

	require.True(t, table.TryAdd(peerID(1)))
	assert.True(t, table.Contains(peerID(1)))
	assert.Equal(t, 1, table.Size())
}

func TestTryAddRejectsSelf(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 20)
	assert.False(t, table.TryAdd(local))
	assert.Equal(t, 0, table.Size())
}

func TestBucketSplitOnOverflow(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 1)

	for i := byte(1); i <= 4; i++ {
		table.TryAdd(peerID(i))
	}

	assert.GreaterOrEqual(t, table.BucketCount(), 2)
}

func TestReplicationGroupOrdersByDistance(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 20)
	for i := byte(1); i <= 10; i++ {
		table.TryAdd(peerID(i))
	}

	var key types.RecordKey
	key[types.AddressSize-1] = 5

	group := table.ReplicationGroup(key, 3)
	require.Len(t, group, 3)
	assert.Equal(t, peerID(5), group[0])
}

func TestInReplicationGroupTrueWhenFewPeersKnown(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 20)
	table.TryAdd(peerID(1))

	var key types.RecordKey
	key[types.AddressSize-1] = 200

	assert.True(t, table.InReplicationGroup(key, 5))
}

func TestRemove(t *testing.T) {
	local := peerID(0)
	table := NewTable(local, 20)
	table.TryAdd(peerID(1))
	require.True(t, table.Contains(peerID(1)))

	table.Remove(peerID(1))
	assert.False(t, table.Contains(peerID(1)))
	assert.Equal(t, 0, table.Size())
}
