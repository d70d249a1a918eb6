// Package routing implements the Kademlia k-bucket routing table
// (spec.md §3: "k-buckets indexed by XOR-distance of (self_id, peer_id)").
// Bucket inserts are manual: the swarm driver decides which observed
// peers are promoted into routing after reachability/Identify checks, so
// this package exposes TryAdd/Remove rather than performing discovery
// itself (spec.md §3 "Bucket inserts are manual").
//
// Grounded on the bucket-splitting, CPL-indexed design in
// other_examples/.../diogo464-go-libp2p-kbucket/table.go, adapted to this
// project's own NetworkAddress type and without that example's
// self-contained background liveness pinger — liveness here is the
// driver's connection-pruning responsibility (spec.md §4.6), not the
// table's.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/swarmnode/pkg/types"
)

// PeerInfo is one entry in a bucket.
type PeerInfo struct {
	ID       types.PeerID
	LastSeen time.Time
}

type bucket struct {
	peers []PeerInfo
}

func (b *bucket) indexOf(id types.PeerID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Table is a Kademlia routing table of k-buckets, indexed by common
// prefix length (CPL) with the local id. Bucket i holds peers whose CPL
// with self is exactly i, except the last bucket which accumulates every
// peer with CPL >= len(buckets)-1 (standard unsplit "last bucket"
// behaviour, since this node only ever splits its own bucket, never
// others').
type Table struct {
	mu         sync.RWMutex
	local      types.PeerID
	bucketSize int
	buckets    []*bucket

	// OnPeerAdded and OnPeerRemoved are optional notification hooks the
	// driver can set to mirror table membership into metrics/events.
	OnPeerAdded   func(types.PeerID)
	OnPeerRemoved func(types.PeerID)
}

// NewTable creates an empty routing table for the given local id and
// bucket size (spec.md §6: "k=20 bucket size (standard)").
func NewTable(local types.PeerID, bucketSize int) *Table {
	return &Table{
		local:      local,
		bucketSize: bucketSize,
		buckets:    []*bucket{{}},
	}
}

func (t *Table) bucketIndex(id types.PeerID) int {
	cpl := types.CommonPrefixLength(t.local.Addr(), id.Addr())
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

// TryAdd attempts to insert a peer into its bucket. If the bucket is
// full and is the last (unsplit) bucket, it is split and the insert is
// retried once. It returns false if the bucket remains full after any
// possible split (the caller/driver then applies its own eviction
// policy, e.g. pinging the oldest entry).
func (t *Table) TryAdd(id types.PeerID) bool {
	if id == t.local {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(id)
	b := t.buckets[idx]

	if b.indexOf(id) >= 0 {
		// Already present: refresh recency.
		b.peers[b.indexOf(id)].LastSeen = time.Now()
		return true
	}

	if len(b.peers) < t.bucketSize {
		b.peers = append(b.peers, PeerInfo{ID: id, LastSeen: time.Now()})
		if t.OnPeerAdded != nil {
			t.OnPeerAdded(id)
		}
		return true
	}

	if idx == len(t.buckets)-1 {
		t.splitLastBucket()
		return t.tryAddLocked(id)
	}

	return false
}

func (t *Table) tryAddLocked(id types.PeerID) bool {
	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	if b.indexOf(id) >= 0 {
		return true
	}
	if len(b.peers) < t.bucketSize {
		b.peers = append(b.peers, PeerInfo{ID: id, LastSeen: time.Now()})
		if t.OnPeerAdded != nil {
			t.OnPeerAdded(id)
		}
		return true
	}
	return false
}

// splitLastBucket splits the last bucket into two, the first taking the
// old index and the second appended, partitioning peers by their bit at
// the newly-distinguished position. Caller must hold t.mu.
func (t *Table) splitLastBucket() {
	old := t.buckets[len(t.buckets)-1]
	newBucket := &bucket{}
	t.buckets = append(t.buckets, newBucket)

	lastIdx := len(t.buckets) - 1
	kept := old.peers[:0]
	for _, p := range old.peers {
		if t.bucketIndex(p.ID) == lastIdx {
			newBucket.peers = append(newBucket.peers, p)
		} else {
			kept = append(kept, p)
		}
	}
	old.peers = kept
}

// Remove drops a peer from the table, wherever its bucket is.
func (t *Table) Remove(id types.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	if t.OnPeerRemoved != nil {
		t.OnPeerRemoved(id)
	}
}

// Contains reports whether id is currently in the table.
func (t *Table) Contains(id types.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.bucketIndex(id)
	return t.buckets[idx].indexOf(id) >= 0
}

// Size returns the total number of peers across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.peers)
	}
	return n
}

// NonEmptyBuckets returns the number of buckets holding at least one peer.
func (t *Table) NonEmptyBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		if len(b.peers) > 0 {
			n++
		}
	}
	return n
}

// SparsestBucket returns the index of the bucket with the fewest peers
// (ties broken toward the lowest index), used by Network Discovery to
// steer exploratory queries (spec.md §4.3).
func (t *Table) SparsestBucket() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sparsest := 0
	fewest := len(t.buckets[0].peers)
	for i, b := range t.buckets {
		if len(b.peers) < fewest {
			fewest = len(b.peers)
			sparsest = i
		}
	}
	return sparsest
}

// BucketCount returns the number of buckets currently allocated.
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// ClosestTo returns up to n peers closest to target by XOR distance,
// sorted nearest-first. This backs both CloseGroup (target == self) and
// ReplicationGroup (target == a record key) from spec.md §3.
func (t *Table) ClosestTo(target types.NetworkAddress, n int) []types.PeerID {
	t.mu.RLock()
	all := make([]PeerInfo, 0, t.sizeLocked())
	for _, b := range t.buckets {
		all = append(all, b.peers...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := types.Distance(all[i].ID.Addr(), target)
		dj := types.Distance(all[j].ID.Addr(), target)
		return types.Less(di, dj)
	})

	if n > len(all) {
		n = len(all)
	}
	out := make([]types.PeerID, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].ID
	}
	return out
}

func (t *Table) sizeLocked() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b.peers)
	}
	return n
}

// CloseGroup returns the CloseGroupSize peers nearest self by XOR
// distance (spec.md §3, Glossary).
func (t *Table) CloseGroup(closeGroupSize int) []types.PeerID {
	return t.ClosestTo(t.local.Addr(), closeGroupSize)
}

// ReplicationGroup returns the ReplicationFactor peers nearest key by
// XOR distance (spec.md §3, Glossary).
func (t *Table) ReplicationGroup(key types.RecordKey, replicationFactor int) []types.PeerID {
	return t.ClosestTo(key.Addr(), replicationFactor)
}

// InReplicationGroup reports whether self is among the replicationFactor
// peers closest to key out of {self} ∪ known peers — i.e. whether self is
// "within its responsibility window" for key (spec.md §3 invariant, §4.7
// "irrelevant-record cleanup"). Self displaces one slot from the known
// peers, so self qualifies iff fewer than replicationFactor known peers
// are strictly closer to key than self is.
func (t *Table) InReplicationGroup(key types.RecordKey, replicationFactor int) bool {
	t.mu.RLock()
	all := make([]PeerInfo, 0, t.sizeLocked())
	for _, b := range t.buckets {
		all = append(all, b.peers...)
	}
	t.mu.RUnlock()

	selfDist := types.Distance(t.local.Addr(), key.Addr())
	closer := 0
	for _, p := range all {
		if types.Less(types.Distance(p.ID.Addr(), key.Addr()), selfDist) {
			closer++
		}
	}
	return closer < replicationFactor
}

// Local returns the table's own local id.
func (t *Table) Local() types.PeerID { return t.local }
