package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	local types.PeerID
	group []types.PeerID
	in    bool
}

func (t *fakeTable) ReplicationGroup(key types.RecordKey, n int) []types.PeerID { return t.group }
func (t *fakeTable) InReplicationGroup(key types.RecordKey, n int) bool         { return t.in }
func (t *fakeTable) Local() types.PeerID                                       { return t.local }

type fakeSender struct {
	mu              sync.Mutex
	replicateCalls  []types.PeerID
	freshCalls      []types.PeerID
	freshEntriesLen int
}

func (s *fakeSender) SendReplicate(ctx context.Context, peer types.PeerID, keys []types.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicateCalls = append(s.replicateCalls, peer)
	return nil
}

func (s *fakeSender) SendFreshReplicate(ctx context.Context, peer types.PeerID, entries []types.FreshReplicateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freshCalls = append(s.freshCalls, peer)
	s.freshEntriesLen += len(entries)
	return nil
}

type alwaysValidPayments struct{}

func (alwaysValidPayments) Validate(types.ProofOfPayment) bool { return true }

type alwaysInvalidPayments struct{}

func (alwaysInvalidPayments) Validate(types.ProofOfPayment) bool { return false }

func peerOf(b byte) types.PeerID {
	var p types.PeerID
	p[0] = b
	return p
}

func TestRunIntervalReplicationNotifiesReplicationGroup(t *testing.T) {
	store := newFakeStore()
	key := keyOf(1)
	store.held[key] = types.Record{Key: key}

	self := peerOf(0)
	peer := peerOf(9)
	table := &fakeTable{local: self, group: []types.PeerID{self, peer}, in: true}
	sender := &fakeSender{}

	e := NewEngine(EngineConfig{
		Store:             store,
		Table:             table,
		Fetcher:           NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:            sender,
		ReplicationFactor: 5,
	})

	e.runIntervalReplication(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []types.PeerID{peer}, sender.replicateCalls)
}

func TestRunIntervalReplicationSkipsRecentlyNotifiedPeer(t *testing.T) {
	store := newFakeStore()
	key := keyOf(1)
	store.held[key] = types.Record{Key: key}

	self := peerOf(0)
	peer := peerOf(9)
	table := &fakeTable{local: self, group: []types.PeerID{self, peer}, in: true}
	sender := &fakeSender{}

	e := NewEngine(EngineConfig{
		Store:             store,
		Table:             table,
		Fetcher:           NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:            sender,
		ReplicationFactor: 5,
		ReplicateInterval: time.Hour,
	})

	e.runIntervalReplication(context.Background())
	e.runIntervalReplication(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.replicateCalls, 1)
}

func TestNotifyPutUsesPaymentPayeesWhenPresent(t *testing.T) {
	store := newFakeStore()
	key := keyOf(2)
	store.held[key] = types.Record{Key: key, Value: []byte("v")}

	self := peerOf(0)
	groupPeer := peerOf(5)
	payeePeer := peerOf(7)
	table := &fakeTable{local: self, group: []types.PeerID{groupPeer}}
	sender := &fakeSender{}

	e := NewEngine(EngineConfig{
		Store:             store,
		Table:             table,
		Fetcher:           NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:            sender,
		FlushWaitAttempts: 3,
		FlushWaitDelay:    time.Millisecond,
	})

	payment := types.NewProofOfPayment([]byte("proof"), []types.PeerID{payeePeer})
	e.NotifyPut(context.Background(), key, types.DataTypeChunk, types.ValidationType{}, &payment)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.freshCalls, 1)
	assert.Equal(t, payeePeer, sender.freshCalls[0])
}

func TestNotifyPutFallsBackToReplicationGroupWithoutPayment(t *testing.T) {
	store := newFakeStore()
	key := keyOf(3)
	store.held[key] = types.Record{Key: key, Value: []byte("v")}

	self := peerOf(0)
	groupPeer := peerOf(5)
	table := &fakeTable{local: self, group: []types.PeerID{self, groupPeer}}
	sender := &fakeSender{}

	e := NewEngine(EngineConfig{
		Store:             store,
		Table:             table,
		Fetcher:           NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:            sender,
		FlushWaitAttempts: 3,
		FlushWaitDelay:    time.Millisecond,
	})

	e.NotifyPut(context.Background(), key, types.DataTypeChunk, types.ValidationType{}, nil)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []types.PeerID{groupPeer}, sender.freshCalls)
}

func TestHandleFreshReplicateDropsInvalidPayment(t *testing.T) {
	store := newFakeStore()
	table := &fakeTable{local: peerOf(0)}
	e := NewEngine(EngineConfig{
		Store:    store,
		Table:    table,
		Fetcher:  NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:   &fakeSender{},
		Payments: alwaysInvalidPayments{},
	})

	payment := types.NewProofOfPayment(nil, nil)
	key := keyOf(6)
	e.HandleFreshReplicate(peerOf(1), []types.FreshReplicateEntry{{Addr: key, Payment: &payment}})

	assert.Equal(t, 0, e.fetcher.PendingCount())
}

func TestHandleFreshReplicateDropsWhenNoLocalRecordAndNoPayment(t *testing.T) {
	store := newFakeStore()
	table := &fakeTable{local: peerOf(0)}
	e := NewEngine(EngineConfig{
		Store:   store,
		Table:   table,
		Fetcher: NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:  &fakeSender{},
	})

	key := keyOf(7)
	e.HandleFreshReplicate(peerOf(1), []types.FreshReplicateEntry{{Addr: key}})

	assert.Equal(t, 0, e.fetcher.PendingCount())
}

func TestHandleFreshReplicateEnqueuesWhenLocalRecordPresent(t *testing.T) {
	store := newFakeStore()
	key := keyOf(8)
	store.held[key] = types.Record{Key: key}
	table := &fakeTable{local: peerOf(0)}
	e := NewEngine(EngineConfig{
		Store:   store,
		Table:   table,
		Fetcher: NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:  &fakeSender{},
	})

	e.HandleFreshReplicate(peerOf(1), []types.FreshReplicateEntry{{Addr: key}})

	assert.Equal(t, 1, e.fetcher.PendingCount())
}

func TestRunCleanupRemovesIrrelevantRecords(t *testing.T) {
	store := newFakeStore()
	key := keyOf(9)
	store.held[key] = types.Record{Key: key}
	table := &fakeTable{local: peerOf(0), in: false}

	e := NewEngine(EngineConfig{
		Store:   store,
		Table:   table,
		Fetcher: NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:  &fakeSender{},
	})

	e.runCleanup(context.Background())
	assert.False(t, store.Contains(key))
}

func TestRunCleanupKeepsRelevantRecords(t *testing.T) {
	store := newFakeStore()
	key := keyOf(10)
	store.held[key] = types.Record{Key: key}
	table := &fakeTable{local: peerOf(0), in: true}

	e := NewEngine(EngineConfig{
		Store:   store,
		Table:   table,
		Fetcher: NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}}),
		Sender:  &fakeSender{},
	})

	e.runCleanup(context.Background())
	assert.True(t, store.Contains(key))
}
