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

type fakeStore struct {
	mu      sync.Mutex
	held    map[types.RecordKey]types.Record
	putErrs map[types.RecordKey]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{held: make(map[types.RecordKey]types.Record)}
}

func (s *fakeStore) Contains(key types.RecordKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

func (s *fakeStore) Put(record types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.putErrs[record.Key]; ok {
		return err
	}
	s.held[record.Key] = record
	return nil
}

func (s *fakeStore) Get(key types.RecordKey) (*types.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.held[key]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *fakeStore) Remove(key types.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
	return nil
}

func (s *fakeStore) AllKeys() []types.RecordKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]types.RecordKey, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	return keys
}

type fakeFetch struct {
	mu          sync.Mutex
	holderCalls int
	netCalls    int
	failHolder  bool
	failNet     bool
	value       []byte
}

func (f *fakeFetch) FetchFromHolder(ctx context.Context, holder types.PeerID, key types.RecordKey) (*types.Record, error) {
	f.mu.Lock()
	f.holderCalls++
	f.mu.Unlock()
	if f.failHolder {
		return nil, assert.AnError
	}
	return &types.Record{Key: key, Value: f.value}, nil
}

func (f *fakeFetch) FetchFromNetwork(ctx context.Context, key types.RecordKey, quorum types.Quorum) (*types.Record, error) {
	f.mu.Lock()
	f.netCalls++
	f.mu.Unlock()
	if f.failNet {
		return nil, assert.AnError
	}
	return &types.Record{Key: key, Value: f.value}, nil
}

func keyOf(b byte) types.RecordKey {
	var k types.RecordKey
	k[0] = b
	return k
}

func TestEnqueueDropsAlreadyHeldKey(t *testing.T) {
	store := newFakeStore()
	key := keyOf(1)
	store.held[key] = types.Record{Key: key}

	f := NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}})
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})

	assert.Equal(t, 0, f.PendingCount())
}

func TestEnqueueDropsDuplicateKey(t *testing.T) {
	store := newFakeStore()
	f := NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: &fakeFetch{}})
	key := keyOf(2)
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})

	assert.Equal(t, 1, f.PendingCount())
}

func TestFetcherSucceedsAndAdmitsRecord(t *testing.T) {
	store := newFakeStore()
	fetch := &fakeFetch{value: []byte("payload")}
	f := NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: fetch, MaxInFlight: 2})

	key := keyOf(3)
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return store.Contains(key) }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestFetcherRetriesWithNetworkFallbackAfterHolderFailure(t *testing.T) {
	store := newFakeStore()
	fetch := &fakeFetch{value: []byte("payload"), failHolder: true}
	f := NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: fetch, MaxInFlight: 2, MaxFailures: 5})

	key := keyOf(4)
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		fetch.mu.Lock()
		defer fetch.mu.Unlock()
		return fetch.netCalls > 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestFetcherDropsEntryAfterMaxFailures(t *testing.T) {
	store := newFakeStore()
	fetch := &fakeFetch{failHolder: true, failNet: true}
	f := NewFetcher(FetcherConfig{Store: store, Admitter: store, Fetch: fetch, MaxInFlight: 1, MaxFailures: 1})

	key := keyOf(5)
	f.Enqueue(types.PeerID{}, []KeyValidation{{Key: key}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return f.PendingCount() == 0 && f.InFlightCount() == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.False(t, store.Contains(key))
}
