// Package replication implements the Replication Fetcher (spec.md §4.2)
// and the Replication Engine built on top of it (spec.md §4.7): the
// dedup/rate-limited fetch queue, interval and fresh-write replication,
// inbound fresh-replicate admission, and irrelevant-record cleanup.
//
// Grounded on the teacher's pkg/scheduler and pkg/reconciler tick-loop
// idiom (ticker + select{case <-ticker.C, case <-stopCh}) for the two
// periodic triggers, and pkg/worker's bounded-concurrency task pattern
// for the fetch budget.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/rs/zerolog"
)

// KeyValidation pairs a record key with the validation metadata needed
// to admit it into the store once fetched.
type KeyValidation struct {
	Key            types.RecordKey
	ValidationType types.ValidationType
}

// RecordPresence is the subset of the store's API the Fetcher needs to
// drop already-held keys on enqueue (spec.md §4.2).
type RecordPresence interface {
	Contains(key types.RecordKey) bool
}

// RecordAdmitter is the subset of the store's API the Fetcher needs to
// admit a successfully fetched record (spec.md §4.2 "subject to
// validation").
type RecordAdmitter interface {
	Put(record types.Record) error
}

// FetchResult is what a fetch attempt produces.
type FetchResult struct {
	Record *types.Record
	Err    error
}

// RecordFetcher performs the actual network retrieval the Fetcher and
// Engine depend on; the swarm driver (pkg/swarm) supplies the concrete
// implementation over the wire protocol.
type RecordFetcher interface {
	// FetchFromHolder issues a direct GetReplicatedRecord query to a
	// specific peer believed to hold the key (spec.md §4.7 "Retrieval
	// fallback").
	FetchFromHolder(ctx context.Context, holder types.PeerID, key types.RecordKey) (*types.Record, error)
	// FetchFromNetwork issues a network-wide GetRecord lookup under the
	// given quorum, used as the fallback hint after a holder-directed
	// fetch fails (spec.md §4.2, §4.7).
	FetchFromNetwork(ctx context.Context, key types.RecordKey, quorum types.Quorum) (*types.Record, error)
}

// pendingEntry is one (holder, key) pair awaiting fetch.
type pendingEntry struct {
	key                types.RecordKey
	validationType     types.ValidationType
	holder             types.PeerID
	enqueuedAt         time.Time
	failures           int
	useNetworkFallback bool
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Self        types.PeerID
	MaxInFlight int
	MaxFailures int
	Store       RecordPresence
	Admitter    RecordAdmitter
	Fetch       RecordFetcher
	Events      *events.Broker
}

// Fetcher is the Replication Fetcher of spec.md §4.2: it converts a
// firehose of "peer H claims to hold key K" hints into a bounded,
// deduplicated, rate-limited sequence of fetch attempts.
type Fetcher struct {
	self        types.PeerID
	maxInFlight int
	maxFailures int
	store       RecordPresence
	admitter    RecordAdmitter
	fetch       RecordFetcher
	eventsOut   *events.Broker
	logger      zerolog.Logger

	mu       sync.Mutex
	pending  []*pendingEntry
	queued   map[types.RecordKey]bool
	inflight map[types.RecordKey]bool

	wakeCh chan struct{}
	doneCh chan struct{}
}

// NewFetcher constructs a Fetcher. Run must be called to start draining
// the pending queue.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Fetcher{
		self:        cfg.Self,
		maxInFlight: cfg.MaxInFlight,
		maxFailures: cfg.MaxFailures,
		store:       cfg.Store,
		admitter:    cfg.Admitter,
		fetch:       cfg.Fetch,
		eventsOut:   cfg.Events,
		logger:      log.WithComponent("fetcher"),
		queued:      make(map[types.RecordKey]bool),
		inflight:    make(map[types.RecordKey]bool),
		wakeCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
}

// Enqueue inserts (holder, key) pairs. A key already inflight, already
// queued, or already present in the store is dropped (spec.md §4.2).
func (f *Fetcher) Enqueue(holder types.PeerID, pairs []KeyValidation) {
	f.mu.Lock()
	now := time.Now()
	for _, kv := range pairs {
		if f.queued[kv.Key] || f.inflight[kv.Key] {
			continue
		}
		if f.store.Contains(kv.Key) {
			continue
		}
		f.queued[kv.Key] = true
		f.pending = append(f.pending, &pendingEntry{
			key:            kv.Key,
			validationType: kv.ValidationType,
			holder:         holder,
			enqueuedAt:     now,
		})
	}
	n := len(f.pending)
	f.mu.Unlock()
	metrics.FetcherPending.Set(float64(n))
	f.wake()
}

func (f *Fetcher) wake() {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
}

// popNext removes and returns the entry with the oldest enqueue time,
// ties broken by XOR-closeness to self (spec.md §4.2 "Ordering").
func (f *Fetcher) popNext() *pendingEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return nil
	}
	sort.SliceStable(f.pending, func(i, j int) bool {
		a, b := f.pending[i], f.pending[j]
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		da := types.Distance(f.self.Addr(), a.key.Addr())
		db := types.Distance(f.self.Addr(), b.key.Addr())
		return types.Less(da, db)
	})

	entry := f.pending[0]
	f.pending = f.pending[1:]
	delete(f.queued, entry.key)
	f.inflight[entry.key] = true
	metrics.FetcherPending.Set(float64(len(f.pending)))
	return entry
}

func (f *Fetcher) requeue(entry *pendingEntry) {
	f.mu.Lock()
	delete(f.inflight, entry.key)
	entry.failures++
	entry.useNetworkFallback = true
	dropped := entry.failures > f.maxFailures
	if !dropped {
		f.queued[entry.key] = true
		f.pending = append(f.pending, entry)
	}
	n := len(f.pending)
	f.mu.Unlock()
	metrics.FetcherPending.Set(float64(n))

	if dropped {
		f.logger.Warn().Str("key", entry.key.String()).Int("failures", entry.failures).Msg("dropping fetch entry after repeated failures")
		metrics.FetcherFetchesTotal.WithLabelValues("dropped").Inc()
	}
}

func (f *Fetcher) complete(entry *pendingEntry) {
	f.mu.Lock()
	delete(f.inflight, entry.key)
	f.mu.Unlock()
}

// Run drains the pending queue, respecting the configured in-flight
// budget, until ctx is cancelled (spec.md §4.2, §5 "many independent
// tasks for outbound fetches").
func (f *Fetcher) Run(ctx context.Context) {
	defer close(f.doneCh)

	sem := make(chan struct{}, f.maxInFlight)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-f.wakeCh:
		case <-time.After(200 * time.Millisecond):
			// Periodic poll in case a requeue happened without a wake
			// signal draining promptly under load.
		}

		for {
			entry := f.popNext()
			if entry == nil {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				f.requeue(entry)
				wg.Wait()
				return
			}

			metrics.FetcherInflight.Inc()
			wg.Add(1)
			go func(e *pendingEntry) {
				defer wg.Done()
				defer func() { <-sem }()
				defer metrics.FetcherInflight.Dec()
				f.attempt(ctx, e)
			}(entry)
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, entry *pendingEntry) {
	var record *types.Record
	var err error

	if entry.useNetworkFallback {
		record, err = f.fetch.FetchFromNetwork(ctx, entry.key, types.QuorumOneOf())
	} else {
		record, err = f.fetch.FetchFromHolder(ctx, entry.holder, entry.key)
	}

	if err != nil || record == nil {
		f.logger.Debug().Str("key", entry.key.String()).Err(err).Msg("fetch attempt failed")
		metrics.FetcherFetchesTotal.WithLabelValues("failed").Inc()
		f.requeue(entry)
		return
	}

	if err := f.admitter.Put(*record); err != nil {
		f.logger.Warn().Str("key", entry.key.String()).Err(err).Msg("fetched record rejected by store")
		metrics.FetcherFetchesTotal.WithLabelValues("rejected").Inc()
		f.complete(entry)
		return
	}

	f.complete(entry)
	metrics.FetcherFetchesTotal.WithLabelValues("succeeded").Inc()
	if f.eventsOut != nil {
		f.eventsOut.Publish(&events.Event{
			Type:     events.EventReplicationFetched,
			Message:  entry.key.String(),
			Metadata: map[string]string{"key": entry.key.Hex()},
		})
	}
}

// Stop blocks until Run has returned.
func (f *Fetcher) Stop() {
	<-f.doneCh
}

// PendingCount reports the number of keys currently queued (not yet
// inflight), used by the admin API's status endpoint.
func (f *Fetcher) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// InFlightCount reports the number of fetches currently in flight.
func (f *Fetcher) InFlightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}
