package replication

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RecordSource is the subset of the store's API the Engine reads from
// for both replication passes and cleanup.
type RecordSource interface {
	RecordAdmitter
	RecordPresence
	Get(key types.RecordKey) (*types.Record, bool, error)
	Remove(key types.RecordKey) error
	AllKeys() []types.RecordKey
}

// ReplicationGroupProvider is the subset of the routing table's API the
// Engine consults to compute replication groups (spec.md §3, §4.7).
type ReplicationGroupProvider interface {
	ReplicationGroup(key types.RecordKey, replicationFactor int) []types.PeerID
	InReplicationGroup(key types.RecordKey, replicationFactor int) bool
	Local() types.PeerID
}

// CommandSender emits the outbound Cmd messages the Engine schedules.
// The swarm driver implements this against the live swarm.
type CommandSender interface {
	SendReplicate(ctx context.Context, peer types.PeerID, keys []types.RecordKey) error
	SendFreshReplicate(ctx context.Context, peer types.PeerID, entries []types.FreshReplicateEntry) error
}

// PaymentValidator delegates a payment envelope to the external
// validator named in spec.md §4.7 "Receiving a FreshReplicate"; the core
// never inspects Opaque itself.
type PaymentValidator interface {
	Validate(payment types.ProofOfPayment) bool
}

// EngineConfig configures a replication Engine.
type EngineConfig struct {
	Store             RecordSource
	Table             ReplicationGroupProvider
	Fetcher           *Fetcher
	Fetch             RecordFetcher
	Sender            CommandSender
	Payments          PaymentValidator
	Events            *events.Broker
	ReplicationFactor int
	ReplicateInterval time.Duration
	CleanupInterval   time.Duration
	// FlushWaitAttempts/FlushWaitDelay bound the post-write read-back
	// retry loop used before fresh-write replication (spec.md §4.7(b)).
	FlushWaitAttempts int
	FlushWaitDelay    time.Duration
	// CleanupSafetyMargin is the number of extra peers added to the
	// replication-group size when deciding whether a record is
	// irrelevant, avoiding churn right at the group boundary as the
	// routing table shifts.
	CleanupSafetyMargin int
	// MaxConcurrentSends caps how many outbound replication commands
	// are fanned out in parallel per tick (spec.md §2 "Replication
	// Engine" + golang.org/x/sync/errgroup capped fan-out).
	MaxConcurrentSends int
}

// Engine is the Replication Engine of spec.md §4.7: a policy layer atop
// the Fetcher, Store and (driver-provided) CommandSender that decides
// when and to whom to replicate.
type Engine struct {
	store             RecordSource
	table             ReplicationGroupProvider
	fetcher           *Fetcher
	fetch             RecordFetcher
	sender            CommandSender
	payments          PaymentValidator
	eventsOut         *events.Broker
	replicationFactor int
	replicateInterval time.Duration
	cleanupInterval   time.Duration
	flushWaitAttempts int
	flushWaitDelay    time.Duration
	cleanupSafety     int
	maxConcurrentSend int

	logger zerolog.Logger

	mu             sync.Mutex
	lastNotified   map[notifyKey]time.Time
	replicateNowCh chan struct{}
	cleanupNowCh   chan struct{}
}

type notifyKey struct {
	peer types.PeerID
	key  types.RecordKey
}

// NewEngine constructs a replication Engine with spec.md §6 defaults
// applied to any zero-valued duration/count fields.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 5
	}
	if cfg.ReplicateInterval <= 0 {
		cfg.ReplicateInterval = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.FlushWaitAttempts <= 0 {
		cfg.FlushWaitAttempts = 10
	}
	if cfg.FlushWaitDelay <= 0 {
		cfg.FlushWaitDelay = 100 * time.Millisecond
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 8
	}

	return &Engine{
		store:             cfg.Store,
		table:             cfg.Table,
		fetcher:           cfg.Fetcher,
		fetch:             cfg.Fetch,
		sender:            cfg.Sender,
		payments:          cfg.Payments,
		eventsOut:         cfg.Events,
		replicationFactor: cfg.ReplicationFactor,
		replicateInterval: cfg.ReplicateInterval,
		cleanupInterval:   cfg.CleanupInterval,
		flushWaitAttempts: cfg.FlushWaitAttempts,
		flushWaitDelay:    cfg.FlushWaitDelay,
		cleanupSafety:     cfg.CleanupSafetyMargin,
		maxConcurrentSend: cfg.MaxConcurrentSends,
		logger:            log.WithComponent("replication_engine"),
		lastNotified:      make(map[notifyKey]time.Time),
		replicateNowCh:    make(chan struct{}, 1),
		cleanupNowCh:      make(chan struct{}, 1),
	}
}

// Run drives the two periodic triggers (interval replication and
// irrelevant-record cleanup) until ctx is cancelled (spec.md §4.7).
func (e *Engine) Run(ctx context.Context) {
	replicateTicker := time.NewTicker(e.replicateInterval)
	defer replicateTicker.Stop()
	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-replicateTicker.C:
			e.runIntervalReplication(ctx)
		case <-e.replicateNowCh:
			e.runIntervalReplication(ctx)
		case <-cleanupTicker.C:
			e.runCleanup(ctx)
		case <-e.cleanupNowCh:
			e.runCleanup(ctx)
		}
	}
}

// TriggerReplication requests an out-of-cycle interval-replication pass,
// used by the admin API's POST /replicate (SPEC_FULL.md §4).
func (e *Engine) TriggerReplication() {
	select {
	case e.replicateNowCh <- struct{}{}:
	default:
	}
}

// TriggerCleanup requests an out-of-cycle cleanup pass, used by the
// admin API's POST /cleanup.
func (e *Engine) TriggerCleanup() {
	select {
	case e.cleanupNowCh <- struct{}{}:
	default:
	}
}

// runIntervalReplication implements spec.md §4.7(a).
func (e *Engine) runIntervalReplication(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationCycleDuration)
	defer metrics.ReplicationCyclesTotal.Inc()

	relevant := make([]types.RecordKey, 0)
	for _, key := range e.store.AllKeys() {
		if e.table.InReplicationGroup(key, e.replicationFactor) {
			relevant = append(relevant, key)
		}
	}
	if len(relevant) == 0 {
		return
	}

	peerKeys := make(map[types.PeerID][]types.RecordKey)
	for _, key := range relevant {
		for _, peer := range e.table.ReplicationGroup(key, e.replicationFactor) {
			if peer == e.table.Local() {
				continue
			}
			nk := notifyKey{peer: peer, key: key}
			e.mu.Lock()
			last, notified := e.lastNotified[nk]
			stale := !notified || time.Since(last) >= e.replicateInterval
			if stale {
				e.lastNotified[nk] = time.Now()
			}
			e.mu.Unlock()
			if stale {
				peerKeys[peer] = append(peerKeys[peer], key)
			}
		}
	}

	if len(peerKeys) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrentSend)
	for peer, keys := range peerKeys {
		peer, keys := peer, keys
		g.Go(func() error {
			if err := e.sender.SendReplicate(gctx, peer, keys); err != nil {
				e.logger.Debug().Str("peer", peer.String()).Err(err).Msg("replicate announcement failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runCleanup implements spec.md §4.7 "Irrelevant-record cleanup".
func (e *Engine) runCleanup(ctx context.Context) {
	for _, key := range e.store.AllKeys() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.isIrrelevant(key) {
			if err := e.store.Remove(key); err != nil {
				e.logger.Warn().Str("key", key.String()).Err(err).Msg("failed to remove irrelevant record")
				continue
			}
			metrics.IrrelevantRecordsRemovedTotal.Inc()
		}
	}
}

func (e *Engine) isIrrelevant(key types.RecordKey) bool {
	if e.table.InReplicationGroup(key, e.replicationFactor+e.cleanupSafety) {
		return false
	}
	return true
}

// NotifyPut implements spec.md §4.7(b) "Fresh-write replication": called
// by the store's caller after a successful local Put.
func (e *Engine) NotifyPut(ctx context.Context, key types.RecordKey, dataType types.DataType, validationType types.ValidationType, payment *types.ProofOfPayment) {
	var record *types.Record
	for i := 0; i < e.flushWaitAttempts; i++ {
		if rec, ok, err := e.store.Get(key); err == nil && ok {
			record = rec
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.flushWaitDelay):
		}
	}
	if record == nil {
		e.logger.Warn().Str("key", key.String()).Msg("fresh write not visible after flush-wait, skipping replication")
		return
	}

	var candidates []types.PeerID
	if payment != nil && payment.HasPayees() {
		candidates = payment.Payees(e.table.Local())
	} else {
		for _, peer := range e.table.ReplicationGroup(key, e.replicationFactor) {
			if peer != e.table.Local() {
				candidates = append(candidates, peer)
			}
		}
	}

	if len(candidates) == 0 {
		return
	}

	entry := types.FreshReplicateEntry{
		Addr:           key,
		DataType:       dataType,
		ValidationType: validationType,
		Payment:        payment,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrentSend)
	for _, peer := range candidates {
		peer := peer
		g.Go(func() error {
			if err := e.sender.SendFreshReplicate(gctx, peer, []types.FreshReplicateEntry{entry}); err != nil {
				e.logger.Debug().Str("peer", peer.String()).Err(err).Msg("fresh replicate send failed")
				return nil
			}
			metrics.FreshReplicateSentTotal.Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// HandleReplicate processes an inbound Cmd::Replicate key announcement
// (spec.md §4.7(a), received side): keys the local store already lacks
// are enqueued into the Fetcher with holder as the preferred source.
func (e *Engine) HandleReplicate(holder types.PeerID, keys []types.RecordKey) {
	missing := make([]KeyValidation, 0, len(keys))
	for _, key := range keys {
		if !e.store.Contains(key) {
			missing = append(missing, KeyValidation{Key: key})
		}
	}
	if len(missing) > 0 {
		e.fetcher.Enqueue(holder, missing)
	}
}

// HandleFreshReplicate processes an inbound Cmd::FreshReplicate
// (spec.md §4.7 "Receiving a FreshReplicate"). Each entry is admitted
// only after payment validation (if present) or, absent a payment, only
// if the node already holds a record at that address.
func (e *Engine) HandleFreshReplicate(holder types.PeerID, entries []types.FreshReplicateEntry) {
	survivors := make([]KeyValidation, 0, len(entries))
	for _, entry := range entries {
		if entry.Payment != nil {
			if e.payments == nil || !e.payments.Validate(*entry.Payment) {
				metrics.FreshReplicateDroppedTotal.WithLabelValues("payment_invalid").Inc()
				continue
			}
		} else if !e.store.Contains(entry.Addr) {
			metrics.FreshReplicateDroppedTotal.WithLabelValues("no_local_record").Inc()
			continue
		}
		survivors = append(survivors, KeyValidation{Key: entry.Addr, ValidationType: entry.ValidationType})
	}
	if len(survivors) > 0 {
		e.fetcher.Enqueue(holder, survivors)
	}
}

// Prefetch implements the node-level helper described in spec.md §4.7
// "Retrieval fallback" (the Rust original's
// fetch_replication_keys_without_wait): for each (holder, key), issue a
// direct GetReplicatedRecord to holder; on failure, fall back to a
// network-wide GetRecord with quorum=One; on success, admit via the
// standard validation path. Fire-and-forget: errors are logged, not
// returned, matching the original's cooperative-prefetch semantics.
func (e *Engine) Prefetch(ctx context.Context, pairs []KeyValidation, holders map[types.RecordKey]types.PeerID) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrentSend)
	for _, pair := range pairs {
		pair := pair
		holder := holders[pair.Key]
		g.Go(func() error {
			record, err := e.fetch.FetchFromHolder(gctx, holder, pair.Key)
			if err != nil || record == nil {
				record, err = e.fetch.FetchFromNetwork(gctx, pair.Key, types.QuorumOneOf())
			}
			if err != nil || record == nil {
				e.logger.Debug().Str("key", pair.Key.String()).Err(err).Msg("prefetch failed")
				return nil
			}
			if err := e.store.Put(*record); err != nil {
				e.logger.Debug().Str("key", pair.Key.String()).Err(err).Msg("prefetched record rejected by store")
			}
			return nil
		})
	}
	_ = g.Wait()
}
