// Package swarm wires together the routing table, record store,
// replication fetcher/engine, relay manager, network discovery and the
// transport layer into the single swarm Driver that drives the node's
// main loop (spec.md §4.6).
//
// Grounded on the teacher's pkg/manager/manager.go constructor-wiring
// idiom (sequential fail-fast sub-component construction in NewManager)
// and its Shutdown method's stop-dependents-before-dependencies
// ordering, adapted from a Raft/containerd orchestrator to a Kademlia
// swarm's own dependency graph.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/swarmnode/pkg/bootstrapcache"
	"github.com/cuemby/swarmnode/pkg/config"
	"github.com/cuemby/swarmnode/pkg/discovery"
	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/identity"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/cuemby/swarmnode/pkg/relay"
	"github.com/cuemby/swarmnode/pkg/replication"
	"github.com/cuemby/swarmnode/pkg/routing"
	"github.com/cuemby/swarmnode/pkg/security"
	"github.com/cuemby/swarmnode/pkg/store"
	"github.com/cuemby/swarmnode/pkg/transport"
	"github.com/cuemby/swarmnode/pkg/types"
)

// RelayCandidate names a relay server to request a reservation from
// (SPEC_FULL.md §4, config-supplied since candidate discovery via
// Identify is out of scope for this core).
type RelayCandidate struct {
	ID      types.PeerID
	Address string
}

// Config configures a Driver.
type Config struct {
	Node     config.Config
	Identity identity.Identity

	// RelayCandidates seeds the relay Manager when Node.RelayClient is
	// set; empty disables relay-client behaviour even if the flag is on.
	RelayCandidates []RelayCandidate
}

// Driver is the swarm driver of spec.md §4.6: it owns the transport, the
// routing table, the local store, the replication fetcher/engine, and
// (when configured) the relay manager, external address manager, network
// discovery and initial bootstrap sweep, and multiplexes everything onto
// one event loop.
type Driver struct {
	cfg      config.Config
	self     types.PeerID
	identity identity.Identity

	requestTimeout       time.Duration
	kademliaQueryTimeout time.Duration
	idleConnTimeout      time.Duration
	closeGroupSize       int
	replicationFactor    int
	bucketSize           int

	transport transport.Transport
	table     *routing.Table
	store     *store.Store
	fetcher   *replication.Fetcher
	engine    *replication.Engine
	events    *events.Broker

	relayMgr  *relay.Manager
	extAddr   *relay.ExternalAddressManager
	netDisc   *discovery.NetworkDiscovery
	bootstrap *discovery.InitialBootstrap
	bootCache *bootstrapcache.Cache

	addrMu      sync.RWMutex
	addressBook map[types.PeerID]string

	connMu sync.RWMutex
	conns  map[types.PeerID]*trackedConn

	arenaMu sync.Mutex
	arena   map[string]pendingEntry

	localCmdCh   chan namedCommand
	networkCmdCh chan namedCommand

	logger zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeCh chan struct{}
	once    sync.Once
}

// namedCommand is a unit of deferred work run on the driver's own
// goroutine (spec.md §4.6's "local command"/"network command" queues),
// carrying just enough context for DriverEventsTotal labeling.
type namedCommand struct {
	label string
	run   func(ctx context.Context)
}

// trackedConn pairs a live connection with the last time it carried
// traffic, so the connection-pruning timer tick (spec.md §4.6, §5) can
// identify idle connections without guessing.
type trackedConn struct {
	conn     transport.Conn
	lastUsed time.Time
}

// pendingEntry is one Pending Request Table row: the one-shot reply
// sink plus the peer the request was sent to, so the connection-pruning
// tick can recognise a connection pinned by an inflight request (spec.md
// §4.6 "unless pinned by... an inflight request").
type pendingEntry struct {
	ch   chan *types.Response
	peer types.PeerID
}

// New constructs a Driver, wiring every sub-component in dependency
// order and failing fast if any step errors (teacher's NewManager
// idiom). Run must be called afterward to start the event loop and the
// background components' own Run loops.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Node.Validate(); err != nil {
		return nil, fmt.Errorf("swarm: invalid configuration: %w", err)
	}

	if err := store.WipeIfNamespaceMismatch(cfg.Node.RootDir, cfg.Node.NetworkKeyVersion); err != nil {
		return nil, fmt.Errorf("swarm: namespace wipe check failed: %w", err)
	}

	self := cfg.Identity.PeerID
	eventsOut := events.NewBroker()

	seed := security.SeedFromIdentity(cfg.Identity.PublicKey)
	cipher := security.NewRecordCipher(seed)

	recordStore, err := store.Open(store.Config{
		RootDir:       cfg.Node.RootDir,
		Cipher:        cipher,
		MaxValueBytes: cfg.Node.EffectiveMaxValueBytes(),
		Events:        eventsOut,
	})
	if err != nil {
		return nil, fmt.Errorf("swarm: failed to open record store: %w", err)
	}

	table := routing.NewTable(self, config.BucketSize)
	table.OnPeerAdded = func(types.PeerID) { metrics.RoutingTablePeers.Set(float64(table.Size())) }
	table.OnPeerRemoved = func(types.PeerID) { metrics.RoutingTablePeers.Set(float64(table.Size())) }

	var identitySeed [32]byte
	copy(identitySeed[:], cfg.Identity.PrivateKey.Seed())
	quicTransport, err := transport.NewQuicTransport(cfg.Node.ListenAddr, self, identitySeed)
	if err != nil {
		return nil, fmt.Errorf("swarm: failed to start transport: %w", err)
	}

	d := &Driver{
		cfg:                  cfg.Node,
		self:                 self,
		identity:             cfg.Identity,
		requestTimeout:       cfg.Node.RequestTimeout(),
		kademliaQueryTimeout: config.DefaultKademliaQueryTimeout,
		idleConnTimeout:      config.DefaultIdleConnectionTimeout,
		closeGroupSize:       config.CloseGroupSize,
		replicationFactor:    config.ReplicationFactor,
		bucketSize:           config.BucketSize,
		transport:            quicTransport,
		table:                table,
		store:                recordStore,
		events:               eventsOut,
		addressBook:          make(map[types.PeerID]string),
		conns:                make(map[types.PeerID]*trackedConn),
		arena:                make(map[string]pendingEntry),
		localCmdCh:           make(chan namedCommand, config.DefaultQueueSize),
		networkCmdCh:         make(chan namedCommand, config.DefaultQueueSize),
		logger:               log.WithComponent("swarm_driver"),
		closeCh:              make(chan struct{}),
	}

	d.fetcher = replication.NewFetcher(replication.FetcherConfig{
		Self:     self,
		Store:    recordStore,
		Admitter: recordStore,
		Fetch:    d,
		Events:   eventsOut,
	})

	d.engine = replication.NewEngine(replication.EngineConfig{
		Store:             recordStore,
		Table:             table,
		Fetcher:           d.fetcher,
		Fetch:             d,
		Sender:            d,
		Payments:          rejectAllPayments{},
		Events:            eventsOut,
		ReplicationFactor: config.ReplicationFactor,
		ReplicateInterval: config.DefaultReplicationInterval,
		CleanupInterval:   config.DefaultCleanupInterval,
		FlushWaitAttempts: config.DefaultFreshRecordFlushTries,
		FlushWaitDelay:    config.DefaultFreshRecordFlushWait,
	})

	if cfg.Node.BootstrapCachePath != "" {
		cache, err := bootstrapcache.Open(cfg.Node.BootstrapCachePath)
		if err != nil {
			quicTransport.Close()
			return nil, fmt.Errorf("swarm: failed to open bootstrap cache: %w", err)
		}
		d.bootCache = cache
	}

	if cfg.Node.RelayClient && len(cfg.RelayCandidates) > 0 {
		candidates := make([]relay.CandidateServer, 0, len(cfg.RelayCandidates))
		for _, c := range cfg.RelayCandidates {
			candidates = append(candidates, relay.CandidateServer{ID: c.ID, Address: c.Address})
			d.rememberAddress(c.ID, c.Address)
		}
		d.relayMgr = relay.NewManager(relay.ManagerConfig{
			Client:     d,
			Candidates: candidates,
			Events:     eventsOut,
		})
	}

	d.extAddr = relay.NewExternalAddressManager(relay.ExternalAddressManagerConfig{Events: eventsOut})

	d.netDisc = discovery.NewNetworkDiscovery(discovery.NetworkDiscoveryConfig{
		Table:   table,
		Querier: d,
	})

	allContacts := append([]string(nil), cfg.Node.InitialContacts...)
	if d.bootCache != nil {
		if entries, err := d.bootCache.All(); err == nil {
			for _, e := range entries {
				allContacts = append(allContacts, e.Multiaddr)
			}
		}
	}
	d.bootstrap = discovery.NewInitialBootstrap(discovery.InitialBootstrapConfig{
		Contacts: allContacts,
		Dialer:   d,
		Table:    table,
		Trigger: discovery.TriggerSource{
			ReachabilityConfirmed: d.extAddr.HasConfirmedAddress,
			UPnPEnabled:           !cfg.Node.NoUPnP,
		},
	})

	return d, nil
}

// rejectAllPayments is the conservative default PaymentValidator: no
// payment collaborator is wired in, so every FreshReplicate entry that
// carries a payment is dropped; entries without a payment are still
// admitted when the node already holds the record (replication.Engine's
// own rule).
type rejectAllPayments struct{}

func (rejectAllPayments) Validate(types.ProofOfPayment) bool { return false }

// Run starts every sub-component's background loop plus the driver's
// own event loop, and blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.events.Start()

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.acceptLoop(ctx) }()

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.fetcher.Run(ctx) }()

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.engine.Run(ctx) }()

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.netDisc.Run(ctx) }()

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.bootstrap.Run(ctx) }()

	if d.relayMgr != nil {
		d.wg.Add(1)
		go func() { defer d.wg.Done(); d.relayMgr.Run(ctx) }()
	}

	d.runLoop(ctx)
}

// runLoop is the central multiplexer named in spec.md §4.6: network
// commands, local commands and a housekeeping timer, run one at a time
// on this goroutine. Inbound connections, discovery, the background
// components and Get's network fallback run on their own goroutines, so
// the routing table and the connection set are guarded by their own
// locks.
func (d *Driver) runLoop(ctx context.Context) {
	ticker := time.NewTicker(config.DefaultIdleConnectionTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.drainOnShutdown()
			return
		case cmd := <-d.networkCmdCh:
			metrics.DriverEventsTotal.WithLabelValues("network_cmd").Inc()
			cmd.run(ctx)
		case cmd := <-d.localCmdCh:
			metrics.DriverEventsTotal.WithLabelValues("local_cmd").Inc()
			cmd.run(ctx)
		case <-ticker.C:
			metrics.DriverEventsTotal.WithLabelValues("timer").Inc()
			d.sweepArena()
			d.pruneIdleConnections()
		}
	}
}

// drainOnShutdown processes whatever is already queued, one pass each,
// before the loop returns, so in-flight admin API requests complete
// rather than being silently abandoned (spec.md §4.6 "drain, then
// terminate").
func (d *Driver) drainOnShutdown() {
	metrics.DriverEventsTotal.WithLabelValues("shutdown").Inc()
	drainCtx := context.Background()
	for {
		select {
		case cmd := <-d.networkCmdCh:
			cmd.run(drainCtx)
		case cmd := <-d.localCmdCh:
			cmd.run(drainCtx)
		default:
			return
		}
	}
}

// Shutdown stops every sub-component and closes the transport, mirroring
// the teacher's Shutdown ordering: stop dependents (the things that call
// into the transport/store) before the things they depend on.
func (d *Driver) Shutdown() error {
	var shutdownErr error
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()

		d.fetcher.Stop()

		d.connMu.Lock()
		for peer, tc := range d.conns {
			if err := tc.conn.Close(); err != nil {
				d.logger.Debug().Str("peer", peer.String()).Err(err).Msg("error closing connection during shutdown")
			}
		}
		d.conns = make(map[types.PeerID]*trackedConn)
		d.connMu.Unlock()

		if err := d.transport.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("error closing transport")
		}

		if d.bootCache != nil {
			if err := d.bootCache.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("error closing bootstrap cache")
			}
		}

		d.events.Stop()
		close(d.closeCh)
	})
	return shutdownErr
}

// Done returns a channel closed once Shutdown has completed.
func (d *Driver) Done() <-chan struct{} { return d.closeCh }

// Self returns this node's peer id.
func (d *Driver) Self() types.PeerID { return d.self }

// Table exposes the routing table for the admin API's status endpoint.
func (d *Driver) Table() *routing.Table { return d.table }

// Store exposes the record store for the admin API's status endpoint.
func (d *Driver) Store() *store.Store { return d.store }

// Fetcher exposes the fetcher for status reporting.
func (d *Driver) Fetcher() *replication.Fetcher { return d.fetcher }

// Engine exposes the replication engine, used by the admin API's
// POST /replicate and POST /cleanup to trigger out-of-cycle passes.
func (d *Driver) Engine() *replication.Engine { return d.engine }

// RelayManager exposes the relay manager, nil if relay-client is
// disabled.
func (d *Driver) RelayManager() *relay.Manager { return d.relayMgr }

// ExternalAddresses exposes the confirmed external address set.
func (d *Driver) ExternalAddresses() []string { return d.extAddr.Confirmed() }

// rememberAddress records the dialable address last used to reach peer,
// consulted by FindNode/FetchFromNetwork/SendReplicate before dialing.
func (d *Driver) rememberAddress(peer types.PeerID, address string) {
	if address == "" {
		return
	}
	d.addrMu.Lock()
	d.addressBook[peer] = address
	d.addrMu.Unlock()
}

func (d *Driver) knownAddress(peer types.PeerID) (string, bool) {
	d.addrMu.RLock()
	defer d.addrMu.RUnlock()
	addr, ok := d.addressBook[peer]
	return addr, ok
}

// enqueueLocal submits fn onto the local command queue (admin
// API-originated work), dropping it (and counting the drop) if the
// bounded queue is full rather than blocking the caller.
func (d *Driver) enqueueLocal(ctx context.Context, label string, fn func(ctx context.Context)) bool {
	select {
	case d.localCmdCh <- namedCommand{label: label, run: fn}:
		return true
	default:
		metrics.DriverQueueDroppedTotal.WithLabelValues("local_cmd").Inc()
		return false
	}
}

// enqueueNetwork submits fn onto the network command queue (inbound,
// network-originated work such as a received Cmd::Replicate).
func (d *Driver) enqueueNetwork(fn func(ctx context.Context)) bool {
	select {
	case d.networkCmdCh <- namedCommand{run: fn}:
		return true
	default:
		metrics.DriverQueueDroppedTotal.WithLabelValues("network_cmd").Inc()
		return false
	}
}

// newCorrelationID mints a Pending Request Table key (spec.md §4.6).
func newCorrelationID() string {
	return uuid.NewString()
}

// registerPending inserts id into the arena, tagged with the peer the
// request was sent to (consulted by pruneIdleConnections), and returns
// the channel the reply will arrive on.
func (d *Driver) registerPending(id string, peer types.PeerID) chan *types.Response {
	ch := make(chan *types.Response, 1)
	d.arenaMu.Lock()
	d.arena[id] = pendingEntry{ch: ch, peer: peer}
	metrics.PendingRequests.Set(float64(len(d.arena)))
	d.arenaMu.Unlock()
	return ch
}

func (d *Driver) resolvePending(id string, resp *types.Response) {
	d.arenaMu.Lock()
	entry, ok := d.arena[id]
	if ok {
		delete(d.arena, id)
	}
	metrics.PendingRequests.Set(float64(len(d.arena)))
	d.arenaMu.Unlock()
	if ok {
		entry.ch <- resp
	}
}

func (d *Driver) abandonPending(id string) {
	d.arenaMu.Lock()
	delete(d.arena, id)
	metrics.PendingRequests.Set(float64(len(d.arena)))
	d.arenaMu.Unlock()
	metrics.RequestTimeoutsTotal.Inc()
}

// sweepArena is a placeholder hook for future idle-entry reclamation;
// today every entry is removed by resolvePending or abandonPending, so
// this only refreshes the gauge in case of drift.
func (d *Driver) sweepArena() {
	d.arenaMu.Lock()
	metrics.PendingRequests.Set(float64(len(d.arena)))
	d.arenaMu.Unlock()
}

// hasInflightRequest reports whether peer is the destination of any
// currently-pending outbound request.
func (d *Driver) hasInflightRequest(peer types.PeerID) bool {
	d.arenaMu.Lock()
	defer d.arenaMu.Unlock()
	for _, entry := range d.arena {
		if entry.peer == peer {
			return true
		}
	}
	return false
}

// pruneIdleConnections is the connection-pruning timer-tick
// responsibility of spec.md §4.6: drop connections that have carried no
// traffic for idleConnTimeout, unless the peer is pinned by a held relay
// reservation or by an inflight request (spec.md §4.6, §5).
func (d *Driver) pruneIdleConnections() {
	cutoff := time.Now().Add(-d.idleConnTimeout)

	d.connMu.RLock()
	candidates := make(map[types.PeerID]*trackedConn)
	for peer, tc := range d.conns {
		if tc.lastUsed.Before(cutoff) {
			candidates[peer] = tc
		}
	}
	d.connMu.RUnlock()

	for peer, tc := range candidates {
		if d.relayMgr != nil && d.relayMgr.HasReservation(peer) {
			continue
		}
		if d.hasInflightRequest(peer) {
			continue
		}

		d.connMu.Lock()
		cur, ok := d.conns[peer]
		if ok && cur == tc {
			delete(d.conns, peer)
		}
		d.connMu.Unlock()

		if ok && cur == tc {
			d.logger.Debug().Str("peer", peer.String()).Msg("closing idle connection")
			_ = tc.conn.Close()
		}
	}
}
