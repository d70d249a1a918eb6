// Package discovery implements Network Discovery (spec.md §4.3) and
// Initial Bootstrap (spec.md §4.5): the two mechanisms by which a node
// proactively explores the keyspace and dials its configured contacts,
// now that periodic Kademlia bootstrap/republish is disabled.
//
// Grounded on the teacher's pkg/reconciler ticker+stopCh idiom for the
// sparsest-bucket exploration loop, and golang.org/x/sync/errgroup
// (already an indirect teacher dependency, promoted to direct use here)
// for the capped-concurrency dial sweep.
package discovery

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/rs/zerolog"
)

// RoutingTable is the subset of routing.Table's API Network Discovery
// needs to pick an exploration target.
type RoutingTable interface {
	SparsestBucket() int
	BucketCount() int
	Local() types.PeerID
}

// Querier issues the FIND_NODE-style query that populates a bucket.
// The swarm driver supplies the concrete implementation over the wire.
type Querier interface {
	FindNode(ctx context.Context, target types.NetworkAddress) error
}

// NetworkDiscoveryConfig configures a NetworkDiscovery loop.
type NetworkDiscoveryConfig struct {
	Table    RoutingTable
	Querier  Querier
	Interval time.Duration
}

// NetworkDiscovery implements spec.md §4.3: periodically picks the
// sparsest bucket and asks the routing layer for a random target at
// that distance, triggering a FIND_NODE-style query. This is the only
// proactive keyspace exploration mechanism — periodic Kademlia
// bootstrap is disabled (spec.md §1 Non-goals).
type NetworkDiscovery struct {
	table    RoutingTable
	querier  Querier
	interval time.Duration
	logger   zerolog.Logger
}

// NewNetworkDiscovery constructs a NetworkDiscovery loop.
func NewNetworkDiscovery(cfg NetworkDiscoveryConfig) *NetworkDiscovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	return &NetworkDiscovery{
		table:    cfg.Table,
		querier:  cfg.Querier,
		interval: cfg.Interval,
		logger:   log.WithComponent("network_discovery"),
	}
}

// Run drives the periodic sparsest-bucket exploration until ctx is
// cancelled.
func (d *NetworkDiscovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.exploreOnce(ctx)
		}
	}
}

func (d *NetworkDiscovery) exploreOnce(ctx context.Context) {
	bucketIdx := d.table.SparsestBucket()
	target := randomAddressAtCPL(d.table.Local().Addr(), bucketIdx)

	if err := d.querier.FindNode(ctx, target); err != nil {
		d.logger.Debug().Int("bucket", bucketIdx).Err(err).Msg("sparsest-bucket exploration query failed")
	}
}

// randomAddressAtCPL returns a random address whose common prefix
// length with local is exactly cpl: it copies local's first cpl bits,
// flips the next bit, and randomizes the rest.
func randomAddressAtCPL(local types.NetworkAddress, cpl int) types.NetworkAddress {
	var target types.NetworkAddress
	copy(target[:], local[:])

	if cpl >= len(target)*8 {
		return target
	}

	byteIdx := cpl / 8
	bitIdx := cpl % 8
	flipMask := byte(0x80) >> uint(bitIdx)
	target[byteIdx] ^= flipMask

	// Randomize every bit after the distinguishing one.
	keepMask := byte(0xFF) << uint(8-bitIdx)
	target[byteIdx] = (target[byteIdx] & (keepMask | flipMask)) | (byte(rand.Intn(256)) &^ (keepMask | flipMask))
	for i := byteIdx + 1; i < len(target); i++ {
		target[i] = byte(rand.Intn(256))
	}
	return target
}

// Dialer dials a single bootstrap contact. The transport layer supplies
// the concrete implementation.
type Dialer interface {
	Dial(ctx context.Context, address string) (types.PeerID, error)
}

// RoutingPromoter is the subset of the routing table's API used to
// manually promote a successfully-dialled peer (spec.md §4.5 "still
// subject to manual promotion").
type RoutingPromoter interface {
	TryAdd(id types.PeerID) bool
}

// TriggerSource reports the conditions named in spec.md §4.5 that fire
// the one-shot dial sweep: "the ExternalAddressManager signalling 'I
// know I'm reachable', or a UPnP-enabled flag, or a timeout".
type TriggerSource struct {
	// ReachabilityConfirmed should report whether the External Address
	// Manager has confirmed at least one address.
	ReachabilityConfirmed func() bool
	// UPnPEnabled reports whether UPnP port mapping is configured.
	UPnPEnabled bool
	// Timeout fires the sweep unconditionally after this duration if no
	// other trigger has fired yet.
	Timeout time.Duration
}

// InitialBootstrapConfig configures the one-shot dial sweep.
type InitialBootstrapConfig struct {
	Contacts          []string
	Dialer            Dialer
	Table             RoutingPromoter
	MaxConcurrentDial int
	Trigger           TriggerSource
}

// InitialBootstrap implements spec.md §4.5: holds the configured
// bootstrap multi-addresses and fires a capped-concurrency one-shot
// dial sweep once a trigger condition is met.
type InitialBootstrap struct {
	contacts  []string
	dialer    Dialer
	table     RoutingPromoter
	maxDial   int
	trigger   TriggerSource
	logger    zerolog.Logger
	fired     chan struct{}
	fireOnce  bool
}

// NewInitialBootstrap constructs an InitialBootstrap sweep.
func NewInitialBootstrap(cfg InitialBootstrapConfig) *InitialBootstrap {
	if cfg.MaxConcurrentDial <= 0 {
		cfg.MaxConcurrentDial = 8
	}
	if cfg.Trigger.Timeout <= 0 {
		cfg.Trigger.Timeout = 10 * time.Second
	}
	return &InitialBootstrap{
		contacts: cfg.Contacts,
		dialer:   cfg.Dialer,
		table:    cfg.Table,
		maxDial:  cfg.MaxConcurrentDial,
		trigger:  cfg.Trigger,
		logger:   log.WithComponent("initial_bootstrap"),
		fired:    make(chan struct{}),
	}
}

// Run waits for a trigger condition and then performs exactly one dial
// sweep before returning.
func (b *InitialBootstrap) Run(ctx context.Context) {
	pollInterval := 250 * time.Millisecond
	timeout := time.After(b.trigger.Timeout)

	for {
		if b.trigger.UPnPEnabled {
			b.sweep(ctx)
			return
		}
		if b.trigger.ReachabilityConfirmed != nil && b.trigger.ReachabilityConfirmed() {
			b.sweep(ctx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			b.sweep(ctx)
			return
		case <-time.After(pollInterval):
		}
	}
}

func (b *InitialBootstrap) sweep(ctx context.Context) {
	if b.fireOnce {
		return
	}
	b.fireOnce = true
	close(b.fired)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxDial)
	for _, addr := range b.contacts {
		addr := addr
		g.Go(func() error {
			peer, err := b.dialer.Dial(gctx, addr)
			if err != nil {
				b.logger.Debug().Str("address", addr).Err(err).Msg("bootstrap dial failed")
				return nil
			}
			b.table.TryAdd(peer)
			return nil
		})
	}
	_ = g.Wait()
}

// Done returns a channel closed once the one-shot sweep has fired.
func (b *InitialBootstrap) Done() <-chan struct{} {
	return b.fired
}
