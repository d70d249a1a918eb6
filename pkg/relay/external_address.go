package relay

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/rs/zerolog"
)

// candidateObservers tracks the distinct peers that have independently
// reported a given candidate external address.
type candidateObservers struct {
	observers map[string]struct{}
	confirmed bool
}

// ExternalAddressManager implements spec.md §4.4's "External Address
// Manager": it aggregates candidate external addresses learned from
// Identify, UPnP, and observed-address reports, confirming a candidate
// once independently observed by a configurable quorum of unrelated
// peers.
//
// Candidate tracking is bounded by an LRU (golang-lru/v2) so a
// misbehaving or very large peer set cannot grow this table unboundedly
// (SPEC_FULL §2).
type ExternalAddressManager struct {
	quorum int
	cache  *lru.Cache[string, *candidateObservers]

	eventsOut *events.Broker
	logger    zerolog.Logger

	mu        sync.Mutex
	confirmed map[string]struct{}
}

// ExternalAddressManagerConfig configures an ExternalAddressManager.
type ExternalAddressManagerConfig struct {
	// Quorum is the number of distinct observer peers required before a
	// candidate address is confirmed (spec.md §4.4).
	Quorum int
	// MaxCandidates bounds the LRU of in-flight (unconfirmed) candidate
	// addresses.
	MaxCandidates int
	Events        *events.Broker
}

// NewExternalAddressManager constructs an ExternalAddressManager.
func NewExternalAddressManager(cfg ExternalAddressManagerConfig) *ExternalAddressManager {
	if cfg.Quorum <= 0 {
		cfg.Quorum = 3
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 256
	}
	cache, _ := lru.New[string, *candidateObservers](cfg.MaxCandidates)
	return &ExternalAddressManager{
		quorum:    cfg.Quorum,
		cache:     cache,
		eventsOut: cfg.Events,
		logger:    log.WithComponent("external_address_manager"),
		confirmed: make(map[string]struct{}),
	}
}

// Observe records that observerPeer reported candidate as an external
// address for this node (via Identify, UPnP mapping, or an
// observed-address report). Returns true if this observation newly
// confirmed the candidate.
func (m *ExternalAddressManager) Observe(candidate string, observerPeer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, already := m.confirmed[candidate]; already {
		return false
	}

	entry, ok := m.cache.Get(candidate)
	if !ok {
		entry = &candidateObservers{observers: make(map[string]struct{})}
		m.cache.Add(candidate, entry)
	}
	entry.observers[observerPeer] = struct{}{}

	if len(entry.observers) < m.quorum {
		return false
	}

	m.confirmed[candidate] = struct{}{}
	m.cache.Remove(candidate)
	metrics.ExternalAddressesConfirmed.Set(float64(len(m.confirmed)))
	if m.eventsOut != nil {
		m.eventsOut.Publish(&events.Event{Type: events.EventExternalAddress, Message: candidate})
	}
	m.logger.Info().Str("address", candidate).Msg("external address confirmed by quorum")
	return true
}

// Confirmed returns the set of confirmed external addresses, announced
// via Identify and listed in the routing table (spec.md §4.4).
func (m *ExternalAddressManager) Confirmed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.confirmed))
	for addr := range m.confirmed {
		out = append(out, addr)
	}
	return out
}

// HasConfirmedAddress reports whether any address has been confirmed —
// used as the Initial Bootstrap trigger "I know I'm reachable"
// (spec.md §4.5).
func (m *ExternalAddressManager) HasConfirmedAddress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.confirmed) > 0
}
