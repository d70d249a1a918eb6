// Package relay implements the Relay Manager and External Address
// Manager of spec.md §4.4, plus the relay-server role's configured
// capacity limits.
//
// Grounded on the teacher's pkg/scheduler ticker+stopCh loop idiom for
// the two periodic probes, and on pkg/health.TCPChecker for relay
// reservation reachability probing.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/health"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/rs/zerolog"
)

// ServerLimits are the relay-server role's configured caps (spec.md
// §4.4, SPEC_FULL §3: "128 reservations, 1024 total circuits, 256 per
// peer, per-circuit byte limit = max packet size"), applied when this
// node itself acts as a relay server for non-relay-client peers.
type ServerLimits struct {
	MaxReservations     int
	MaxCircuits         int
	MaxCircuitsPerPeer  int
	PerCircuitByteLimit int
}

// DefaultServerLimits returns the caps named in spec.md §4.4.
func DefaultServerLimits() ServerLimits {
	return ServerLimits{
		MaxReservations:     128,
		MaxCircuits:         1024,
		MaxCircuitsPerPeer:  256,
		PerCircuitByteLimit: types.MaxValueBytes,
	}
}

// Reservation is an active reservation held with a remote relay server.
type Reservation struct {
	Server  types.PeerID
	Address string // dialable TCP address used for health probing
}

// ReservationClient negotiates reservations with remote relay servers.
// The transport layer supplies the concrete implementation.
type ReservationClient interface {
	Reserve(ctx context.Context, server types.PeerID, address string) (Reservation, error)
	Release(ctx context.Context, r Reservation) error
}

// Manager is the Relay Manager of spec.md §4.4: negotiates and retains
// up to MaxReservations reservations with remote relay servers,
// periodically probes reachability, and replaces unhealthy ones.
type Manager struct {
	client          ReservationClient
	maxReservations int
	probeEvery      time.Duration
	candidates      []CandidateServer
	eventsOut       *events.Broker
	logger          zerolog.Logger

	mu           sync.Mutex
	reservations map[types.PeerID]Reservation
}

// CandidateServer is a relay server this node may request a reservation
// from, supplied by configuration or discovery.
type CandidateServer struct {
	ID      types.PeerID
	Address string
}

// ManagerConfig configures a relay Manager.
type ManagerConfig struct {
	Client          ReservationClient
	MaxReservations int
	ProbeInterval   time.Duration
	Candidates      []CandidateServer
	Events          *events.Broker
}

// NewManager constructs a relay Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxReservations <= 0 {
		cfg.MaxReservations = 3
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	return &Manager{
		client:          cfg.Client,
		maxReservations: cfg.MaxReservations,
		probeEvery:      cfg.ProbeInterval,
		candidates:      cfg.Candidates,
		eventsOut:       cfg.Events,
		logger:          log.WithComponent("relay_manager"),
		reservations:    make(map[types.PeerID]Reservation),
	}
}

// Run maintains the reservation set: it fills vacancies from the
// candidate list and periodically probes held reservations, dropping
// and replacing unhealthy ones (spec.md §4.4).
func (m *Manager) Run(ctx context.Context) {
	m.fillVacancies(ctx)

	ticker := time.NewTicker(m.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
			m.fillVacancies(ctx)
		}
	}
}

func (m *Manager) fillVacancies(ctx context.Context) {
	m.mu.Lock()
	have := len(m.reservations)
	needed := m.maxReservations - have
	m.mu.Unlock()
	if needed <= 0 {
		return
	}

	for _, candidate := range m.candidates {
		if needed <= 0 {
			break
		}
		m.mu.Lock()
		_, already := m.reservations[candidate.ID]
		m.mu.Unlock()
		if already {
			continue
		}

		r, err := m.client.Reserve(ctx, candidate.ID, candidate.Address)
		if err != nil {
			m.logger.Debug().Str("server", candidate.ID.String()).Err(err).Msg("reservation request failed")
			continue
		}

		m.mu.Lock()
		m.reservations[candidate.ID] = r
		n := len(m.reservations)
		m.mu.Unlock()
		metrics.RelayReservationsActive.Set(float64(n))
		m.publishReservationChange()
		needed--
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[types.PeerID]Reservation, len(m.reservations))
	for k, v := range m.reservations {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for server, r := range snapshot {
		checker := health.NewTCPChecker(r.Address)
		result := checker.Check(ctx)
		if result.Healthy {
			continue
		}

		m.logger.Warn().Str("server", server.String()).Str("address", r.Address).Msg("relay reservation unhealthy, dropping")
		_ = m.client.Release(ctx, r)

		m.mu.Lock()
		delete(m.reservations, server)
		n := len(m.reservations)
		m.mu.Unlock()
		metrics.RelayReservationsActive.Set(float64(n))
		m.publishReservationChange()
	}
}

func (m *Manager) publishReservationChange() {
	if m.eventsOut == nil {
		return
	}
	m.eventsOut.Publish(&events.Event{Type: events.EventRelayReservation})
}

// ConnectedRelayClients returns the relay servers this node currently
// holds reservations with (the keys of its reservation set). It does not
// track peers that use this node as their relay destination.
func (m *Manager) ConnectedRelayClients() []types.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PeerID, 0, len(m.reservations))
	for peer := range m.reservations {
		out = append(out, peer)
	}
	return out
}

// ActiveReservationCount reports the number of currently-held
// reservations, used by the admin API status endpoint.
func (m *Manager) ActiveReservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

// HasReservation reports whether server is currently held as a relay
// reservation, consulted by the swarm driver's connection-pruning timer
// tick so a pinned relay connection is never dropped as idle (spec.md
// §4.6 "unless pinned by a relay reservation").
func (m *Manager) HasReservation(server types.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reservations[server]
	return ok
}
