package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/swarmnode/pkg/codec"
	"github.com/cuemby/swarmnode/pkg/relay"
	"github.com/cuemby/swarmnode/pkg/transport"
	"github.com/cuemby/swarmnode/pkg/types"
)

// connectionFor returns a live connection to peer, dialing it if
// necessary via the last-known address. Callers that learn a fresh
// address (e.g. from a GetClosestPeers response) should call
// rememberAddress first.
func (d *Driver) connectionFor(ctx context.Context, peer types.PeerID) (transport.Conn, error) {
	d.connMu.Lock()
	tc, ok := d.conns[peer]
	if ok {
		tc.lastUsed = time.Now()
	}
	d.connMu.Unlock()
	if ok {
		return tc.conn, nil
	}

	address, ok := d.knownAddress(peer)
	if !ok {
		return nil, fmt.Errorf("swarm: no known address for peer %s", peer.String())
	}
	return d.dial(ctx, address)
}

// dial opens a fresh connection and registers it under the remote's
// confirmed identity, replacing any existing entry for that peer.
func (d *Driver) dial(ctx context.Context, address string) (transport.Conn, error) {
	conn, err := d.transport.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	d.registerConn(conn, address)
	return conn, nil
}

func (d *Driver) registerConn(conn transport.Conn, address string) {
	peer := conn.RemotePeer()
	d.connMu.Lock()
	if old, ok := d.conns[peer]; ok && old.conn != conn {
		_ = old.conn.Close()
	}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}
	d.connMu.Unlock()
	d.rememberAddress(peer, address)
}

// roundTrip sends req to peer over a fresh stream and waits for the
// matching reply, tracked in the Pending Request Table by req.ID
// (spec.md §4.6).
func (d *Driver) roundTrip(ctx context.Context, peer types.PeerID, req *types.Request) (*types.Response, error) {
	if req.ID == "" {
		req.ID = newCorrelationID()
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	conn, err := d.connectionFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		d.dropConn(peer, conn)
		return nil, fmt.Errorf("swarm: failed to open stream to %s: %w", peer.String(), err)
	}
	defer stream.Close()

	encoded, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("swarm: failed to encode request: %w", err)
	}
	if err := transport.WriteFrame(stream, encoded); err != nil {
		d.dropConn(peer, conn)
		return nil, fmt.Errorf("swarm: failed to write request: %w", err)
	}

	d.registerPending(req.ID, peer)
	raw, err := transport.ReadFrame(stream)
	if err != nil {
		d.abandonPending(req.ID)
		d.dropConn(peer, conn)
		return nil, fmt.Errorf("swarm: failed to read response: %w", err)
	}
	resp, err := codec.DecodeResponse(raw)
	if err != nil {
		d.abandonPending(req.ID)
		return nil, fmt.Errorf("swarm: failed to decode response: %w", err)
	}
	d.resolvePending(req.ID, resp)
	return resp, nil
}

// sendOnly writes req to peer without waiting for a reply, used for the
// fire-and-forget Cmd::FreshReplicate (spec.md §4.7(b)).
func (d *Driver) sendOnly(ctx context.Context, peer types.PeerID, req *types.Request) error {
	if req.ID == "" {
		req.ID = newCorrelationID()
	}
	conn, err := d.connectionFor(ctx, peer)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		d.dropConn(peer, conn)
		return fmt.Errorf("swarm: failed to open stream to %s: %w", peer.String(), err)
	}
	defer stream.Close()

	encoded, err := codec.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("swarm: failed to encode request: %w", err)
	}
	if err := transport.WriteFrame(stream, encoded); err != nil {
		d.dropConn(peer, conn)
		return fmt.Errorf("swarm: failed to write request: %w", err)
	}
	return nil
}

func (d *Driver) dropConn(peer types.PeerID, conn transport.Conn) {
	d.connMu.Lock()
	if cur, ok := d.conns[peer]; ok && cur.conn == conn {
		delete(d.conns, peer)
	}
	d.connMu.Unlock()
	_ = conn.Close()
}

// SendReplicate implements replication.CommandSender (spec.md §4.7(a)):
// announces the given keys to peer and waits for the ack.
func (d *Driver) SendReplicate(ctx context.Context, peer types.PeerID, keys []types.RecordKey) error {
	req := &types.Request{
		Kind: types.RequestKindCmd,
		Cmd: &types.Cmd{
			Kind:      types.CmdKindReplicate,
			Replicate: &types.ReplicateCmd{Holder: d.self, Keys: keys},
		},
	}
	resp, err := d.roundTrip(ctx, peer, req)
	if err != nil {
		return err
	}
	if resp.Cmd == nil || !resp.Cmd.Ack {
		return fmt.Errorf("swarm: replicate announcement to %s was not acknowledged", peer.String())
	}
	return nil
}

// SendFreshReplicate implements replication.CommandSender (spec.md
// §4.7(b)): fans a freshly-written record's address out to peer,
// fire-and-forget.
func (d *Driver) SendFreshReplicate(ctx context.Context, peer types.PeerID, entries []types.FreshReplicateEntry) error {
	req := &types.Request{
		Kind: types.RequestKindCmd,
		Cmd: &types.Cmd{
			Kind:           types.CmdKindFreshReplicate,
			FreshReplicate: &types.FreshReplicateCmd{Holder: d.self, Keys: entries},
		},
	}
	return d.sendOnly(ctx, peer, req)
}

// FetchFromHolder implements replication.RecordFetcher (spec.md §4.7
// "Retrieval fallback"): queries a specific holder directly.
//
// The wire's GetReplicatedRecordResult only carries (holder, value,
// err), so the returned Record's DataType/ValidationType are left
// zero-valued here, matching the Fetcher's own KeyValidation struct,
// which likewise never threads DataType through a pending entry.
func (d *Driver) FetchFromHolder(ctx context.Context, holder types.PeerID, key types.RecordKey) (*types.Record, error) {
	req := &types.Request{
		Kind: types.RequestKindQuery,
		Query: &types.Query{
			Kind:                types.QueryKindGetReplicatedRecord,
			Requester:           d.self,
			GetReplicatedRecord: &types.GetReplicatedRecordQuery{Key: key},
		},
	}
	resp, err := d.roundTrip(ctx, holder, req)
	if err != nil {
		return nil, err
	}
	if resp.Query == nil || resp.Query.GetReplicatedRecord == nil {
		return nil, fmt.Errorf("swarm: malformed GetReplicatedRecord response from %s", holder.String())
	}
	result := resp.Query.GetReplicatedRecord
	if result.Err != "" {
		return nil, fmt.Errorf("swarm: holder %s reported: %s", holder.String(), result.Err)
	}
	return &types.Record{Key: key, Value: result.Value}, nil
}

// FetchFromNetwork implements replication.RecordFetcher (spec.md §4.2,
// §4.7): queries every member of key's replication group concurrently
// and returns the value a quorum of them agree on, bounded by the
// Kademlia query timeout (spec.md §4.6 "(b) query timeout (10 s)
// reached with best-effort result", §5) so a query completes even if
// some holders never answer.
func (d *Driver) FetchFromNetwork(ctx context.Context, key types.RecordKey, quorum types.Quorum) (*types.Record, error) {
	group := d.table.ReplicationGroup(key, d.replicationFactor)
	if len(group) == 0 {
		return nil, types.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, d.kademliaQueryTimeout)
	defer cancel()

	var mu sync.Mutex
	tally := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.replicationFactor)
	for _, holder := range group {
		holder := holder
		g.Go(func() error {
			record, err := d.FetchFromHolder(gctx, holder, key)
			if err != nil || record == nil {
				return nil
			}
			mu.Lock()
			tally[string(record.Value)]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	threshold := quorum.Threshold(len(group))
	var best string
	bestCount := 0
	for value, count := range tally {
		if count > bestCount {
			best, bestCount = value, count
		}
	}
	if bestCount < threshold {
		return nil, types.ErrQuorumNotReached
	}
	return &types.Record{Key: key, Value: []byte(best)}, nil
}

// FindNode implements discovery.Querier (spec.md §4.3 "FIND_NODE-style
// query"): asks the closest already-known peers to target for their own
// closest peers, dialing and manually promoting anything new it learns.
func (d *Driver) FindNode(ctx context.Context, target types.NetworkAddress) error {
	askPeers := d.table.ClosestTo(target, d.closeGroupSize)
	if len(askPeers) == 0 {
		return fmt.Errorf("swarm: no known peers to query for %x", target[:4])
	}

	ctx, cancel := context.WithTimeout(ctx, d.kademliaQueryTimeout)
	defer cancel()

	req := &types.Request{
		Kind: types.RequestKindQuery,
		Query: &types.Query{
			Kind:            types.QueryKindGetClosestPeers,
			Requester:       d.self,
			GetClosestPeers: &types.GetClosestPeersQuery{Target: target},
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.closeGroupSize)
	for _, peer := range askPeers {
		peer := peer
		g.Go(func() error {
			resp, err := d.roundTrip(gctx, peer, req)
			if err != nil || resp.Query == nil || resp.Query.GetClosestPeers == nil {
				return nil
			}
			for _, pa := range resp.Query.GetClosestPeers.Peers {
				if pa.ID == d.self {
					continue
				}
				if d.table.Contains(pa.ID) {
					continue
				}
				d.rememberAddress(pa.ID, pa.Address)
				if _, err := d.Dial(gctx, pa.Address); err != nil {
					continue
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Dial implements discovery.Dialer: it establishes a connection and
// manually promotes the confirmed identity into the routing table
// (spec.md §4.5 "still subject to manual promotion").
func (d *Driver) Dial(ctx context.Context, address string) (types.PeerID, error) {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return types.PeerID{}, err
	}
	peer := conn.RemotePeer()
	d.table.TryAdd(peer)
	return peer, nil
}

// Reserve implements relay.ReservationClient (spec.md §4.4): reserving a
// circuit with a remote relay server is, at the transport level this
// node speaks, simply dialing and retaining a live connection to it —
// the relay server grants capacity implicitly by accepting the dial. No
// reservation cap is applied on either side: relay.ServerLimits holds the
// configured caps, but nothing in this module enforces them.
func (d *Driver) Reserve(ctx context.Context, server types.PeerID, address string) (relay.Reservation, error) {
	d.rememberAddress(server, address)
	if _, err := d.dial(ctx, address); err != nil {
		return relay.Reservation{}, fmt.Errorf("swarm: relay reservation dial failed: %w", err)
	}
	return relay.Reservation{Server: server, Address: address}, nil
}

// Release implements relay.ReservationClient: drops the retained
// connection, ending the reservation from this node's side.
func (d *Driver) Release(ctx context.Context, r relay.Reservation) error {
	d.connMu.Lock()
	tc, ok := d.conns[r.Server]
	if ok {
		delete(d.conns, r.Server)
	}
	d.connMu.Unlock()
	if ok {
		return tc.conn.Close()
	}
	return nil
}
