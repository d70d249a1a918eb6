package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/swarmnode/pkg/codec"
	"github.com/cuemby/swarmnode/pkg/events"
	"github.com/cuemby/swarmnode/pkg/transport"
	"github.com/cuemby/swarmnode/pkg/types"
)

// acceptLoop accepts inbound connections until ctx is cancelled, handing
// each one off to its own stream-serving goroutine (spec.md §4.6: "many
// independent tasks for... inbound streams").
func (d *Driver) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug().Err(err).Msg("accept failed")
			continue
		}

		d.connMu.Lock()
		d.conns[conn.RemotePeer()] = &trackedConn{conn: conn, lastUsed: time.Now()}
		d.connMu.Unlock()

		if d.events != nil {
			d.events.Publish(&events.Event{Type: events.EventPeerConnected, Message: conn.RemotePeer().String()})
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(ctx, conn)
		}()
	}
}

// serveConn accepts every inbound stream on conn and handles each as one
// Request/Response exchange, until the connection closes or ctx is
// cancelled.
func (d *Driver) serveConn(ctx context.Context, conn transport.Conn) {
	defer func() {
		d.connMu.Lock()
		if cur, ok := d.conns[conn.RemotePeer()]; ok && cur.conn == conn {
			delete(d.conns, conn.RemotePeer())
		}
		d.connMu.Unlock()
		_ = conn.Close()
		if d.events != nil {
			d.events.Publish(&events.Event{Type: events.EventPeerDisconnected, Message: conn.RemotePeer().String()})
		}
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleStream(ctx, conn.RemotePeer(), stream)
		}()
	}
}

// handleStream reads exactly one Request from stream, dispatches it, and
// writes back the Response (except for Cmd::FreshReplicate, which is
// fire-and-forget and gets no reply at all per spec.md §4.7(b)).
func (d *Driver) handleStream(ctx context.Context, from types.PeerID, stream transport.Stream) {
	defer stream.Close()

	raw, err := transport.ReadFrame(stream)
	if err != nil {
		return
	}
	req, err := codec.DecodeRequest(raw)
	if err != nil {
		d.logger.Debug().Str("peer", from.String()).Err(err).Msg("failed to decode inbound request")
		return
	}

	resp, skipReply := d.dispatch(ctx, from, req)
	if skipReply {
		return
	}

	encoded, err := codec.EncodeResponse(resp)
	if err != nil {
		d.logger.Debug().Err(err).Msg("failed to encode response")
		return
	}
	if err := transport.WriteFrame(stream, encoded); err != nil {
		d.logger.Debug().Str("peer", from.String()).Err(err).Msg("failed to write response")
	}
}

var errUnknownRequest = errors.New("swarm: unrecognised request kind")

// dispatch routes an inbound Request to the right handler and builds its
// Response. The second return value is true only for the fire-and-forget
// Cmd::FreshReplicate path.
func (d *Driver) dispatch(ctx context.Context, from types.PeerID, req *types.Request) (*types.Response, bool) {
	switch req.Kind {
	case types.RequestKindQuery:
		return d.dispatchQuery(req), false
	case types.RequestKindCmd:
		return d.dispatchCmd(from, req)
	default:
		d.logger.Debug().Str("peer", from.String()).Msg(errUnknownRequest.Error())
		return &types.Response{ID: req.ID, Kind: req.Kind}, false
	}
}

func (d *Driver) dispatchQuery(req *types.Request) *types.Response {
	if req.Query == nil {
		return &types.Response{ID: req.ID, Kind: types.RequestKindQuery}
	}

	switch req.Query.Kind {
	case types.QueryKindGetReplicatedRecord:
		return d.handleGetReplicatedRecord(req)
	case types.QueryKindGetClosestPeers:
		return d.handleGetClosestPeers(req)
	default:
		return &types.Response{ID: req.ID, Kind: types.RequestKindQuery}
	}
}

func (d *Driver) handleGetReplicatedRecord(req *types.Request) *types.Response {
	key := req.Query.GetReplicatedRecord.Key
	result := &types.GetReplicatedRecordResult{Holder: d.self}

	record, ok, err := d.store.Get(key)
	switch {
	case err != nil:
		result.Err = err.Error()
	case !ok:
		result.Err = types.ErrNotFound.Error()
	default:
		result.Value = record.Value
	}

	return &types.Response{
		ID:   req.ID,
		Kind: types.RequestKindQuery,
		Query: &types.QueryResponse{
			Kind:                types.QueryKindGetReplicatedRecord,
			GetReplicatedRecord: result,
		},
	}
}

func (d *Driver) handleGetClosestPeers(req *types.Request) *types.Response {
	target := req.Query.GetClosestPeers.Target
	closest := d.table.ClosestTo(target, d.bucketSize)

	peers := make([]types.PeerAddr, 0, len(closest))
	for _, id := range closest {
		if addr, ok := d.knownAddress(id); ok {
			peers = append(peers, types.PeerAddr{ID: id, Address: addr})
		}
	}

	return &types.Response{
		ID:   req.ID,
		Kind: types.RequestKindQuery,
		Query: &types.QueryResponse{
			Kind:            types.QueryKindGetClosestPeers,
			GetClosestPeers: &types.GetClosestPeersResult{Peers: peers},
		},
	}
}

// dispatchCmd handles inbound Cmd messages. Both kinds hand the actual
// work off to the network command queue so the stream-serving goroutine
// is never blocked behind the Fetcher/Engine's own locking.
func (d *Driver) dispatchCmd(from types.PeerID, req *types.Request) (*types.Response, bool) {
	if req.Cmd == nil {
		return &types.Response{ID: req.ID, Kind: types.RequestKindCmd}, false
	}

	switch req.Cmd.Kind {
	case types.CmdKindReplicate:
		cmd := req.Cmd.Replicate
		d.enqueueNetwork(func(context.Context) {
			d.engine.HandleReplicate(cmd.Holder, cmd.Keys)
		})
		return &types.Response{
			ID:   req.ID,
			Kind: types.RequestKindCmd,
			Cmd:  &types.CmdResponse{Kind: types.CmdKindReplicate, Ack: true},
		}, false

	case types.CmdKindFreshReplicate:
		cmd := req.Cmd.FreshReplicate
		d.enqueueNetwork(func(context.Context) {
			d.engine.HandleFreshReplicate(cmd.Holder, cmd.Keys)
		})
		return nil, true

	default:
		return &types.Response{ID: req.ID, Kind: types.RequestKindCmd}, false
	}
}
