package swarm

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/swarmnode/pkg/codec"
	"github.com/cuemby/swarmnode/pkg/relay"
	"github.com/cuemby/swarmnode/pkg/routing"
	"github.com/cuemby/swarmnode/pkg/transport"
	"github.com/cuemby/swarmnode/pkg/types"
)

// fakeStream is an in-memory transport.Stream: writes accumulate in
// written, reads are served from a pre-built response buffer.
type fakeStream struct {
	mu      sync.Mutex
	written bytes.Buffer
	toRead  *bytes.Reader
	closed  bool
}

func newFakeStream(resp *types.Response) *fakeStream {
	var buf bytes.Buffer
	if resp != nil {
		encoded, err := codec.EncodeResponse(resp)
		if err != nil {
			panic(err)
		}
		if err := transport.WriteFrame(&buf, encoded); err != nil {
			panic(err)
		}
	}
	return &fakeStream{toRead: bytes.NewReader(buf.Bytes())}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toRead.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeConn is an in-memory transport.Conn returning a single preset
// stream from OpenStream, queued per call.
type fakeConn struct {
	mu        sync.Mutex
	remote    types.PeerID
	responses []*types.Response
	opened    int
	closed    bool
}

func (c *fakeConn) RemotePeer() types.PeerID { return c.remote }

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var resp *types.Response
	if c.opened < len(c.responses) {
		resp = c.responses[c.opened]
	}
	c.opened++
	return newFakeStream(resp), nil
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeTransport hands out a fixed fakeConn per dialed address.
type fakeTransport struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	dials []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(map[string]*fakeConn)}
}

func (t *fakeTransport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials = append(t.dials, address)
	conn, ok := t.conns[address]
	if !ok {
		return nil, assertDialErr
	}
	return conn, nil
}

func (t *fakeTransport) Accept(ctx context.Context) (transport.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *fakeTransport) LocalAddr() string { return "fake:0" }
func (t *fakeTransport) Close() error      { return nil }

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

var assertDialErr = &simpleErr{"no conn registered for address"}

func newDriverWithFakeTransport(t *testing.T, tp *fakeTransport) *Driver {
	d := newDriverWithStoreAndTable(t)
	d.transport = tp
	d.requestTimeout = 5 * time.Second
	return d
}

func TestConnectionForCachesExistingConnection(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(1)
	conn := &fakeConn{remote: peer}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	got, err := d.connectionFor(context.Background(), peer)
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Empty(t, tp.dials, "a cached connection should never be re-dialed")
}

func TestConnectionForDialsOnMiss(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(2)
	conn := &fakeConn{remote: peer}
	tp.conns["10.0.0.9:4242"] = conn
	d.rememberAddress(peer, "10.0.0.9:4242")

	got, err := d.connectionFor(context.Background(), peer)
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, []string{"10.0.0.9:4242"}, tp.dials)
}

func TestConnectionForFailsWithNoKnownAddress(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	_, err := d.connectionFor(context.Background(), peerFromByte(3))
	assert.Error(t, err)
}

func TestDropConnClosesAndForgetsConnection(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(4)
	conn := &fakeConn{remote: peer}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	d.dropConn(peer, conn)

	assert.True(t, conn.closed)
	_, ok := d.conns[peer]
	assert.False(t, ok)
}

func TestSendReplicateSucceedsOnAck(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(5)
	conn := &fakeConn{remote: peer, responses: []*types.Response{
		{Kind: types.RequestKindCmd, Cmd: &types.CmdResponse{Kind: types.CmdKindReplicate, Ack: true}},
	}}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	err := d.SendReplicate(context.Background(), peer, []types.RecordKey{types.RecordKey(peerFromByte(6))})
	assert.NoError(t, err)
}

func TestSendReplicateFailsWithoutAck(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(7)
	conn := &fakeConn{remote: peer, responses: []*types.Response{
		{Kind: types.RequestKindCmd, Cmd: &types.CmdResponse{Kind: types.CmdKindReplicate, Ack: false}},
	}}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	err := d.SendReplicate(context.Background(), peer, nil)
	assert.Error(t, err)
}

func TestFetchFromHolderReturnsValueOnSuccess(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(8)
	key := types.RecordKey(peerFromByte(9))
	conn := &fakeConn{remote: peer, responses: []*types.Response{
		{
			Kind: types.RequestKindQuery,
			Query: &types.QueryResponse{
				Kind:                types.QueryKindGetReplicatedRecord,
				GetReplicatedRecord: &types.GetReplicatedRecordResult{Holder: peer, Value: []byte("payload")},
			},
		},
	}}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	rec, err := d.FetchFromHolder(context.Background(), peer, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), rec.Value)
	assert.Equal(t, key, rec.Key)
}

func TestFetchFromHolderPropagatesHolderError(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(10)
	conn := &fakeConn{remote: peer, responses: []*types.Response{
		{
			Kind: types.RequestKindQuery,
			Query: &types.QueryResponse{
				Kind:                types.QueryKindGetReplicatedRecord,
				GetReplicatedRecord: &types.GetReplicatedRecordResult{Holder: peer, Err: "not found"},
			},
		},
	}}
	d.conns[peer] = &trackedConn{conn: conn, lastUsed: time.Now()}

	_, err := d.FetchFromHolder(context.Background(), peer, types.RecordKey(peerFromByte(11)))
	assert.Error(t, err)
}

func TestFetchFromNetworkReachesQuorum(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)
	d.table = routing.NewTable(d.self, 20)
	d.replicationFactor = 3

	key := types.RecordKey(peerFromByte(20))
	for i := byte(1); i <= 3; i++ {
		peer := peerFromByte(i)
		d.table.TryAdd(peer)
		d.conns[peer] = &trackedConn{conn: &fakeConn{remote: peer, responses: []*types.Response{
			{
				Kind: types.RequestKindQuery,
				Query: &types.QueryResponse{
					Kind:                types.QueryKindGetReplicatedRecord,
					GetReplicatedRecord: &types.GetReplicatedRecordResult{Holder: peer, Value: []byte("agreed")},
				},
			},
		}}, lastUsed: time.Now()}
	}

	rec, err := d.FetchFromNetwork(context.Background(), key, types.QuorumMajorityOf())
	require.NoError(t, err)
	assert.Equal(t, []byte("agreed"), rec.Value)
}

func TestFetchFromNetworkReturnsErrorWithoutQuorum(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)
	d.table = routing.NewTable(d.self, 20)
	d.replicationFactor = 3

	key := types.RecordKey(peerFromByte(21))
	values := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for i := byte(1); i <= 3; i++ {
		peer := peerFromByte(i)
		d.table.TryAdd(peer)
		d.conns[peer] = &trackedConn{conn: &fakeConn{remote: peer, responses: []*types.Response{
			{
				Kind: types.RequestKindQuery,
				Query: &types.QueryResponse{
					Kind:                types.QueryKindGetReplicatedRecord,
					GetReplicatedRecord: &types.GetReplicatedRecordResult{Holder: peer, Value: values[i-1]},
				},
			},
		}}, lastUsed: time.Now()}
	}

	_, err := d.FetchFromNetwork(context.Background(), key, types.QuorumAllOf())
	assert.ErrorIs(t, err, types.ErrQuorumNotReached)
}

func TestFetchFromNetworkNoReplicationGroupMembers(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)
	d.table = routing.NewTable(d.self, 20)

	_, err := d.FetchFromNetwork(context.Background(), types.RecordKey(peerFromByte(22)), types.QuorumMajorityOf())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDialPromotesPeerIntoRoutingTable(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	peer := peerFromByte(30)
	tp.conns["10.0.0.2:4242"] = &fakeConn{remote: peer}

	got, err := d.Dial(context.Background(), "10.0.0.2:4242")
	require.NoError(t, err)
	assert.Equal(t, peer, got)
	assert.True(t, d.table.Contains(peer))
}

func TestReserveDialsAndTracksReservation(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	server := peerFromByte(40)
	tp.conns["relay.example:4242"] = &fakeConn{remote: server}

	res, err := d.Reserve(context.Background(), server, "relay.example:4242")
	require.NoError(t, err)
	assert.Equal(t, server, res.Server)
	assert.Equal(t, "relay.example:4242", res.Address)
	_, ok := d.conns[server]
	assert.True(t, ok)
}

func TestReleaseClosesAndForgetsConnection(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	server := peerFromByte(41)
	conn := &fakeConn{remote: server}
	d.conns[server] = &trackedConn{conn: conn, lastUsed: time.Now()}

	err := d.Release(context.Background(), relay.Reservation{Server: server, Address: "relay.example:4242"})
	require.NoError(t, err)
	assert.True(t, conn.closed)
	_, ok := d.conns[server]
	assert.False(t, ok)
}

func TestReleaseUnknownReservationIsNoop(t *testing.T) {
	tp := newFakeTransport()
	d := newDriverWithFakeTransport(t, tp)

	err := d.Release(context.Background(), relay.Reservation{Server: peerFromByte(42)})
	assert.NoError(t, err)
}
