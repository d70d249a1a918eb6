package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newBareDriver() *Driver {
	return &Driver{
		addressBook:     make(map[types.PeerID]string),
		conns:           make(map[types.PeerID]*trackedConn),
		arena:           make(map[string]pendingEntry),
		localCmdCh:      make(chan namedCommand, 2),
		networkCmdCh:    make(chan namedCommand, 2),
		idleConnTimeout: 10 * time.Second,
		logger:          log.WithComponent("swarm_driver_test"),
	}
}

func peerFromByte(b byte) types.PeerID {
	var p types.PeerID
	p[0] = b
	return p
}

func TestRememberAndKnownAddress(t *testing.T) {
	d := newBareDriver()
	peer := peerFromByte(1)

	_, ok := d.knownAddress(peer)
	assert.False(t, ok)

	d.rememberAddress(peer, "10.0.0.1:4242")
	addr, ok := d.knownAddress(peer)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:4242", addr)

	// An empty address is never recorded.
	d.rememberAddress(peerFromByte(2), "")
	_, ok = d.knownAddress(peerFromByte(2))
	assert.False(t, ok)
}

func TestEnqueueLocalRunsOnConsumer(t *testing.T) {
	d := newBareDriver()

	ran := make(chan struct{})
	ok := d.enqueueLocal(context.Background(), "put", func(context.Context) { close(ran) })
	assert.True(t, ok)

	select {
	case cmd := <-d.localCmdCh:
		cmd.run(context.Background())
	case <-ran:
		t.Fatal("command ran before being dequeued")
	}

	select {
	case <-ran:
	default:
		t.Fatal("expected queued command to have run")
	}
}

func TestEnqueueLocalDropsWhenQueueFull(t *testing.T) {
	d := newBareDriver()
	d.localCmdCh = make(chan namedCommand, 1)

	assert.True(t, d.enqueueLocal(context.Background(), "a", func(context.Context) {}))
	assert.False(t, d.enqueueLocal(context.Background(), "b", func(context.Context) {}))
}

func TestEnqueueNetworkDropsWhenQueueFull(t *testing.T) {
	d := newBareDriver()
	d.networkCmdCh = make(chan namedCommand, 1)

	assert.True(t, d.enqueueNetwork(func(context.Context) {}))
	assert.False(t, d.enqueueNetwork(func(context.Context) {}))
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a := newCorrelationID()
	b := newCorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestPendingArenaRegisterResolve(t *testing.T) {
	d := newBareDriver()

	id := newCorrelationID()
	ch := d.registerPending(id, peerFromByte(9))

	resp := &types.Response{ID: id}
	d.resolvePending(id, resp)

	select {
	case got := <-ch:
		assert.Same(t, resp, got)
	default:
		t.Fatal("expected a resolved response on the reply channel")
	}

	d.arenaMu.Lock()
	_, stillPresent := d.arena[id]
	d.arenaMu.Unlock()
	assert.False(t, stillPresent)
}

func TestPendingArenaResolveUnknownIDIsNoop(t *testing.T) {
	d := newBareDriver()
	assert.NotPanics(t, func() { d.resolvePending("no-such-id", &types.Response{}) })
}

func TestPendingArenaAbandon(t *testing.T) {
	d := newBareDriver()
	id := newCorrelationID()
	d.registerPending(id, peerFromByte(9))

	d.abandonPending(id)

	d.arenaMu.Lock()
	_, stillPresent := d.arena[id]
	d.arenaMu.Unlock()
	assert.False(t, stillPresent)
}

func TestHasInflightRequestTracksPendingPeer(t *testing.T) {
	d := newBareDriver()
	peer := peerFromByte(12)

	assert.False(t, d.hasInflightRequest(peer))

	id := newCorrelationID()
	d.registerPending(id, peer)
	assert.True(t, d.hasInflightRequest(peer))

	d.abandonPending(id)
	assert.False(t, d.hasInflightRequest(peer))
}

func TestPruneIdleConnectionsDropsOnlyStaleUnpinnedConns(t *testing.T) {
	d := newBareDriver()
	d.idleConnTimeout = 10 * time.Second

	stale := peerFromByte(20)
	fresh := peerFromByte(21)
	pinnedByRequest := peerFromByte(22)

	staleConn := &fakeConn{remote: stale}
	freshConn := &fakeConn{remote: fresh}
	pinnedConn := &fakeConn{remote: pinnedByRequest}

	d.conns[stale] = &trackedConn{conn: staleConn, lastUsed: time.Now().Add(-time.Minute)}
	d.conns[fresh] = &trackedConn{conn: freshConn, lastUsed: time.Now()}
	d.conns[pinnedByRequest] = &trackedConn{conn: pinnedConn, lastUsed: time.Now().Add(-time.Minute)}

	d.registerPending(newCorrelationID(), pinnedByRequest)

	d.pruneIdleConnections()

	_, staleStillPresent := d.conns[stale]
	assert.False(t, staleStillPresent)
	assert.True(t, staleConn.closed)

	_, freshStillPresent := d.conns[fresh]
	assert.True(t, freshStillPresent)
	assert.False(t, freshConn.closed)

	_, pinnedStillPresent := d.conns[pinnedByRequest]
	assert.True(t, pinnedStillPresent)
	assert.False(t, pinnedConn.closed)
}
