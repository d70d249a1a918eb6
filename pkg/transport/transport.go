// Package transport defines the Transport boundary this node dials and
// listens through, plus a minimal concrete implementation over QUIC with
// a Noise-authenticated handshake binding the transport-level connection
// to a Kademlia peer identity.
//
// This package is intentionally not the focus of grounding effort
// (SPEC_FULL.md §5): the swarm driver, fetcher and replication engine
// only ever depend on the Transport/Stream interfaces below, so a fuller
// NAT-traversal-aware implementation can replace QuicTransport without
// touching the rest of the module.
package transport

import (
	"context"
	"io"

	"github.com/cuemby/swarmnode/pkg/types"
)

// Stream is a single bidirectional byte stream over an established
// connection to a peer, carrying one Request/Response exchange
// (spec.md §6) per stream.
type Stream interface {
	io.ReadWriteCloser
}

// Conn is an established, authenticated connection to a remote peer.
type Conn interface {
	// RemotePeer is the identity confirmed by the handshake.
	RemotePeer() types.PeerID
	// OpenStream opens a new outbound stream on this connection.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until the remote peer opens a stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// Close tears down the connection.
	Close() error
}

// Transport dials and accepts connections authenticated against a
// Kademlia peer identity. The swarm driver owns the single instance for
// the node's lifetime.
type Transport interface {
	// Dial establishes an authenticated connection to address.
	Dial(ctx context.Context, address string) (Conn, error)
	// Accept blocks until an inbound connection has completed its
	// handshake.
	Accept(ctx context.Context) (Conn, error)
	// LocalAddr returns the address this transport is listening on.
	LocalAddr() string
	// Close shuts the listener down.
	Close() error
}
