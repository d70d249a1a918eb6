package types

// This file defines the Request/Response envelope named in spec.md §6.
// Wire encoding (the "self-describing binary object form") is handled by
// pkg/codec; these types are the Go values it marshals.

// RequestKind tags which of Query/Cmd a Request carries.
type RequestKind uint8

const (
	RequestKindQuery RequestKind = iota
	RequestKindCmd
)

// QueryKind enumerates the supported query messages.
type QueryKind uint8

const (
	QueryKindGetReplicatedRecord QueryKind = iota
	// QueryKindGetClosestPeers backs the FIND_NODE-style exploration
	// named in spec.md §4.3 and the dial-sweep peer learning in §4.5.
	QueryKindGetClosestPeers
)

// CmdKind enumerates the supported command messages.
type CmdKind uint8

const (
	CmdKindReplicate CmdKind = iota
	CmdKindFreshReplicate
)

// Request is the outer envelope for everything sent over the
// Request/Response protocol (spec.md §6).
type Request struct {
	// ID is the driver-generated correlation id (spec.md §4.6 "Pending
	// Request Table"), echoed back on Response so the sender can match
	// it to the one-shot reply sink it stored before writing the
	// request.
	ID   string
	Kind RequestKind
	// Exactly one of Query/Cmd is populated, selected by Kind.
	Query *Query
	Cmd   *Cmd
}

// Query carries a GetReplicatedRecord lookup against a specific holder.
type Query struct {
	Kind                QueryKind
	Requester           PeerID
	GetReplicatedRecord *GetReplicatedRecordQuery
	GetClosestPeers     *GetClosestPeersQuery
}

// GetReplicatedRecordQuery asks a specific holder for a record it is
// believed to carry (spec.md §4.7 "Retrieval fallback").
type GetReplicatedRecordQuery struct {
	Key RecordKey
}

// GetClosestPeersQuery asks the responder for the peers in its routing
// table closest to Target (spec.md §4.3 "FIND_NODE-style query").
type GetClosestPeersQuery struct {
	Target NetworkAddress
}

// PeerAddr pairs a peer id with a dialable address, as returned by a
// GetClosestPeers response and used by Initial Bootstrap and Network
// Discovery to learn new contacts.
type PeerAddr struct {
	ID      PeerID
	Address string
}

// Cmd carries a fire-and-forget or ack'd command.
type Cmd struct {
	Kind           CmdKind
	Replicate      *ReplicateCmd
	FreshReplicate *FreshReplicateCmd
}

// ReplicateCmd is a key-only announcement sent during interval
// replication (spec.md §4.7(a)): "I hold these keys", with no payload.
type ReplicateCmd struct {
	Holder PeerID
	Keys   []RecordKey
}

// FreshReplicateCmd fans out a freshly-written record's address to
// replication targets, fire-and-forget (spec.md §4.7(b)).
type FreshReplicateCmd struct {
	Holder PeerID
	Keys   []FreshReplicateEntry
}

// FreshReplicateEntry names one record to fetch, with the metadata the
// receiver needs to decide whether to admit it into its Fetcher.
type FreshReplicateEntry struct {
	Addr           RecordKey
	DataType       DataType
	ValidationType ValidationType
	Payment        *ProofOfPayment
}

// Response is the outer envelope for replies.
type Response struct {
	// ID echoes the originating Request's correlation id.
	ID    string
	Kind  RequestKind
	Query *QueryResponse
	Cmd   *CmdResponse
}

// QueryResponse carries the result of a Query.
type QueryResponse struct {
	Kind                QueryKind
	GetReplicatedRecord *GetReplicatedRecordResult
	GetClosestPeers     *GetClosestPeersResult
}

// GetReplicatedRecordResult is Result<(holder, value), Err> from
// spec.md §6, flattened into Go's (value, ok, err) idiom.
type GetReplicatedRecordResult struct {
	Holder PeerID
	Value  []byte
	Err    string // empty means success
}

// GetClosestPeersResult carries the responder's closest-known peers to
// the queried target.
type GetClosestPeersResult struct {
	Peers []PeerAddr
}

// CmdResponse is the ack for a Cmd::Replicate; Cmd::FreshReplicate
// expects no reply at all (fire-and-forget, spec.md §4.7).
type CmdResponse struct {
	Kind CmdKind
	Ack  bool
}
