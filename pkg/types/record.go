package types

import "fmt"

// MaxValueBytes is the configured maximum record payload size (spec.md
// §3, §6: "~1 MiB"). It is a package-level default; Config may override
// it per node.
const MaxValueBytes = 1 << 20 // 1 MiB

// MaxRequestBytes is the maximum Request/Response wire size, double the
// max packet size (spec.md §6).
const MaxRequestBytes = 2 * MaxValueBytes

// DataType identifies the record's semantic kind, which governs the
// duplicate-put validation rule (overwrite/reject/merge). The concrete
// per-type rules are delegated to an external validator (spec.md §9,
// Open Questions) — this core only carries the tag.
type DataType uint8

const (
	DataTypeChunk DataType = iota
	DataTypeRegister
	DataTypeScratchpad
	DataTypeTransaction
	DataTypeGraphEntry
)

func (d DataType) String() string {
	switch d {
	case DataTypeChunk:
		return "chunk"
	case DataTypeRegister:
		return "register"
	case DataTypeScratchpad:
		return "scratchpad"
	case DataTypeTransaction:
		return "transaction"
	case DataTypeGraphEntry:
		return "graph_entry"
	default:
		return fmt.Sprintf("data_type(%d)", uint8(d))
	}
}

// ValidationType carries enough information for the external validator
// to decide whether a duplicate put is an overwrite, a reject, or a
// merge. The core never interprets it itself.
type ValidationType struct {
	DataType DataType
	// AppendOnly marks chain-like types (registers, scratchpads) whose
	// validator permits a later write to extend rather than replace.
	AppendOnly bool
}

// Record is the unit of storage: a key, a value bounded by
// MaxValueBytes, and the tags needed to apply the duplicate-put rule
// (spec.md §3).
type Record struct {
	Key            RecordKey
	Value          []byte
	DataType       DataType
	ValidationType ValidationType
}

// ProofOfPayment is opaque to the core; it only exposes the payee set
// used to override replication-group targeting on a fresh write
// (spec.md §3, §4.7).
type ProofOfPayment struct {
	// Opaque is the payment envelope as validated by the external
	// payment collaborator; the core never inspects it.
	Opaque []byte
	payees []PeerID
}

// NewProofOfPayment wraps an opaque payment envelope together with the
// payee set it authorizes, as determined by the external payment
// validator before the record ever reaches this core.
func NewProofOfPayment(opaque []byte, payees []PeerID) ProofOfPayment {
	return ProofOfPayment{Opaque: opaque, payees: append([]PeerID(nil), payees...)}
}

// Payees returns the set of peers this payment designates as
// replication targets, excluding self if present (spec.md §4.7).
func (p ProofOfPayment) Payees(self PeerID) []PeerID {
	out := make([]PeerID, 0, len(p.payees))
	for _, payee := range p.payees {
		if payee != self {
			out = append(out, payee)
		}
	}
	return out
}

// HasPayees reports whether the payment names at least one payee.
// NewProofOfPayment stores an empty payee set as nil, so a payment built
// with no payees reports false, the same as the zero value.
func (p ProofOfPayment) HasPayees() bool {
	return p.payees != nil
}

// Quorum selects how many matching responses a Get query must observe
// before it may return success (spec.md §4.6, Glossary).
type Quorum struct {
	kind QuorumKind
	n    int
}

// QuorumKind enumerates the quorum strategies named in spec.md §4.6.
type QuorumKind uint8

const (
	QuorumOne QuorumKind = iota
	QuorumMajority
	QuorumAll
	QuorumN
)

// QuorumOneOf, QuorumMajorityOf, QuorumAllOf and QuorumNOf construct a
// Quorum of the corresponding kind; QuorumNOf additionally carries the
// threshold count.
func QuorumOneOf() Quorum      { return Quorum{kind: QuorumOne} }
func QuorumMajorityOf() Quorum { return Quorum{kind: QuorumMajority} }
func QuorumAllOf() Quorum      { return Quorum{kind: QuorumAll} }
func QuorumNOf(n int) Quorum   { return Quorum{kind: QuorumN, n: n} }

// Kind returns the quorum strategy.
func (q Quorum) Kind() QuorumKind { return q.kind }

// Threshold returns the number of matching responses required to
// satisfy the quorum, given the size of the close group consulted.
func (q Quorum) Threshold(closeGroupSize int) int {
	switch q.kind {
	case QuorumOne:
		return 1
	case QuorumMajority:
		return closeGroupSize/2 + 1
	case QuorumAll:
		return closeGroupSize
	case QuorumN:
		return q.n
	default:
		return 1
	}
}

func (q Quorum) String() string {
	switch q.kind {
	case QuorumOne:
		return "one"
	case QuorumMajority:
		return "majority"
	case QuorumAll:
		return "all"
	case QuorumN:
		return fmt.Sprintf("n(%d)", q.n)
	default:
		return "unknown"
	}
}
