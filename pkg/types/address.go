package types

import (
	"encoding/hex"
	"math/bits"

	"github.com/mr-tron/base58"
)

// AddressSize is the width of a NetworkAddress in bytes (256 bits).
const AddressSize = 32

// NetworkAddress is a 256-bit identifier derivable from a peer identity or
// a record key, equipped with an XOR metric defining Kademlia distance
// (spec.md §3).
type NetworkAddress [AddressSize]byte

// RecordKey is the byte form of a NetworkAddress used as the storage
// index (spec.md §3). It shares NetworkAddress's representation and
// XOR distance metric but is declared separately so "a peer's address"
// and "a record's key" require an explicit conversion at call sites.
type RecordKey NetworkAddress

// PeerID identifies a peer by the NetworkAddress derived from its
// identity.
type PeerID NetworkAddress

// Addr returns the underlying NetworkAddress, for distance/bucket math
// shared between peer ids and record keys.
func (k RecordKey) Addr() NetworkAddress { return NetworkAddress(k) }

// Addr returns the underlying NetworkAddress.
func (p PeerID) Addr() NetworkAddress { return NetworkAddress(p) }

// String renders the key as base58 text.
func (k RecordKey) String() string { return NetworkAddress(k).String() }

// Hex renders the key as lowercase hex, used for record store file names.
func (k RecordKey) Hex() string { return NetworkAddress(k).Hex() }

// String renders the peer id as base58 text.
func (p PeerID) String() string { return NetworkAddress(p).String() }

// Hex renders the peer id as lowercase hex.
func (p PeerID) Hex() string { return NetworkAddress(p).Hex() }

// AddressFromBytes builds a NetworkAddress from an arbitrary-length byte
// slice by copying it: longer input is truncated to AddressSize bytes
// and shorter input is zero-padded. No hashing is applied.
func AddressFromBytes(b []byte) NetworkAddress {
	var a NetworkAddress
	copy(a[:], b)
	return a
}

// String renders the address as base58 text, matching the convention
// used throughout the wider Kademlia/libp2p example corpus for peer and
// content identifiers (rather than hex).
func (a NetworkAddress) String() string {
	return base58.Encode(a[:])
}

// Hex renders the address as lowercase hex, used for file names in the
// record store where base58's mixed case and excluded-character set are
// an unnecessary complication.
func (a NetworkAddress) Hex() string {
	return hex.EncodeToString(a[:])
}

// Distance returns the XOR distance between two addresses as a
// NetworkAddress (the XOR metric is closed over the same 256-bit space).
func Distance(a, b NetworkAddress) NetworkAddress {
	var d NetworkAddress
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLength returns the number of leading bits shared between
// the two addresses' XOR distance and zero, i.e. the k-bucket index that
// a peer at address b belongs to in a's routing table.
func CommonPrefixLength(a, b NetworkAddress) int {
	d := Distance(a, b)
	cpl := 0
	for _, byt := range d {
		if byt == 0 {
			cpl += 8
			continue
		}
		cpl += bits.LeadingZeros8(byt)
		break
	}
	return cpl
}

// Less reports whether distance da is strictly closer than db, used to
// sort peers/keys by XOR-closeness.
func Less(da, db NetworkAddress) bool {
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}
