// Package codec implements the wire encoding for everything this node
// persists or sends over the Request/Response protocol: a "self-describing
// binary object form (compact tagged records)" (spec.md §6). We use
// hashicorp/go-msgpack's v2 codec, already present transitively via the
// teacher's hashicorp/raft dependency — msgpack is a compact, tagged,
// self-describing binary format, functionally equivalent to the original
// Rust implementation's CBOR choice without introducing an unrelated new
// dependency (see DESIGN.md).
package codec

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var handle = &codec.MsgpackHandle{}

// Encode marshals v into its compact tagged-record wire form.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unmarshals data into v, which must be a pointer.
func Decode(data []byte, v any) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: decode failed: %w", err)
	}
	return nil
}
