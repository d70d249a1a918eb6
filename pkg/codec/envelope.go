package codec

import "github.com/cuemby/swarmnode/pkg/types"

// EncodeRequest and EncodeResponse are thin wrappers over the generic
// Encode/Decode. The request-size ceiling from spec.md §6 ("max request
// size = 2x max packet"), types.MaxRequestBytes, is not checked here; the
// transport framing (transport.WriteFrame/ReadFrame) enforces it.

// EncodeRequest marshals a Request envelope for the wire.
func EncodeRequest(r *types.Request) ([]byte, error) {
	return Encode(r)
}

// DecodeRequest unmarshals a Request envelope from the wire.
func DecodeRequest(data []byte) (*types.Request, error) {
	var r types.Request
	if err := Decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// EncodeResponse marshals a Response envelope for the wire.
func EncodeResponse(r *types.Response) ([]byte, error) {
	return Encode(r)
}

// DecodeResponse unmarshals a Response envelope from the wire.
func DecodeResponse(data []byte) (*types.Response, error) {
	var r types.Response
	if err := Decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
