package codec

import (
	"testing"

	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Name  string
		Count int
	}

	in := payload{Name: "swarmnode", Count: 7}
	data, err := Encode(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	var key types.RecordKey
	key[0] = 42

	req := &types.Request{
		Kind: types.RequestKindCmd,
		Cmd: &types.Cmd{
			Kind: types.CmdKindReplicate,
			Replicate: &types.ReplicateCmd{
				Keys: []types.RecordKey{key},
			},
		},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Cmd)
	require.NotNil(t, decoded.Cmd.Replicate)
	assert.Equal(t, []types.RecordKey{key}, decoded.Cmd.Replicate.Keys)
}
