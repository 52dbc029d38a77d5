package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := &QueryRequest{
		Query: "SELECT * FROM ks.t WHERE k = ?",
		Params: QueryParams{
			Consistency: One,
			Values:      []BoundValue{{Kind: ValueSet, Bytes: []byte("hello")}},
		},
	}
	encoded := Encode(ProtoV4, req, 7, false)

	d := NewDecoder(ProtoV4)
	d.Feed(encoded)
	header, body, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, OpQuery, header.Opcode)
	assert.Equal(t, int16(7), header.Stream)
	assert.False(t, header.Response)
	assert.Equal(t, uint32(len(body)), header.Length)
}

func TestDecoderFeedsPartialFrames(t *testing.T) {
	req := &OptionsRequest{}
	encoded := Encode(ProtoV4, req, 1, false)

	d := NewDecoder(ProtoV4)
	d.Feed(encoded[:3])
	_, _, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok)

	d.Feed(encoded[3:])
	_, _, ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDecoderRejectsUnknownOpcode(t *testing.T) {
	req := &OptionsRequest{}
	encoded := Encode(ProtoV4, req, 1, false)
	encoded[4] = 0x7f // corrupt the opcode byte (v3+ layout)

	d := NewDecoder(ProtoV4)
	d.Feed(encoded)
	_, _, _, err := d.Next()
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecoderRejectsOversizedLength(t *testing.T) {
	req := &OptionsRequest{}
	encoded := Encode(ProtoV4, req, 1, false)

	d := NewDecoder(ProtoV4)
	d.SetMaxBodyLength(4)
	// force a body length of 5 in the header (v3+: bytes 5..9)
	encoded[5] = 0
	encoded[6] = 0
	encoded[7] = 0
	encoded[8] = 5
	d.Feed(encoded)
	_, _, _, err := d.Next()
	require.Error(t, err)
}

func TestUnsetDistinctFromNull(t *testing.T) {
	req := &ExecuteRequest{
		PreparedID: []byte{1, 2, 3},
		Params: QueryParams{
			Consistency: One,
			Values: []BoundValue{
				{Kind: ValueNull},
				{Kind: ValueUnset},
			},
		},
	}
	encoded := Encode(ProtoV4, req, 2, false)
	d := NewDecoder(ProtoV4)
	d.Feed(encoded)
	_, body, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)

	r := newBodyReader(body)
	_, _, err = r.ReadBytes() // prepared id
	require.NoError(t, err)
	_, err = r.ReadShort() // consistency
	require.NoError(t, err)
	_, err = r.ReadByte() // flags
	require.NoError(t, err)
	_, err = r.ReadShort() // value count
	require.NoError(t, err)

	_, unset, err := r.ReadBytes()
	require.NoError(t, err)
	assert.False(t, unset, "first value should decode as null, not unset")

	_, unset, err = r.ReadBytes()
	require.NoError(t, err)
	assert.True(t, unset, "second value should decode as unset")
}

func TestV2HeaderIsEightBytes(t *testing.T) {
	req := &OptionsRequest{}
	encoded := Encode(ProtoV2, req, 5, false)
	assert.Equal(t, 8, ProtoV2.HeaderSize())

	d := NewDecoder(ProtoV2)
	d.Feed(encoded)
	header, _, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int16(5), header.Stream)
}
