package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(Name)
	require.NotNil(t, c)
	assert.Equal(t, Name, c.Name())

	_, err := c.Marshal("not a message")
	assert.ErrorIs(t, err, ErrNotMessage)
	assert.ErrorIs(t, c.Unmarshal(nil, 42), ErrNotMessage)
}

func TestEncodingMatchesProtobuf(t *testing.T) {
	// field 1 bytes "k", field 2 bytes "v", field 3 varint 1
	want := []byte{0x0a, 0x01, 'k', 0x12, 0x01, 'v', 0x18, 0x01}
	got := (&PutRequest{Key: []byte("k"), Value: []byte("v"), Sync: true}).AppendWire(nil)
	assert.Equal(t, want, got)

	// zero values are left out
	assert.Empty(t, (&PutRequest{}).AppendWire(nil))
}

func TestUnknownFieldsSkipped(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 300)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("key"))
	b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	b = protowire.AppendTag(b, 11, protowire.BytesType)
	b = protowire.AppendString(b, "later addition")

	var req GetRequest
	require.NoError(t, req.UnmarshalWire(b))
	assert.Equal(t, []byte("key"), req.Key)
}

func TestMalformedInput(t *testing.T) {
	full := (&ScanResponse{Key: []byte("key"), Value: []byte("value")}).AppendWire(nil)

	var resp ScanResponse
	assert.Error(t, resp.UnmarshalWire(full[:len(full)-2]))
	assert.Error(t, resp.UnmarshalWire([]byte{0x0a}))

	// a varint where bytes belong
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	assert.Error(t, resp.UnmarshalWire(b))
}

func TestUnmarshalResets(t *testing.T) {
	m := &LongestPrefixResponse{Key: []byte("old"), Found: true}
	require.NoError(t, m.UnmarshalWire((&LongestPrefixResponse{Value: []byte("v")}).AppendWire(nil)))
	assert.Nil(t, m.Key)
	assert.False(t, m.Found)
	assert.Equal(t, []byte("v"), m.Value)
}

func TestStatsResponse(t *testing.T) {
	c := Codec{}
	in := &StatsResponse{Stats: []Stat{
		{Name: "key_count", Value: "3"},
		{Name: "mode", Value: "writer-sync"},
		{Name: "empty"},
	}}
	raw, err := c.Marshal(in)
	require.NoError(t, err)

	var out StatsResponse
	require.NoError(t, c.Unmarshal(raw, &out))
	assert.Equal(t, in.Stats, out.Stats)

	v, ok := out.Lookup("mode")
	assert.True(t, ok)
	assert.Equal(t, "writer-sync", v)
	_, ok = out.Lookup("missing")
	assert.False(t, ok)
}
