package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, c := range []Codec{None, Snappy, Zstd} {
		parsed, err := Parse(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	parsed, err := Parse(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, Zstd, parsed)

	_, err = Parse("lz4")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestCompressDecompress(t *testing.T) {
	m, err := NewManager(1 << 20)
	require.NoError(t, err)
	defer m.Close()

	data := bytes.Repeat([]byte("the quick brown fox "), 500)
	for _, c := range []Codec{None, Snappy, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			packed, err := m.Compress(nil, data, c)
			require.NoError(t, err)
			if c != None {
				assert.Less(t, len(packed), len(data))
			}

			out, err := m.Decompress(packed, c, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, out)

			_, err = m.Decompress(packed, c, len(data)-1)
			assert.ErrorIs(t, err, ErrInvalidCompressedData)
		})
	}

	_, err = m.Decompress([]byte("garbage"), Zstd, 10)
	assert.ErrorIs(t, err, ErrInvalidCompressedData)
	_, err = m.Decompress(nil, None, 2<<20)
	assert.ErrorIs(t, err, ErrInvalidCompressedData)
	_, err = m.Compress(nil, data, Codec(9))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestStreams(t *testing.T) {
	data := bytes.Repeat([]byte("stream payload "), 1000)
	for _, c := range []Codec{None, Snappy, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, c)
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := NewReader(&buf, c)
			require.NoError(t, err)
			defer r.Close()
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}

	_, err := NewWriter(io.Discard, Codec(7))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}
