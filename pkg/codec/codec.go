// Package codec compresses value payloads and backup streams with the codecs
// supported by the store.
package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnknownCodec is returned when an unsupported codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// Codec identifies a compression algorithm. The value is persisted in block
// flags and backup headers, so existing values must never change.
type Codec uint8

const (
	None   Codec = 0
	Snappy Codec = 1
	Zstd   Codec = 2
)

// String returns the configuration name of the codec
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Parse converts a configuration name into a Codec
func Parse(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Manager holds reusable encoder and decoder state. Its methods are safe for
// concurrent use.
type Manager struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	maxSize     int
}

// NewManager creates a Manager that refuses to produce more than maxSize
// decompressed bytes
func NewManager(maxSize int) (*Manager, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)+1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}
	return &Manager{zstdEncoder: enc, zstdDecoder: dec, maxSize: maxSize}, nil
}

// Compress encodes data with codec, appending to dst
func (m *Manager) Compress(dst, data []byte, c Codec) ([]byte, error) {
	switch c {
	case None:
		return append(dst, data...), nil
	case Snappy:
		return append(dst, snappy.Encode(nil, data)...), nil
	case Zstd:
		return m.zstdEncoder.EncodeAll(data, dst), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, c)
	}
}

// Decompress decodes data that must expand to exactly rawLen bytes
func (m *Manager) Decompress(data []byte, c Codec, rawLen int) ([]byte, error) {
	if rawLen > m.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrInvalidCompressedData, rawLen)
	}

	var out []byte
	switch c {
	case None:
		out = append(make([]byte, 0, len(data)), data...)

	case Snappy:
		n, err := snappy.DecodedLen(data)
		if err != nil || n != rawLen {
			return nil, fmt.Errorf("%w: snappy length mismatch", ErrInvalidCompressedData)
		}
		out, err = snappy.Decode(make([]byte, n), data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}

	case Zstd:
		var err error
		out, err = m.zstdDecoder.DecodeAll(data, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, c)
	}

	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidCompressedData, rawLen, len(out))
	}
	return out, nil
}

// Close releases the encoder and decoder
func (m *Manager) Close() error {
	if m.zstdEncoder != nil {
		m.zstdEncoder.Close()
		m.zstdEncoder = nil
	}
	if m.zstdDecoder != nil {
		m.zstdDecoder.Close()
		m.zstdDecoder = nil
	}
	return nil
}

// NewWriter returns a writer that compresses everything written to w
func NewWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopCloser{w}, nil
	case Zstd:
		return zstd.NewWriter(w)
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, c)
	}
}

// NewReader returns a reader that decompresses r
func NewReader(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, c)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
