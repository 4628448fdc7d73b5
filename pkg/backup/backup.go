// Package backup writes a database's contents to a portable stream and loads
// it back.
//
// A backup starts with an 8-byte magic, followed by a length-prefixed CBOR
// header that names the stream codec. Everything after the header is a
// compressed sequence of CBOR records: one per key, then a trailer holding the
// entry count and an xxhash digest of every key and value. Restore refuses a
// stream whose trailer does not match what it read.
package backup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

const (
	magic = "TRIEKVB1"

	// FormatVersion is the stream layout written by Backup
	FormatVersion = 1

	maxHeaderSize = 4096
	// ctxCheckInterval is how many records pass between context checks
	ctxCheckInterval = 256
)

var (
	// ErrBadMagic is returned when a stream is not a backup
	ErrBadMagic = errors.New("backup: not a backup stream")
	// ErrUnsupportedFormat is returned for streams written by a newer layout
	ErrUnsupportedFormat = errors.New("backup: unsupported format version")
	// ErrChecksumMismatch is returned when the trailer does not match the records
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")
	// ErrTruncated is returned when the stream ends before its trailer
	ErrTruncated = errors.New("backup: stream truncated")
)

// Header describes a backup stream
type Header struct {
	Format  uint8  `cbor:"1,keyasint"`
	ID      string `cbor:"2,keyasint"`
	Version uint64 `cbor:"3,keyasint"`
	Codec   string `cbor:"4,keyasint"`
	Created int64  `cbor:"5,keyasint"`
	Prefix  []byte `cbor:"6,keyasint,omitempty"`
}

// record is either one entry or, with End set, the trailer
type record struct {
	Key   []byte `cbor:"1,keyasint,omitempty"`
	Value []byte `cbor:"2,keyasint,omitempty"`
	End   bool   `cbor:"3,keyasint,omitempty"`
	Count uint64 `cbor:"4,keyasint,omitempty"`
	Sum   uint64 `cbor:"5,keyasint,omitempty"`
}

// Options configures Backup and Restore
type Options struct {
	// Codec compresses the record stream
	Codec codec.Codec
	// Prefix limits a backup to the keys starting with it
	Prefix []byte
	// Clear makes Restore remove every key before loading
	Clear  bool
	Logger log.Logger
}

// Result summarizes a finished backup or restore
type Result struct {
	Header   Header
	Entries  uint64
	Bytes    uint64
	Duration time.Duration
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.GetDefaultLogger().WithField("component", "backup")
	}
	return o.Logger.WithField("component", "backup")
}

// digest accumulates the trailer checksum
type digest struct {
	h *xxhash.Digest
	n [8]byte
}

func newDigest() *digest {
	return &digest{h: xxhash.New()}
}

func (d *digest) add(key, value []byte) {
	binary.LittleEndian.PutUint32(d.n[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(d.n[4:8], uint32(len(value)))
	d.h.Write(d.n[:])
	d.h.Write(key)
	d.h.Write(value)
}

// Backup streams every key of db starting with opts.Prefix to w. The copy
// does not pin a version: keys changed while it runs may appear with either
// value, and keys untouched throughout appear exactly once.
func Backup(ctx context.Context, db *engine.DB, w io.Writer, opts Options) (Result, error) {
	start := time.Now()
	logger := opts.logger()

	hdr := Header{
		Format:  FormatVersion,
		ID:      db.ID().String(),
		Version: db.Version(),
		Codec:   opts.Codec.String(),
		Created: start.UnixNano(),
		Prefix:  opts.Prefix,
	}
	res := Result{Header: hdr}

	if err := writeHeader(w, hdr); err != nil {
		return res, err
	}
	zw, err := codec.NewWriter(w, opts.Codec)
	if err != nil {
		return res, err
	}
	enc := cbor.NewEncoder(zw)

	sum := newDigest()
	it := db.Prefix(opts.Prefix)
	defer it.Close()

	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		if res.Entries%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				zw.Close()
				return res, err
			}
		}
		key, value := it.Key(), it.Value()
		if err := enc.Encode(record{Key: key, Value: value}); err != nil {
			zw.Close()
			return res, fmt.Errorf("failed to write record: %w", err)
		}
		sum.add(key, value)
		res.Entries++
		res.Bytes += uint64(len(key) + len(value))
	}
	if err := it.Err(); err != nil {
		zw.Close()
		return res, fmt.Errorf("failed to read database: %w", err)
	}

	if err := enc.Encode(record{End: true, Count: res.Entries, Sum: sum.h.Sum64()}); err != nil {
		zw.Close()
		return res, fmt.Errorf("failed to write trailer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("failed to finish stream: %w", err)
	}

	res.Duration = time.Since(start)
	track(db.StatsCollector(), stats.OpBackup, res)
	logger.Info("backup of %d entries (%d bytes) at version %d done in %s",
		res.Entries, res.Bytes, hdr.Version, res.Duration)
	return res, nil
}

// Restore loads a backup into db, which must be a writer session. Existing
// keys are overwritten; with opts.Clear every key is removed first. Entries
// are committed as they are read, so a failed restore leaves the ones before
// the failure in place.
func Restore(ctx context.Context, r io.Reader, db *engine.DB, opts Options) (Result, error) {
	start := time.Now()
	logger := opts.logger()

	hdr, err := ReadHeader(r)
	if err != nil {
		return Result{}, err
	}
	res := Result{Header: hdr}

	c, err := codec.Parse(hdr.Codec)
	if err != nil {
		return res, err
	}
	zr, err := codec.NewReader(r, c)
	if err != nil {
		return res, err
	}
	defer zr.Close()

	if opts.Clear {
		if err := db.RemoveAll(); err != nil {
			return res, fmt.Errorf("failed to clear database: %w", err)
		}
	}

	dec := cbor.NewDecoder(zr)
	sum := newDigest()
	for {
		if res.Entries%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, ErrTruncated
			}
			return res, fmt.Errorf("failed to read record: %w", err)
		}
		if rec.End {
			if rec.Count != res.Entries || rec.Sum != sum.h.Sum64() {
				return res, fmt.Errorf("%w: trailer has %d entries, read %d", ErrChecksumMismatch, rec.Count, res.Entries)
			}
			break
		}

		if err := db.AddContext(ctx, rec.Key, rec.Value); err != nil {
			return res, fmt.Errorf("failed to restore key %q: %w", rec.Key, err)
		}
		sum.add(rec.Key, rec.Value)
		res.Entries++
		res.Bytes += uint64(len(rec.Key) + len(rec.Value))
	}

	if err := db.FlushContext(ctx); err != nil {
		return res, err
	}

	res.Duration = time.Since(start)
	track(db.StatsCollector(), stats.OpRestore, res)
	logger.Info("restored %d entries (%d bytes) from backup of %s in %s",
		res.Entries, res.Bytes, hdr.ID, res.Duration)
	return res, nil
}

func writeHeader(w io.Writer, hdr Header) error {
	raw, err := cbor.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	buf := make([]byte, len(magic)+4, len(magic)+4+len(raw))
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[len(magic):], uint32(len(raw)))
	buf = append(buf, raw...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads the header at the start of a backup stream, leaving r
// positioned at the records
func ReadHeader(r io.Reader) (Header, error) {
	var prefix [len(magic) + 4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrBadMagic
		}
		return Header{}, err
	}
	if string(prefix[:len(magic)]) != magic {
		return Header{}, ErrBadMagic
	}

	n := binary.LittleEndian.Uint32(prefix[len(magic):])
	if n == 0 || n > maxHeaderSize {
		return Header{}, fmt.Errorf("%w: header of %d bytes", ErrBadMagic, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, ErrTruncated
	}

	var hdr Header
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if hdr.Format == 0 || hdr.Format > FormatVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, hdr.Format)
	}
	return hdr, nil
}

func track(c *stats.AtomicCollector, op stats.OperationType, res Result) {
	if c == nil {
		return
	}
	c.TrackOperationWithLatency(op, uint64(res.Duration.Nanoseconds()))
	c.TrackBytes(op == stats.OpRestore, res.Bytes)
}
