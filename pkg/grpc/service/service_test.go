package service

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/grpc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recorder struct {
	ctx  context.Context
	keys []string
}

func (r *recorder) Send(resp *wire.ScanResponse) error {
	r.keys = append(r.keys, string(resp.Key))
	return nil
}

func (r *recorder) Context() context.Context {
	return r.ctx
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *engine.DB) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.IndexSegmentSize = 64 * 1024
	cfg.DataSegmentSize = 64 * 1024
	cfg.SyncMode = config.SyncNone
	quiet := log.NewStandardLogger(log.WithOutput(io.Discard))

	db, err := engine.Open(t.TempDir(), engine.ModeWriterSync, engine.WithConfig(cfg), engine.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(db, append([]Option{WithLogger(quiet)}, opts...)...), db
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{engine.ErrNotFound, codes.NotFound},
		{fmt.Errorf("wrapped: %w", engine.ErrKeyTooLarge), codes.InvalidArgument},
		{engine.ErrValueTooLarge, codes.InvalidArgument},
		{engine.ErrReadOnly, codes.FailedPrecondition},
		{engine.ErrQueueFull, codes.ResourceExhausted},
		{engine.ErrOutOfSpace, codes.ResourceExhausted},
		{engine.ErrClosed, codes.Unavailable},
		{engine.ErrCorruptDatabase, codes.DataLoss},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{io.ErrUnexpectedEOF, codes.Internal},
		{status.Error(codes.Aborted, "already a status"), codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestServer_Unary(t *testing.T) {
	s, db := newTestServer(t, WithLimits(16, 32))
	ctx := context.Background()

	put, err := s.Put(ctx, &wire.PutRequest{Key: []byte("k"), Value: []byte("v"), Sync: true})
	require.NoError(t, err)
	assert.Equal(t, db.Version(), put.Version)

	get, err := s.Get(ctx, &wire.GetRequest{Key: []byte("k")})
	require.NoError(t, err)
	assert.True(t, get.Found)
	assert.Equal(t, []byte("v"), get.Value)

	get, err = s.Get(ctx, &wire.GetRequest{Key: []byte("missing")})
	require.NoError(t, err)
	assert.False(t, get.Found)

	_, err = s.Put(ctx, &wire.PutRequest{Key: make([]byte, 17)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = s.Put(ctx, &wire.PutRequest{Key: []byte("k"), Value: make([]byte, 33)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	del, err := s.Delete(ctx, &wire.DeleteRequest{Key: []byte("k")})
	require.NoError(t, err)
	assert.True(t, del.Found)
	del, err = s.Delete(ctx, &wire.DeleteRequest{Key: []byte("k")})
	require.NoError(t, err)
	assert.False(t, del.Found)
}

func TestServer_Scan(t *testing.T) {
	s, db := newTestServer(t, WithMaxScan(5))
	for _, k := range []string{"a/1", "a/2", "a/3.txt", "b/1.txt", "b/2", "c"} {
		require.NoError(t, db.Add([]byte(k), nil))
	}

	scan := func(req *wire.ScanRequest) []string {
		rec := &recorder{ctx: context.Background()}
		require.NoError(t, s.Scan(req, rec))
		return rec.keys
	}

	assert.Equal(t, []string{"a/1", "a/2", "a/3.txt"}, scan(&wire.ScanRequest{Prefix: []byte("a/")}))
	assert.Equal(t, []string{"a/3.txt", "b/1.txt"}, scan(&wire.ScanRequest{Suffix: []byte(".txt")}))
	assert.Equal(t, []string{"a/2", "a/3.txt", "b/1.txt"}, scan(&wire.ScanRequest{Start: []byte("a/2"), End: []byte("b/2")}))
	assert.Equal(t, []string{"a/1", "a/2"}, scan(&wire.ScanRequest{Limit: 2}))
	assert.Len(t, scan(&wire.ScanRequest{}), 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Scan(&wire.ScanRequest{}, &recorder{ctx: ctx})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestServer_Stats(t *testing.T) {
	s, db := newTestServer(t)
	require.NoError(t, db.Add([]byte("k"), []byte("v")))

	resp, err := s.Stats(context.Background(), &wire.StatsRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Stats)
	for i := 1; i < len(resp.Stats); i++ {
		assert.Less(t, resp.Stats[i-1].Name, resp.Stats[i].Name)
	}
	value, ok := resp.Lookup("key_count")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
	_, ok = resp.Lookup("index.tail_bytes")
	assert.True(t, ok)
}

func TestFlatten(t *testing.T) {
	var out []wire.Stat
	flatten("", map[string]interface{}{
		"a": 1,
		"b": map[string]interface{}{"c": "x", "d": map[string]interface{}{"e": true}},
		"f": map[string]uint64{"g": 7},
	}, &out)

	got := make(map[string]string)
	for _, s := range out {
		got[s.Name] = s.Value
	}
	assert.Equal(t, map[string]string{"a": "1", "b.c": "x", "b.d.e": "true", "f.g": "7"}, got)
}
