package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/grpc/service"
	"github.com/KevoDB/triekv/pkg/grpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func quiet() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard))
}

func openDB(t *testing.T, dir string, mode engine.Mode) *engine.DB {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.IndexSegmentSize = 64 * 1024
	cfg.DataSegmentSize = 64 * 1024
	cfg.MaxValueSize = 16 * 1024
	cfg.SyncMode = config.SyncNone
	db, err := engine.Open(dir, mode, engine.WithConfig(cfg), engine.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// serve runs the service for db on an in-memory listener and returns a
// connected client
func serve(t *testing.T, db *engine.DB, opts ...service.Option) *Client {
	t.Helper()
	opts = append([]service.Option{service.WithLogger(quiet())}, opts...)
	srv, err := transport.NewServer("", service.NewServer(db, opts...), transport.ServerOptions{Logger: quiet()})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///bufnet"
	options.InitialBackoff = time.Millisecond
	options.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	c, err := NewClient(options)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	return c
}

func TestClient_PutGetDelete(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterSync)
	c := serve(t, db)
	ctx := context.Background()

	version, err := c.Put(ctx, []byte("alpha"), []byte("one"), false)
	require.NoError(t, err)
	assert.Equal(t, db.Version(), version)

	value, found, err := c.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("one"), value)

	_, found, err = c.Get(ctx, []byte("beta"))
	require.NoError(t, err)
	assert.False(t, found)

	existed, err := c.Delete(ctx, []byte("alpha"), false)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.Delete(ctx, []byte("alpha"), false)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = db.Find([]byte("alpha"))
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestClient_AsyncSyncPut(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterAsync)
	c := serve(t, db)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := c.Put(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte("v"), false)
		require.NoError(t, err)
	}
	_, err := c.Put(ctx, []byte("last"), []byte("v"), true)
	require.NoError(t, err)

	count, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(51), count)

	version, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.Version(), version)
}

func TestClient_LongestPrefix(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterSync)
	require.NoError(t, db.Add([]byte("/api"), []byte("api")))
	require.NoError(t, db.Add([]byte("/api/v2"), []byte("v2")))
	c := serve(t, db)

	match, value, found, err := c.LongestPrefix(context.Background(), []byte("/api/v2/users"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("/api/v2"), match)
	assert.Equal(t, []byte("v2"), value)

	_, _, found, err = c.LongestPrefix(context.Background(), []byte("/static"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_Scan(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterSync)
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Add([]byte(fmt.Sprintf("user/%02d/name", i)), []byte(fmt.Sprint(i))))
		require.NoError(t, db.Add([]byte(fmt.Sprintf("user/%02d/mail", i)), []byte(fmt.Sprint(i))))
	}
	require.NoError(t, db.Add([]byte("zeta"), []byte("z")))
	c := serve(t, db)

	collect := func(opts ScanOptions) []string {
		t.Helper()
		s, err := c.Scan(context.Background(), opts)
		require.NoError(t, err)
		defer s.Close()
		var keys []string
		for s.Next() {
			keys = append(keys, string(s.Key()))
		}
		require.NoError(t, s.Error())
		return keys
	}

	assert.Len(t, collect(ScanOptions{}), 41)
	assert.Len(t, collect(ScanOptions{Prefix: []byte("user/")}), 40)

	names := collect(ScanOptions{Prefix: []byte("user/"), Suffix: []byte("/name")})
	require.Len(t, names, 20)
	assert.Equal(t, "user/00/name", names[0])
	assert.Equal(t, "user/19/name", names[19])

	ranged := collect(ScanOptions{StartKey: []byte("user/05"), EndKey: []byte("user/07")})
	assert.Equal(t, []string{"user/05/mail", "user/05/name", "user/06/mail", "user/06/name"}, ranged)

	assert.Equal(t, []string{"user/00/mail", "user/00/name", "user/01/mail"}, collect(ScanOptions{Limit: 3}))
}

func TestClient_ScanCappedByServer(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterSync)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Add([]byte(fmt.Sprint(i)), nil))
	}
	c := serve(t, db, service.WithMaxScan(4))

	s, err := c.Scan(context.Background(), ScanOptions{Limit: 100})
	require.NoError(t, err)
	defer s.Close()
	n := 0
	for s.Next() {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestClient_Errors(t *testing.T) {
	dir := t.TempDir()
	writer := openDB(t, dir, engine.ModeWriterSync)
	require.NoError(t, writer.Add([]byte("k"), []byte("v")))

	reader := openDB(t, dir, engine.ModeReader)
	c := serve(t, reader, service.WithLimits(8, 16))
	ctx := context.Background()

	value, found, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	_, err = c.Put(ctx, []byte("k"), []byte("v2"), false)
	assert.ErrorIs(t, err, ErrReadOnly)

	_, _, err = c.Get(ctx, []byte("a key that is too long"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Put(ctx, []byte("k"), make([]byte, 17), false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient_Stats(t *testing.T) {
	db := openDB(t, t.TempDir(), engine.ModeWriterSync)
	require.NoError(t, db.Add([]byte("a"), []byte("1")))
	require.NoError(t, db.Add([]byte("b"), []byte("2")))
	c := serve(t, db)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2", stats["key_count"])
	assert.Equal(t, "writer-sync", stats["mode"])
	assert.Contains(t, stats, "data.tail_bytes")

	index, err := c.StatsWithPrefix(context.Background(), "index.")
	require.NoError(t, err)
	assert.NotEmpty(t, index)
	for k := range index {
		assert.Contains(t, k, "index.")
	}
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(ClientOptions{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestDefaultClientOptions(t *testing.T) {
	options := DefaultClientOptions()
	assert.Equal(t, "localhost:50051", options.Endpoint)
	assert.Equal(t, 5*time.Second, options.ConnectTimeout)
	assert.Equal(t, 10*time.Second, options.RequestTimeout)
	assert.Equal(t, 3, options.MaxRetries)
	assert.False(t, options.TLSEnabled)
}
