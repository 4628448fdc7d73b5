package engine

import (
	"io"
	"testing"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.IndexSegmentSize = 64 * 1024
	cfg.DataSegmentSize = 64 * 1024
	cfg.MaxKeySize = 1024
	cfg.MaxValueSize = 16 * 1024
	cfg.SyncMode = config.SyncNone
	cfg.AsyncQueueSize = 64
	cfg.AsyncBatchSize = 16
	return cfg
}

func quietLogger() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard))
}

func openDB(t *testing.T, dir string, mode Mode, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithLogger(quietLogger())}, opts...)
	db, err := Open(dir, mode, opts...)
	require.NoError(t, err)
	return db
}

// crash drops the session the way a killed process would: the mappings and
// the lock go away, nothing is saved
func crash(t *testing.T, db *DB) {
	t.Helper()
	db.closing.Store(true)
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	require.NoError(t, db.release())
}
