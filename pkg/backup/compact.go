package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/engine"
	"golang.org/x/sync/errgroup"
)

// CompactOptions configures Compact
type CompactOptions struct {
	Options
	// EngineOptions are passed to the destination session. The source
	// configuration is used unless one of them sets another.
	EngineOptions []engine.Option
}

// Compact copies every key of src into a new database at dstDir. The copy is
// laid out densely with empty free-lists, so it is the way to give back space
// that a long-lived database keeps for reuse. dstDir must not hold a database.
func Compact(ctx context.Context, src *engine.DB, dstDir string, opts CompactOptions) (Result, error) {
	if engine.Exists(dstDir) {
		return Result{}, fmt.Errorf("destination %s already holds a database", dstDir)
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create destination: %w", err)
	}

	engineOpts := append([]engine.Option{engine.WithConfig(src.Config())}, opts.EngineOptions...)
	dst, err := engine.Open(dstDir, engine.ModeWriterAsync, engineOpts...)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create destination database: %w", err)
	}

	// records travel uncompressed between the two sessions
	pipeOpts := opts.Options
	pipeOpts.Codec = codec.None
	pipeOpts.Clear = false

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := Backup(gctx, src, pw, pipeOpts)
		pw.CloseWithError(err)
		return err
	})

	var res Result
	g.Go(func() error {
		var err error
		res, err = Restore(gctx, pr, dst, pipeOpts)
		pr.CloseWithError(err)
		return err
	})

	err = g.Wait()
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return res, fmt.Errorf("compaction into %s failed: %w", dstDir, err)
	}

	opts.logger().Info("compacted %d entries from %s into %s", res.Entries, src.Path(), dstDir)
	return res, nil
}
