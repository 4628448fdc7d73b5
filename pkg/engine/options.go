package engine

import (
	"fmt"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/KevoDB/triekv/pkg/telemetry"
)

// Mode selects how a session accesses the database
type Mode int

const (
	// ModeReader opens an existing database for lookups only
	ModeReader Mode = iota
	// ModeWriterSync commits every mutation before the call returns
	ModeWriterSync
	// ModeWriterAsync queues mutations for a background committer
	ModeWriterAsync
)

// String returns the name of the mode
func (m Mode) String() string {
	switch m {
	case ModeReader:
		return "reader"
	case ModeWriterSync:
		return "writer-sync"
	case ModeWriterAsync:
		return "writer-async"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name back into a Mode
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeReader, ModeWriterSync, ModeWriterAsync} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) writer() bool {
	return m == ModeWriterSync || m == ModeWriterAsync
}

type options struct {
	cfg             *config.Config
	logger          log.Logger
	tel             telemetry.Telemetry
	collector       *stats.AtomicCollector
	createIfMissing bool
}

// Option configures Open
type Option func(*options)

// WithConfig sets the configuration used by the session. Geometry settings
// only apply when the database is created.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger; the session tags it with component=engine
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry enables metrics and tracing through tel
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithStatsCollector shares a statistics collector between sessions
func WithStatsCollector(c *stats.AtomicCollector) Option {
	return func(o *options) {
		o.collector = c
	}
}

// WithCreateIfMissing controls whether a writer creates a missing database.
// It defaults to true; readers never create.
func WithCreateIfMissing(create bool) Option {
	return func(o *options) {
		o.createIfMissing = create
	}
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{createIfMissing: true}
	for _, opt := range opts {
		opt(o)
	}

	if o.cfg == nil {
		o.cfg = config.NewDefaultConfig()
	} else {
		o.cfg = o.cfg.Clone()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	if o.logger == nil {
		o.logger = log.GetDefaultLogger()
	}
	o.logger = o.logger.WithField("component", "engine")
	if o.tel == nil {
		o.tel = telemetry.NewNoop()
	}
	if o.collector == nil {
		o.collector = stats.NewAtomicCollector()
	}
	return o, nil
}
