package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/codec"
)

const (
	CurrentConfigVersion = 1

	// MaxKeyLimit is the hard upper bound for MaxKeySize
	MaxKeyLimit = 1<<16 - 1

	// NodeOverhead is the room an index segment needs beyond the longest key
	// for the rest of a node: its fixed fields and a full child table
	NodeOverhead = 4096
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrUnknownFormat  = errors.New("unknown configuration format")
)

// SyncMode controls when mapped files are flushed to disk
type SyncMode int

const (
	// SyncNone leaves flushing to the operating system until close
	SyncNone SyncMode = iota
	// SyncBatch flushes every SyncEveryCommits commits
	SyncBatch
	// SyncImmediate flushes before every commit is published
	SyncImmediate
)

// String returns the configuration name of the mode
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("sync(%d)", int(m))
	}
}

// MarshalText encodes the mode by name
func (m SyncMode) MarshalText() ([]byte, error) {
	if m < SyncNone || m > SyncImmediate {
		return nil, fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name
func (m *SyncMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*m = SyncNone
	case "batch":
		*m = SyncBatch
	case "immediate":
		*m = SyncImmediate
	default:
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, text)
	}
	return nil
}

type Config struct {
	Version int `json:"version" toml:"version" yaml:"version"`

	// Arena geometry, fixed when the database is created
	IndexSegmentSize int64 `json:"index_segment_size" toml:"index_segment_size" yaml:"index_segment_size"`
	DataSegmentSize  int64 `json:"data_segment_size" toml:"data_segment_size" yaml:"data_segment_size"`

	// Hard limits; 0 means unlimited
	MaxIndexSize int64 `json:"max_index_size" toml:"max_index_size" yaml:"max_index_size"`
	MaxDataSize  int64 `json:"max_data_size" toml:"max_data_size" yaml:"max_data_size"`
	MaxKeySize   int   `json:"max_key_size" toml:"max_key_size" yaml:"max_key_size"`
	MaxValueSize int   `json:"max_value_size" toml:"max_value_size" yaml:"max_value_size"`

	// Reclamation
	GraceGenerations uint64 `json:"grace_generations" toml:"grace_generations" yaml:"grace_generations"`

	// Writer
	AsyncQueueSize    int      `json:"async_queue_size" toml:"async_queue_size" yaml:"async_queue_size"`
	AsyncBatchSize    int      `json:"async_batch_size" toml:"async_batch_size" yaml:"async_batch_size"`
	SyncMode          SyncMode `json:"sync_mode" toml:"sync_mode" yaml:"sync_mode"`
	SyncEveryCommits  int      `json:"sync_every_commits" toml:"sync_every_commits" yaml:"sync_every_commits"`
	WriterLockTimeout int64    `json:"writer_lock_timeout_ms" toml:"writer_lock_timeout_ms" yaml:"writer_lock_timeout_ms"`

	// Values
	ValueCompression string `json:"value_compression" toml:"value_compression" yaml:"value_compression"`
	MinCompressSize  int    `json:"min_compress_size" toml:"min_compress_size" yaml:"min_compress_size"`

	// Mapping
	PageAdvice string `json:"page_advice" toml:"page_advice" yaml:"page_advice"`

	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,

		IndexSegmentSize: 4 * 1024 * 1024,  // 4MB
		DataSegmentSize:  16 * 1024 * 1024, // 16MB

		MaxKeySize:   4096,
		MaxValueSize: 1024 * 1024, // 1MB

		GraceGenerations: 4,

		AsyncQueueSize:   1024,
		AsyncBatchSize:   64,
		SyncMode:         SyncBatch,
		SyncEveryCommits: 256,

		ValueCompression: "none",
		MinCompressSize:  256,

		PageAdvice: "normal",
		LogLevel:   "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	for name, size := range map[string]int64{"index": c.IndexSegmentSize, "data": c.DataSegmentSize} {
		if size < arena.MinSegmentSize || size > arena.MaxSegmentSize || size%arena.MinSegmentSize != 0 {
			return fmt.Errorf("%w: %s segment size must be a multiple of %d between %d and %d",
				ErrInvalidConfig, name, arena.MinSegmentSize, arena.MinSegmentSize, arena.MaxSegmentSize)
		}
	}

	if c.MaxIndexSize != 0 && c.MaxIndexSize < c.IndexSegmentSize {
		return fmt.Errorf("%w: max index size smaller than one segment", ErrInvalidConfig)
	}

	if c.MaxDataSize != 0 && c.MaxDataSize < c.DataSegmentSize {
		return fmt.Errorf("%w: max data size smaller than one segment", ErrInvalidConfig)
	}

	if c.MaxKeySize <= 0 || c.MaxKeySize > MaxKeyLimit {
		return fmt.Errorf("%w: max key size must be between 1 and %d", ErrInvalidConfig, MaxKeyLimit)
	}

	if int64(c.MaxKeySize)+NodeOverhead > c.IndexSegmentSize {
		return fmt.Errorf("%w: max key size %d does not fit an index segment of %d bytes",
			ErrInvalidConfig, c.MaxKeySize, c.IndexSegmentSize)
	}

	if c.MaxValueSize <= 0 {
		return fmt.Errorf("%w: max value size must be positive", ErrInvalidConfig)
	}

	if c.GraceGenerations == 0 {
		return fmt.Errorf("%w: grace generations must be at least 1", ErrInvalidConfig)
	}

	if c.AsyncQueueSize <= 0 {
		return fmt.Errorf("%w: async queue size must be positive", ErrInvalidConfig)
	}

	if c.AsyncBatchSize <= 0 {
		return fmt.Errorf("%w: async batch size must be positive", ErrInvalidConfig)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.SyncMode == SyncBatch && c.SyncEveryCommits <= 0 {
		return fmt.Errorf("%w: sync every commits must be positive in batch mode", ErrInvalidConfig)
	}

	if c.WriterLockTimeout < 0 {
		return fmt.Errorf("%w: writer lock timeout must not be negative", ErrInvalidConfig)
	}

	if _, err := codec.Parse(c.ValueCompression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.MinCompressSize < 0 {
		return fmt.Errorf("%w: min compress size must not be negative", ErrInvalidConfig)
	}

	if _, err := arena.ParseAdvice(c.PageAdvice); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Clone returns a copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:           c.Version,
		IndexSegmentSize:  c.IndexSegmentSize,
		DataSegmentSize:   c.DataSegmentSize,
		MaxIndexSize:      c.MaxIndexSize,
		MaxDataSize:       c.MaxDataSize,
		MaxKeySize:        c.MaxKeySize,
		MaxValueSize:      c.MaxValueSize,
		GraceGenerations:  c.GraceGenerations,
		AsyncQueueSize:    c.AsyncQueueSize,
		AsyncBatchSize:    c.AsyncBatchSize,
		SyncMode:          c.SyncMode,
		SyncEveryCommits:  c.SyncEveryCommits,
		WriterLockTimeout: c.WriterLockTimeout,
		ValueCompression:  c.ValueCompression,
		MinCompressSize:   c.MinCompressSize,
		PageAdvice:        c.PageAdvice,
		LogLevel:          c.LogLevel,
	}
}

// LockTimeout returns WriterLockTimeout as a duration
func (c *Config) LockTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.WriterLockTimeout) * time.Millisecond
}
