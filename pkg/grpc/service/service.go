package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/KevoDB/triekv/pkg/common/iterator"
	"github.com/KevoDB/triekv/pkg/common/iterator/bounded"
	"github.com/KevoDB/triekv/pkg/common/iterator/filtered"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/engine/interfaces"
	"github.com/KevoDB/triekv/pkg/grpc/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements the TrieKV service over a database session
type Server struct {
	engine       interfaces.Engine
	logger       log.Logger
	maxKeySize   int
	maxValueSize int
	maxScan      uint64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger; the server tags it with component=grpc
func WithLogger(logger log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLimits bounds the request sizes the server accepts. Requests over the
// limit are rejected before they reach the engine.
func WithLimits(maxKeySize, maxValueSize int) Option {
	return func(s *Server) {
		s.maxKeySize = maxKeySize
		s.maxValueSize = maxValueSize
	}
}

// WithMaxScan caps the number of entries one Scan streams; 0 removes the cap
func WithMaxScan(n uint64) Option {
	return func(s *Server) {
		s.maxScan = n
	}
}

// NewServer creates a Server for the given session
func NewServer(e interfaces.Engine, opts ...Option) *Server {
	s := &Server{
		engine:       e,
		maxKeySize:   64 * 1024,
		maxValueSize: 16 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}
	s.logger = s.logger.WithField("component", "grpc")
	return s
}

// toStatus maps engine errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrKeyTooLarge), errors.Is(err, engine.ErrValueTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrReadOnly):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrOutOfSpace):
		code = codes.ResourceExhausted
	case errors.Is(err, engine.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, engine.ErrCorruptDatabase):
		code = codes.DataLoss
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func (s *Server) checkKey(key []byte) error {
	if len(key) > s.maxKeySize {
		return status.Errorf(codes.InvalidArgument, "key of %d bytes exceeds %d", len(key), s.maxKeySize)
	}
	return nil
}

// Get returns the value stored for a key
func (s *Server) Get(ctx context.Context, req *wire.GetRequest) (*wire.GetResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	value, err := s.engine.Find(req.Key)
	if errors.Is(err, engine.ErrNotFound) {
		return &wire.GetResponse{Found: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &wire.GetResponse{Value: value, Found: true}, nil
}

// Put stores a value
func (s *Server) Put(ctx context.Context, req *wire.PutRequest) (*wire.PutResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	if len(req.Value) > s.maxValueSize {
		return nil, status.Errorf(codes.InvalidArgument, "value of %d bytes exceeds %d", len(req.Value), s.maxValueSize)
	}

	if err := s.engine.AddContext(ctx, req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	if req.Sync {
		if err := s.engine.Flush(); err != nil {
			return nil, toStatus(err)
		}
	}
	return &wire.PutResponse{Version: s.engine.Version()}, nil
}

// Delete removes a key
func (s *Server) Delete(ctx context.Context, req *wire.DeleteRequest) (*wire.DeleteResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	err := s.engine.Remove(req.Key)
	if errors.Is(err, engine.ErrNotFound) {
		return &wire.DeleteResponse{Found: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Sync {
		if err := s.engine.Flush(); err != nil {
			return nil, toStatus(err)
		}
	}
	return &wire.DeleteResponse{Found: true}, nil
}

// LongestPrefix returns the longest stored key that prefixes the request key
func (s *Server) LongestPrefix(ctx context.Context, req *wire.LongestPrefixRequest) (*wire.LongestPrefixResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	key, value, err := s.engine.FindLongestPrefix(req.Key)
	if errors.Is(err, engine.ErrNotFound) {
		return &wire.LongestPrefixResponse{Found: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &wire.LongestPrefixResponse{Key: key, Value: value, Found: true}, nil
}

// Flush waits for queued writes and syncs them to disk
func (s *Server) Flush(ctx context.Context, req *wire.FlushRequest) (*wire.FlushResponse, error) {
	if err := s.engine.Flush(); err != nil {
		return nil, toStatus(err)
	}
	return &wire.FlushResponse{Version: s.engine.Version()}, nil
}

// Scan streams the entries selected by the request in key order
func (s *Server) Scan(req *wire.ScanRequest, stream ScanStream) error {
	var iter iterator.Iterator = s.engine.Prefix(req.Prefix)
	if len(req.Start) > 0 || len(req.End) > 0 {
		iter = bounded.NewBoundedIterator(iter, req.Start, req.End)
	}
	if len(req.Suffix) > 0 {
		iter = filtered.NewSuffixIterator(iter, req.Suffix)
	}
	defer iter.Close()

	limit := req.Limit
	if s.maxScan > 0 && (limit == 0 || limit > s.maxScan) {
		limit = s.maxScan
	}

	ctx := stream.Context()
	var sent uint64
	for ok := iter.SeekToFirst(); ok; ok = iter.Next() {
		if limit > 0 && sent >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return toStatus(err)
		}
		if err := stream.Send(&wire.ScanResponse{Key: iter.Key(), Value: iter.Value()}); err != nil {
			return err
		}
		sent++
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("scan stopped after %d entries: %v", sent, err)
		return toStatus(err)
	}
	return nil
}

// Stats returns the session statistics flattened into sorted name/value pairs
func (s *Server) Stats(ctx context.Context, req *wire.StatsRequest) (*wire.StatsResponse, error) {
	resp := &wire.StatsResponse{}
	flatten("", s.engine.Stats(), &resp.Stats)
	sort.Slice(resp.Stats, func(i, j int) bool { return resp.Stats[i].Name < resp.Stats[j].Name })
	return resp, nil
}

func flatten(prefix string, m map[string]interface{}, out *[]wire.Stat) {
	for k, v := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := v.(type) {
		case map[string]interface{}:
			flatten(name, v, out)
		case map[string]uint64:
			for sub, n := range v {
				*out = append(*out, wire.Stat{Name: name + "." + sub, Value: fmt.Sprint(n)})
			}
		default:
			*out = append(*out, wire.Stat{Name: name, Value: fmt.Sprint(v)})
		}
	}
}
