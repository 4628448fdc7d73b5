package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/KevoDB/triekv/pkg/grpc/service"
	"github.com/KevoDB/triekv/pkg/grpc/wire"
	"google.golang.org/grpc"
)

// ScanOptions configures a scan operation
type ScanOptions struct {
	// Prefix limits the scan to keys with this prefix
	Prefix []byte
	// Suffix limits the scan to keys with this suffix
	Suffix []byte
	// StartKey sets the starting point for the scan (inclusive)
	StartKey []byte
	// EndKey sets the ending point for the scan (exclusive)
	EndKey []byte
	// Limit sets the maximum number of key-value pairs to return
	Limit uint64
}

// Scanner iterates through the entries streamed by the server
type Scanner interface {
	// Next advances the scanner to the next key-value pair
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns any error that occurred during iteration
	Error() error
	// Close releases resources associated with the scanner
	Close() error
}

type scanIterator struct {
	stream  grpc.ClientStream
	current wire.ScanResponse
	err     error
	closed  bool
	cancel  context.CancelFunc
}

var scanStreamDesc = &grpc.StreamDesc{StreamName: "Scan", ServerStreams: true}

// Scan opens a stream over the entries selected by options. The scanner must
// be closed.
func (c *Client) Scan(ctx context.Context, options ScanOptions) (Scanner, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	var stream grpc.ClientStream
	err := c.retry(streamCtx, func(ctx context.Context) error {
		var err error
		stream, err = c.conn.NewStream(ctx, scanStreamDesc, service.MethodScan)
		return err
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream: %w", convert(err))
	}

	req := &wire.ScanRequest{
		Prefix: options.Prefix,
		Start:  options.StartKey,
		End:    options.EndKey,
		Suffix: options.Suffix,
		Limit:  options.Limit,
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send scan request: %w", convert(err))
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send scan request: %w", convert(err))
	}

	return &scanIterator{stream: stream, cancel: cancel}, nil
}

// Next advances the iterator to the next key-value pair
func (s *scanIterator) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if err := s.stream.RecvMsg(&s.current); err != nil {
		s.current = wire.ScanResponse{}
		if !errors.Is(err, io.EOF) {
			s.err = fmt.Errorf("error receiving scan response: %w", convert(err))
		}
		return false
	}
	return true
}

// Key returns the current key
func (s *scanIterator) Key() []byte {
	return s.current.Key
}

// Value returns the current value
func (s *scanIterator) Value() []byte {
	return s.current.Value
}

// Error returns any error that occurred during iteration
func (s *scanIterator) Error() error {
	return s.err
}

// Close releases resources associated with the scanner
func (s *scanIterator) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}
