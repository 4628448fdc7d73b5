// Package client talks to a triekv server over gRPC.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevoDB/triekv/pkg/grpc/service"
	"github.com/KevoDB/triekv/pkg/grpc/transport"
	"github.com/KevoDB/triekv/pkg/grpc/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientOptions configures a client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for Connect
	RequestTimeout time.Duration // Default timeout for requests

	// Security options
	TLSEnabled bool
	TLS        transport.TLSConfig

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff

	MaxMessageSize int // Maximum message size

	// DialOptions are appended to the options the client builds
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50051",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		MaxMessageSize: 16 * 1024 * 1024, // 16MB
	}
}

// Client is a connection to a triekv server
type Client struct {
	options ClientOptions
	conn    *grpc.ClientConn
}

// NewClient creates a client. The connection is made lazily; Connect waits
// for it explicitly.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.Name)),
	}
	if options.TLSEnabled {
		tlsConfig, err := transport.LoadClientTLSConfig(options.TLS)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if options.MaxMessageSize > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(options.MaxMessageSize),
			grpc.MaxCallSendMsgSize(options.MaxMessageSize),
		))
	}
	dialOpts = append(dialOpts, options.DialOptions...)

	conn, err := grpc.NewClient(options.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", options.Endpoint, err)
	}
	return &Client{options: options, conn: conn}, nil
}

// Connect waits until the connection is ready or ConnectTimeout passes
func (c *Client) Connect(ctx context.Context) error {
	if c.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.ConnectTimeout)
		defer cancel()
	}

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrNotConnected
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%w: %s after %v", ErrNotConnected, state, ctx.Err())
		}
	}
}

// IsConnected reports whether the connection is ready
func (c *Client) IsConnected() bool {
	return c.conn.GetState() == connectivity.Ready
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp wire.Message) error {
	return c.retry(ctx, func(ctx context.Context) error {
		if c.options.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
			defer cancel()
		}
		return c.conn.Invoke(ctx, method, req, resp)
	})
}

// Get returns the value stored for key; found is false for a missing key
func (c *Client) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	resp := &wire.GetResponse{}
	if err := c.invoke(ctx, service.MethodGet, &wire.GetRequest{Key: key}, resp); err != nil {
		return nil, false, convert(err)
	}
	return resp.Value, resp.Found, nil
}

// Put stores value under key. With sync set it returns once the write is
// committed. It returns the server's committed version.
func (c *Client) Put(ctx context.Context, key, value []byte, sync bool) (uint64, error) {
	resp := &wire.PutResponse{}
	req := &wire.PutRequest{Key: key, Value: value, Sync: sync}
	if err := c.invoke(ctx, service.MethodPut, req, resp); err != nil {
		return 0, convert(err)
	}
	return resp.Version, nil
}

// Delete removes key and reports whether it existed
func (c *Client) Delete(ctx context.Context, key []byte, sync bool) (bool, error) {
	resp := &wire.DeleteResponse{}
	if err := c.invoke(ctx, service.MethodDelete, &wire.DeleteRequest{Key: key, Sync: sync}, resp); err != nil {
		return false, convert(err)
	}
	return resp.Found, nil
}

// LongestPrefix returns the longest stored key that is a prefix of key
func (c *Client) LongestPrefix(ctx context.Context, key []byte) (match, value []byte, found bool, err error) {
	resp := &wire.LongestPrefixResponse{}
	if err := c.invoke(ctx, service.MethodLongestPrefix, &wire.LongestPrefixRequest{Key: key}, resp); err != nil {
		return nil, nil, false, convert(err)
	}
	return resp.Key, resp.Value, resp.Found, nil
}

// Flush waits until the server has committed and synced queued writes
func (c *Client) Flush(ctx context.Context) (uint64, error) {
	resp := &wire.FlushResponse{}
	if err := c.invoke(ctx, service.MethodFlush, &wire.FlushRequest{}, resp); err != nil {
		return 0, convert(err)
	}
	return resp.Version, nil
}

// Stats returns the server statistics by name
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	resp := &wire.StatsResponse{}
	if err := c.invoke(ctx, service.MethodStats, &wire.StatsRequest{}, resp); err != nil {
		return nil, convert(err)
	}
	out := make(map[string]string, len(resp.Stats))
	for _, s := range resp.Stats {
		out[s.Name] = s.Value
	}
	return out, nil
}

// StatsWithPrefix returns the statistics whose names start with prefix
func (c *Client) StatsWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	all, err := c.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for k := range all {
		if !strings.HasPrefix(k, prefix) {
			delete(all, k)
		}
	}
	return all, nil
}
