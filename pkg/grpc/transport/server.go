// Package transport runs the TrieKV gRPC service on a network listener.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/grpc/service"
	"github.com/KevoDB/triekv/pkg/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// ServerOptions configures a Server
type ServerOptions struct {
	TLSEnabled bool
	TLS        TLSConfig

	// MaxMessageSize bounds received and sent messages; 0 keeps gRPC's default
	MaxMessageSize int

	Logger    log.Logger
	Telemetry telemetry.Telemetry
}

// Server serves one service.Handler over gRPC
type Server struct {
	address  string
	options  ServerOptions
	handler  service.Handler
	logger   log.Logger
	server   *grpc.Server
	listener net.Listener

	mu      sync.Mutex
	started bool
	done    chan error
}

// NewServer creates a server for handler. address may be empty when the
// listener is handed to Serve.
func NewServer(address string, handler service.Handler, options ServerOptions) (*Server, error) {
	if options.Logger == nil {
		options.Logger = log.GetDefaultLogger()
	}
	if options.Telemetry == nil {
		options.Telemetry = telemetry.NewNoop()
	}
	s := &Server{
		address: address,
		options: options,
		handler: handler,
		logger:  options.Logger.WithField("component", "grpc-server"),
	}

	serverOpts, err := s.serverOptions()
	if err != nil {
		return nil, err
	}
	s.server = grpc.NewServer(serverOpts...)
	service.Register(s.server, handler)
	return s, nil
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if s.options.TLSEnabled {
		tlsConfig, err := LoadServerTLSConfig(s.options.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     60 * time.Second,
			MaxConnectionAge:      5 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  15 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unaryInterceptor(s.options.Telemetry, s.logger)),
		grpc.ChainStreamInterceptor(streamInterceptor(s.options.Telemetry, s.logger)),
	)

	if s.options.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(s.options.MaxMessageSize),
			grpc.MaxSendMsgSize(s.options.MaxMessageSize),
		)
	}
	return opts, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.start(lis)
}

func (s *Server) start(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.listener = lis
	s.done = make(chan error, 1)

	go func() {
		err := s.server.Serve(lis)
		if err != nil {
			s.logger.Error("gRPC server stopped: %v", err)
		}
		s.done <- err
	}()
	s.logger.Info("gRPC server listening on %s", lis.Addr())
	return nil
}

// Serve serves on lis and blocks until the server stops
func (s *Server) Serve(lis net.Listener) error {
	if err := s.start(lis); err != nil {
		return err
	}
	return <-s.done
}

// Addr returns the address the server listens on, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight calls until ctx expires, then closes every connection
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		<-stopped
		return ctx.Err()
	}
}
