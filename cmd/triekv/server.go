package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/grpc/service"
	"github.com/KevoDB/triekv/pkg/grpc/transport"
	"github.com/KevoDB/triekv/pkg/httpapi"
	"github.com/KevoDB/triekv/pkg/telemetry"
)

// Server runs the gRPC and HTTP front ends of one database
type Server struct {
	db     *engine.DB
	config Config
	logger log.Logger

	grpcServer *transport.Server
	httpServer *httpapi.Server
}

// NewServer creates a server instance
func NewServer(db *engine.DB, config Config, logger log.Logger, tel telemetry.Telemetry) (*Server, error) {
	dbCfg := db.Config()
	handler := service.NewServer(db,
		service.WithLogger(logger),
		service.WithLimits(dbCfg.MaxKeySize, dbCfg.MaxValueSize),
	)

	grpcServer, err := transport.NewServer(config.ListenAddr, handler, transport.ServerOptions{
		TLSEnabled: config.TLSEnabled,
		TLS: transport.TLSConfig{
			CertFile: config.TLSCertFile,
			KeyFile:  config.TLSKeyFile,
			CAFile:   config.TLSCAFile,
		},
		MaxMessageSize: dbCfg.MaxValueSize + 1<<20,
		Logger:         logger,
		Telemetry:      tel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC server: %w", err)
	}

	s := &Server{db: db, config: config, logger: logger, grpcServer: grpcServer}
	if config.HTTPAddr != "" {
		opts := []httpapi.Option{
			httpapi.WithLogger(logger),
			httpapi.WithMaxBodySize(int64(dbCfg.MaxValueSize)),
		}
		if mh, ok := tel.(interface{ MetricsHandler() http.Handler }); ok {
			opts = append(opts, httpapi.WithMetricsHandler(mh.MetricsHandler()))
		}
		s.httpServer = httpapi.NewServer(db, opts...)
	}
	return s, nil
}

// Start starts both listeners in the background
func (s *Server) Start() error {
	if err := s.grpcServer.Start(); err != nil {
		return err
	}
	if s.httpServer != nil {
		if err := s.httpServer.Start(s.config.HTTPAddr); err != nil {
			s.grpcServer.Stop(context.Background())
			return err
		}
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones and flushes
// queued writes
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Stop(ctx))
	}
	errs = append(errs, s.grpcServer.Stop(ctx))
	if !s.db.ReadOnly() {
		if err := s.db.FlushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush: %w", err))
		}
	}
	return errors.Join(errs...)
}
