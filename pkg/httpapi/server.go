// Package httpapi serves a database session over HTTP: a small JSON key/value
// API, the session statistics, a health check and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/KevoDB/triekv/pkg/common/iterator"
	"github.com/KevoDB/triekv/pkg/common/iterator/bounded"
	"github.com/KevoDB/triekv/pkg/common/iterator/filtered"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/engine/interfaces"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
	defaultMaxScan         = 1000
	defaultMaxBodySize     = 16 << 20
)

// Server is the HTTP front end of a database session
type Server struct {
	engine      interfaces.Engine
	logger      log.Logger
	metrics     http.Handler
	maxScan     int
	maxBodySize int64

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus registry
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMaxScan caps the number of entries a scan returns
func WithMaxScan(n int) Option {
	return func(s *Server) {
		s.maxScan = n
	}
}

// WithMaxBodySize bounds the size of a value sent with PUT
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		s.maxBodySize = n
	}
}

// NewServer creates a server for e
func NewServer(e interfaces.Engine, opts ...Option) *Server {
	s := &Server{
		engine:      e,
		maxScan:     defaultMaxScan,
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	s.logger = s.logger.WithField("component", "http")
	return s
}

// Handler returns the router serving the API
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/kv", s.handleGet)
		r.Put("/kv", s.handlePut)
		r.Delete("/kv", s.handleDelete)
		r.Get("/prefix", s.handleLongestPrefix)
		r.Get("/scan", s.handleScan)
		r.Post("/flush", s.handleFlush)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("HTTP server started on %s", lis.Addr())
	return nil
}

// Addr returns the address the server listens on, once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response: %v", err)
	}
}

// writeError reports err with the status matching the engine error
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrKeyTooLarge), errors.Is(err, engine.ErrValueTooLarge):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrReadOnly):
		code = http.StatusForbidden
	case errors.Is(err, engine.ErrKeyExists):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrOutOfSpace):
		code = http.StatusInsufficientStorage
	case errors.Is(err, engine.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.writeJSON(w, code, newErrorResponse(err.Error()))
}

func requireKey(r *http.Request) ([]byte, bool) {
	q := r.URL.Query()
	if !q.Has("key") {
		return nil, false
	}
	return []byte(q.Get("key")), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := newOKResponse()
	resp.Mode = s.modeName()
	resp.Version = s.engine.Version()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) modeName() string {
	if db, ok := s.engine.(*engine.DB); ok {
		return db.Mode().String()
	}
	if s.engine.ReadOnly() {
		return engine.ModeReader.String()
	}
	return ""
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Missing key"))
		return
	}
	value, err := s.engine.Find(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newValueResponse(key, value))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Missing key"))
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodySize+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Failed to read body"))
		return
	}
	if int64(len(value)) > s.maxBodySize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, newErrorResponse("Value too large"))
		return
	}

	if r.URL.Query().Get("overwrite") == "false" {
		err = s.engine.Insert(key, value)
	} else {
		err = s.engine.AddContext(r.Context(), key, value)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("sync") == "true" {
		if err := s.engine.Flush(); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, newSuccessResponse(s.engine.Version()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Missing key"))
		return
	}
	if err := s.engine.Remove(key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSuccessResponse(s.engine.Version()))
}

func (s *Server) handleLongestPrefix(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Missing key"))
		return
	}
	match, value, err := s.engine.FindLongestPrefix(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newValueResponse(match, value))
}

// handleScan lists entries selected by prefix, [start, end), suffix and
// contains parameters, in key order
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := s.maxScan
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, newErrorResponse("Invalid limit"))
			return
		}
		if n > 0 && (limit <= 0 || n < limit) {
			limit = n
		}
	}

	var iter iterator.Iterator = s.engine.Prefix([]byte(q.Get("prefix")))
	if q.Has("start") || q.Has("end") {
		var start, end []byte
		if q.Has("start") {
			start = []byte(q.Get("start"))
		}
		if q.Has("end") {
			end = []byte(q.Get("end"))
		}
		iter = bounded.NewBoundedIterator(iter, start, end)
	}
	if v := q.Get("suffix"); v != "" {
		iter = filtered.NewSuffixIterator(iter, []byte(v))
	}
	if v := q.Get("contains"); v != "" {
		iter = filtered.NewFilteredIterator(iter, filtered.ContainsFilterFunc([]byte(v)))
	}
	defer iter.Close()

	resp := Response{Status: StatusSuccess, Version: s.engine.Version(), Entries: []Entry{}}
	for ok := iter.SeekToFirst(); ok; ok = iter.Next() {
		if limit > 0 && len(resp.Entries) >= limit {
			break
		}
		if err := r.Context().Err(); err != nil {
			return
		}
		resp.Entries = append(resp.Entries, Entry{Key: string(iter.Key()), Value: string(iter.Value())})
	}
	if err := iter.Err(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSuccessResponse(s.engine.Version()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}
