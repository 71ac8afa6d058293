package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shardkv/pkg/cluster"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/wal"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	// maxBodySize leaves room for JSON escaping around the largest value a
	// storage record can hold.
	maxBodySize = 2*wal.MaxEntrySize + 1024
)

type iDispatcher interface {
	HandleGet(ctx context.Context, key []byte) ([]byte, bool, error)
	HandleSet(ctx context.Context, key, value []byte) error
	HandleDelete(ctx context.Context, key []byte) error
	HandleTopologyInfo() cluster.TopologyInfo
}

type iMetrics interface {
	WritePrometheus(w io.Writer)
}

type ServerConfig struct {
	Dispatcher iDispatcher
	// Port to listen on; "0" picks a free one.
	Port    string
	Metrics iMetrics
	Logger  *slog.Logger
}

// Server exposes a Dispatcher over HTTP.
type Server struct {
	dispatcher iDispatcher
	metrics    iMetrics
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
}

func NewServer(cfg ServerConfig) *Server {
	port := cfg.Port
	if port == "" {
		port = defaultHTTPPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "http"),
		URL:        "http://localhost:" + port,
		addr:       ":" + port,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln
	if _, port, err := net.SplitHostPort(ln.Addr().String()); err == nil {
		s.URL = "http://localhost:" + port
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router with middleware attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(forwardedFrom)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/shard-info", s.handleShardInfo)
	r.Get("/get", s.handleGet)
	r.Post("/set", s.handleSet)
	r.Post("/del", s.handleDelete)
	r.Delete("/del", s.handleDelete)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), NewErrorResponse(err))
}

// statusFor maps an error kind to its HTTP status. Everything that is not a
// caller mistake is a 500; clients tell those apart by the envelope code.
func statusFor(err error) int {
	switch dberrors.KindOf(err) {
	case dberrors.KindValidation, dberrors.KindRedirectLoop:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		return
	}
	s.metrics.WritePrometheus(w)
}

func (s *Server) handleShardInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.HandleTopologyInfo())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, dberrors.Newf(dberrors.KindValidation, "missing key"))
		return
	}

	value, found, err := s.dispatcher.HandleGet(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusOK, NewNotFoundResponse())
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(string(value)))
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req SetRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Key == "" {
		s.writeError(w, dberrors.Newf(dberrors.KindValidation, "missing key"))
		return
	}
	if req.Value == nil {
		s.writeError(w, dberrors.Newf(dberrors.KindValidation, "missing value"))
		return
	}

	if err := s.dispatcher.HandleSet(r.Context(), []byte(req.Key), []byte(*req.Value)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(dataSetOK))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" && r.ContentLength != 0 {
		var req DeleteRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		key = req.Key
	}
	if key == "" {
		s.writeError(w, dberrors.Newf(dberrors.KindValidation, "missing key"))
		return
	}

	if err := s.dispatcher.HandleDelete(r.Context(), []byte(key)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(dataDeleted))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		return dberrors.Newf(dberrors.KindValidation, "invalid JSON body: %v", err)
	}
	return nil
}

// ====== middleware ======

// forwardedFrom marks requests another node forwarded so the dispatcher
// will not forward them a second time.
func forwardedFrom(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get(headerForwarded); origin != "" {
			r = r.WithContext(cluster.WithForwardedFrom(r.Context(), origin))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", RequestIDFrom(r.Context()),
				"forwarded_from", r.Header.Get(headerForwarded),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
