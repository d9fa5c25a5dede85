package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

// detailedReleaser is implemented by *pool.Pool.
type detailedReleaser interface {
	ReleaseDetailed(ctx context.Context, resourceID, workerID string, opts ...pool.ReleaseOption) (pool.ReleaseResult, error)
}

// ServerOptions bounds the allocate timeouts remote callers may use.
type ServerOptions struct {
	// DefaultAllocateTimeout applies when a request names no timeout
	DefaultAllocateTimeout time.Duration
	// MaxAllocateTimeout caps requested timeouts (0 = uncapped)
	MaxAllocateTimeout time.Duration
	// DisableMetrics drops the /metrics route
	DisableMetrics bool
}

// Server exposes a Leaser over HTTP.
type Server struct {
	leaser pool.Leaser
	opts   ServerOptions
	logger *zap.Logger
	router chi.Router
}

// NewServer builds the router for l.
func NewServer(l pool.Leaser, log *zap.Logger, opts ServerOptions) *Server {
	s := &Server{
		leaser: l,
		opts:   opts,
		logger: logger.OrGlobal(log).With(zap.String("component", "remote_server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Get("/healthz", s.health)
	if !opts.DisableMetrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	r.Route(APIPrefix, func(r chi.Router) {
		r.Post(RouteInitialize, s.initialize)
		r.Post(RouteAllocate, s.allocate)
		r.Post(RouteRelease, s.release)
		r.Get(RouteStatus, s.status)
		r.Post(RouteStop, s.stop)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Address until ctx is cancelled, then shuts down
// gracefully. The write timeout is raised to fit the longest allocate wait.
func (s *Server) Serve(ctx context.Context, cfg config.ServerConfig) error {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to listen").
			WithDetail("address", cfg.Address)
	}
	return s.ServeListener(ctx, ln, cfg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener, cfg config.ServerConfig) error {
	writeTimeout := cfg.WriteTimeout
	if cfg.MaxAllocateTimeout > 0 && writeTimeout > 0 && writeTimeout < cfg.MaxAllocateTimeout+5*time.Second {
		writeTimeout = cfg.MaxAllocateTimeout + 5*time.Second
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      writeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("pool server listening", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("pool server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	status := StatusCode(body.Type)
	log := logger.Enrich(r.Context(), s.logger)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request refused", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: body})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, poolerrors.Wrap(err, poolerrors.ErrorTypeValidation, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	ready, err := s.leaser.Initialize(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, InitializeResponse{Ready: ready})
}

func (s *Server) allocateTimeout(req AllocateRequest) (time.Duration, error) {
	if req.TimeoutMS == nil {
		return s.opts.DefaultAllocateTimeout, nil
	}
	if *req.TimeoutMS < 0 {
		return 0, poolerrors.New(poolerrors.ErrorTypeValidation, "timeout_ms cannot be negative")
	}
	timeout := time.Duration(*req.TimeoutMS) * time.Millisecond
	if s.opts.MaxAllocateTimeout > 0 && timeout > s.opts.MaxAllocateTimeout {
		timeout = s.opts.MaxAllocateTimeout
	}
	return timeout, nil
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !s.decode(w, r, &req) {
		return
	}
	timeout, err := s.allocateTimeout(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := context.WithValue(r.Context(), logger.WorkerIDKey, req.WorkerID)
	info, err := s.leaser.Allocate(ctx, req.WorkerID, timeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AllocateResponse{Connection: info})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	reset := req.Reset == nil || *req.Reset
	opt := pool.WithReset(reset)

	ctx := context.WithValue(r.Context(), logger.WorkerIDKey, req.WorkerID)
	ctx = context.WithValue(ctx, logger.ResourceIDKey, req.ResourceID)

	result := pool.ReleaseReleased
	var err error
	if dr, ok := s.leaser.(detailedReleaser); ok {
		result, err = dr.ReleaseDetailed(ctx, req.ResourceID, req.WorkerID, opt)
	} else {
		err = s.leaser.Release(ctx, req.ResourceID, req.WorkerID, opt)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReleaseResponse{Result: result})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	stats, err := s.leaser.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.leaser.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
