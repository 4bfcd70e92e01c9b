package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/audit"
)

// Config configures a Server.
type Config struct {
	// RatePerSecond and Burst bound requests per client IP; 0 disables.
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
	Version       string
}

// Server routes audit queries to an audit.Service.
type Server struct {
	svc     *audit.Service
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	limiter *GlobalRateLimiter
	handler http.Handler
}

// NewServer builds the handler chain: request id, access log, rate limit,
// then routing.
func NewServer(svc *audit.Service, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{svc: svc, cfg: cfg, logger: cfg.Logger, metrics: NewMetrics()}

	mux := http.NewServeMux()
	s.route(mux, "GET /audit/dataset/{id}", s.handleDataset)
	s.route(mux, "GET /audit/report/{hash}", s.handleReport)
	s.route(mux, "GET /audit/vault/verify", s.handleVaultVerify)
	s.route(mux, "GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	for _, path := range []string{"/audit/dataset/{id}", "/audit/report/{hash}", "/audit/vault/verify", "/health", "/metrics"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Allow", "GET, HEAD")
			WriteMethodNotAllowed(w, r)
		})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no route for "+r.URL.Path, "routes: /audit/dataset/{id}, /audit/report/{hash}, /audit/vault/verify")
	})

	var h http.Handler = mux
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewGlobalRateLimiter(cfg.RatePerSecond, burst)
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	s.handler = RequestID(h)
	return s
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.instrument(pattern, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Close stops background work.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("audit server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Dataset(r.Context(), r.PathValue("id"))
	if s.writeLookupError(w, r, "dataset", err) {
		return
	}
	result := "match"
	if ierr := rep.Err(); ierr != nil {
		var ie *audit.IntegrityError
		if errors.As(ierr, &ie) {
			result = ie.Code
		}
	}
	s.metrics.lookup("dataset", result)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Report(r.Context(), r.PathValue("hash"))
	if s.writeLookupError(w, r, "report", err) {
		return
	}
	s.metrics.lookup("report", "verified")
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleVaultVerify(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Chain(r.Context())
	result := "valid"
	if !st.Valid || !st.Reports.Valid {
		result = audit.CodeChainBroken
		s.logger.WarnContext(r.Context(), "vault chain verification failed", "error", st.Err())
	}
	s.metrics.lookup("chain", result)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.cfg.Version != "" {
		body["version"] = s.cfg.Version
	}
	writeJSON(w, http.StatusOK, body)
}

// writeLookupError writes err and reports whether it did.
func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, kind string, err error) bool {
	if err == nil {
		return false
	}
	var nf *audit.NotFoundError
	if errors.As(err, &nf) {
		s.metrics.lookup(kind, "not_found")
		WriteNotFound(w, r, nf.Error(), nf.Hint)
		return true
	}
	s.metrics.lookup(kind, "error")
	WriteInternal(w, r, s.logger, err)
	return true
}
