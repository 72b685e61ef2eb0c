// Package webhook is the HTTP gateway: signed task lifecycle events, the
// unsigned legacy contract, session continuation and health.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/msageha/switchboard/internal/events"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
	"github.com/msageha/switchboard/internal/session"
	"github.com/msageha/switchboard/internal/signing"
)

const (
	HeaderRequestID     = "X-Request-Id"
	DefaultMaxBodyBytes = 1 << 20
	DefaultAddr         = ":8080"
)

// Pool is the part of the worker pool the gateway drives.
type Pool interface {
	Cancel(jobID string) (*model.Job, error)
	Requeue(jobID string, mutate func(*model.Job)) (*model.Job, error)
	Handoff(code string) (cleaned int, skipped bool)
	Processing() int
}

type Config struct {
	Addr          string
	Secret        string
	AllowUnsigned bool
	MaxSkew       time.Duration
	RatePerSec    float64
	Burst         int
	MaxBodyBytes  int64
	// Debug logs request and response bodies.
	Debug bool
}

type Server struct {
	cfg      Config
	queue    *queue.Store
	sessions *session.Store
	pool     Pool
	bus      *events.Bus
	verifier signing.Verifier
	limiter  *rate.Limiter
	logger   zerolog.Logger
	now      func() time.Time
	started  time.Time
}

type Option func(*Server)

func WithBus(b *events.Bus) Option { return func(s *Server) { s.bus = b } }

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
		s.verifier.Now = now
	}
}

func New(cfg Config, q *queue.Store, sessions *session.Store, pool Pool, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		queue:    q,
		sessions: sessions,
		pool:     pool,
		verifier: signing.Verifier{Secret: cfg.Secret, MaxSkew: cfg.MaxSkew},
		logger:   logger,
		now:      time.Now,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{code}", s.handleContinue)
	mux.HandleFunc("GET /webhook/{code}", s.handleSnapshot)
	mux.HandleFunc("DELETE /webhook/{code}", s.handleEndSession)

	return s.recoverer(s.requestID(s.rateLimit(mux)))
}

// Serve listens on the configured address until ctx ends, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln, shutdownTimeout)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("allow_unsigned", s.cfg.AllowUnsigned).Msg("webhook_listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	s.logger.Info().Msg("webhook_stopped")
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.body != nil {
		r.body.Write(p)
	}
	return r.ResponseWriter.Write(p)
}

// requestID tags the request with a uuid, attaches a request-scoped logger
// to the context and logs the outcome.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		log := s.logger.With().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Logger()

		rec := &statusRecorder{ResponseWriter: w}
		if s.cfg.Debug {
			rec.body = &bytes.Buffer{}
		}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(log.WithContext(r.Context())))

		ev := log.Debug()
		if rec.status >= 500 {
			ev = log.Error()
		} else if rec.status >= 400 {
			ev = log.Warn()
		}
		if rec.body != nil {
			ev = ev.Str("response_body", rec.body.String())
		}
		ev.Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("http_request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler_panic")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// readBody reads at most MaxBodyBytes. On failure the response has already
// been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	if s.cfg.Debug {
		zerolog.Ctx(r.Context()).Debug().Str("request_body", string(body)).Msg("http_request_body")
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
