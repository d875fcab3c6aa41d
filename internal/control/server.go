// Package control serves the per-instance HTTP control plane polled and
// driven by the fleet manager.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/journal"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/supervisor"
)

const (
	shutdownTimeout = 10 * time.Second
	defaultHistory  = 50
	maxHistory      = 500
)

// Source is the supervisor as seen by the control plane.
type Source interface {
	Snapshot() supervisor.Snapshot
	Regenerate(ctx context.Context) (supervisor.RegenerateResult, error)
}

// History is the optional transition journal behind GET /history.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// StopFunc ends the instance process.
type StopFunc func()

type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// StopGrace is how long POST /stop waits before calling StopFunc, so
	// the acknowledgement reaches the caller.
	StopGrace time.Duration
	Now       func() time.Time
}

// DefaultConfig returns the control plane configuration for port.
func DefaultConfig(port int) Config {
	return Config{
		Port:         port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		StopGrace:    time.Second,
		Now:          time.Now,
	}
}

type Server struct {
	cfg        Config
	addr       string
	httpServer *http.Server
	source     Source
	history    History
	stop       StopFunc
	log        logger.Logger

	stopOnce sync.Once
	ready    chan struct{}
	bound    string
}

func New(cfg Config, source Source, history History, stop StopFunc, log logger.Logger) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	server := &Server{
		cfg:     cfg,
		addr:    addr,
		source:  source,
		history: history,
		stop:    stop,
		log:     log.With("component", "control"),
		ready:   make(chan struct{}),
	}

	server.httpServer = &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

// Handler returns the control plane with its middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withRecovery(http.HandlerFunc(s.route)))
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. It is only meaningful after Ready.
func (s *Server) Addr() string {
	return s.bound
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errFactory := errors.New()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errFactory.Wrap(ErrListen, err)
	}
	s.bound = ln.Addr().String()
	close(s.ready)

	errChan := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.bound).Msg("Control plane listening")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Debug().Msg("Shutting down control plane")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return errFactory.Wrap(ErrShutdown, err)
		}
		s.log.Debug().Msg("Control plane shut down gracefully")
		return nil
	case err := <-errChan:
		return errFactory.Wrap(ErrListen, err)
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/pairing-code" && r.Method == http.MethodGet:
		s.handlePairingCode(w, r)
	case r.URL.Path == "/regenerate-code" && r.Method == http.MethodPost:
		s.handleRegenerate(w, r)
	case r.URL.Path == "/stop" && r.Method == http.MethodPost:
		s.handleStop(w, r)
	case r.URL.Path == "/history" && r.Method == http.MethodGet:
		s.handleHistory(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	}
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Content-Type", "application/json")
}
