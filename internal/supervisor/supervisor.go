// Package supervisor implements spec.md §4.8's start/stop ordering and
// process signal handling. Grounded on the teacher's cmd/server/main.go
// (signal.NotifyContext + http.Server.Shutdown pattern), generalized
// into a reusable object so cmd/sfud/main.go stays a thin wire-up.
package supervisor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/process"
	"github.com/sfucore/sfu/internal/workerpool"
)

// Config configures a Supervisor's shutdown grace period.
type Config struct {
	ShutdownTimeout time.Duration
}

// Supervisor owns the auth/worker-pool/http-server start-stop ordering
// and the signal handlers spec.md §4.8 requires: interrupt (clean
// shutdown), restart, soft reset, and a stats dump.
type Supervisor struct {
	proc      *process.Process
	newPool   func() (*workerpool.Pool, error)
	newServer func() *http.Server
	cfg       Config
	logger    zerolog.Logger

	mu      sync.Mutex
	workers *workerpool.Pool
	server  *http.Server
	started bool
}

// New wires a Supervisor around an already-constructed process, plus
// factories that build a fresh worker pool and a fresh *http.Server each
// time one is needed. Factories rather than single instances because
// both are single-use: once a Pool is Closed or a Server is Shutdown,
// neither serves again, so a restart (§4.8's "clean shutdown then full
// start") needs new instances. workers is the pool New's caller already
// started (Channel creation needs one immediately, before Run is ever
// called), reused as-is for the first start; only a subsequent restart
// asks newPool for a replacement. Start order is Auth (implicit:
// config.Load already validated AUTH_KEY before this constructor runs)
// → Worker Pool → HTTP+Gateway (srv.ListenAndServe, started here).
func New(proc *process.Process, workers *workerpool.Pool, newPool func() (*workerpool.Pool, error), newServer func() *http.Server, cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Supervisor{
		proc:      proc,
		workers:   workers,
		newPool:   newPool,
		newServer: newServer,
		cfg:       cfg,
		logger:    log.With().Str("module", "supervisor").Logger(),
	}
}

// Run blocks until ctx is cancelled or a terminal signal arrives,
// dispatching restart/soft-reset/stats signals along the way, then
// performs an idempotent, reverse-order shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restart := make(chan os.Signal, 1)
	signal.Notify(restart, syscall.SIGHUP)
	defer signal.Stop(restart)

	softReset := make(chan os.Signal, 1)
	signal.Notify(softReset, syscall.SIGUSR1)
	defer signal.Stop(softReset)

	statsDump := make(chan os.Signal, 1)
	signal.Notify(statsDump, syscall.SIGUSR2)
	defer signal.Stop(statsDump)

	s.start()

	for {
		select {
		case <-sigCtx.Done():
			s.logger.Info().Msg("shutdown signal received")
			return s.Stop()
		case sig := <-restart:
			s.logger.Info().Str("signal", sig.String()).Msg("restart signal received")
			if err := s.Stop(); err != nil {
				s.logger.Error().Err(err).Msg("restart: stop failed")
			}
			pool, err := s.newPool()
			if err != nil {
				// Never fatal, per spec.md §4.8: the process stays up,
				// unready, and keeps handling signals, but channel
				// creation will fail until the next successful restart.
				s.logger.Error().Err(err).Msg("restart: failed to start a new worker pool")
			} else {
				s.mu.Lock()
				s.workers = pool
				s.mu.Unlock()
				s.proc.Rebind(pool)
			}
			s.start()
			if err != nil {
				s.proc.SetReady(false)
			}
		case sig := <-softReset:
			s.logger.Info().Str("signal", sig.String()).Msg("soft reset signal received")
			s.proc.Channels.CloseAll()
		case sig := <-statsDump:
			s.logger.Info().Str("signal", sig.String()).Msg("stats dump requested")
			s.dumpStats()
		}
	}
}

func (s *Supervisor) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	srv := s.newServer()
	s.server = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Uncaught server errors are logged and swallowed per
			// spec.md §4.8, never fatal.
			s.proc.SetReady(false)
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	s.proc.SetReady(true)
}

// Stop performs the reverse-order, idempotent shutdown spec.md §4.8
// requires: HTTP+Gateway first, then the worker pool.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv := s.server
	s.server = nil
	workers := s.workers
	s.mu.Unlock()

	s.proc.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.proc.Channels.CloseAll()

	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http server forced shutdown")
		shutdownErr = err
	}

	workers.Close()

	s.logger.Info().Msg("supervisor stopped")
	return shutdownErr
}

func (s *Supervisor) dumpStats() {
	channels := s.proc.Channels.All()
	var totalIn int
	for _, c := range channels {
		st := c.GetStats()
		totalIn += st.Total
		s.logger.Info().
			Str("channel", st.UUID).
			Int("sessions", st.Sessions).
			Int("audio_bps", st.Audio).
			Int("camera_bps", st.Camera).
			Int("screen_bps", st.Screen).
			Msg("channel stats")
	}
	s.logger.Info().
		Int("channels", len(channels)).
		Int("total_incoming_bps", totalIn).
		Msg("global stats")
}
