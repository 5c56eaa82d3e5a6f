package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"spot-alert-engine/internal/alerting"
	"spot-alert-engine/internal/api"
	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/dispatch"
	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/listener"
	"spot-alert-engine/internal/ratelimit"
	"spot-alert-engine/internal/storage"
)

// Backend is the persistent store the service runs on.
type Backend interface {
	engine.Source
	storage.UserSource
	alerting.Recorder
	alerting.CounterStore
}

type Server struct {
	cfg      config.Config
	backend  Backend
	users    *storage.UserCache
	limiter  *ratelimit.Limiter
	pool     *dispatch.Pool
	counters *alerting.Counters
	pipeline *alerting.Pipeline
	handler  http.Handler

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(cfg config.Config, be Backend) *Server {
	s := &Server{
		cfg:      cfg,
		backend:  be,
		users:    storage.NewUserCache(be, cfg.UserCache.Size, cfg.UserCache.MaxAge),
		counters: alerting.NewCounters(),
		limiter: ratelimit.New(ratelimit.Options{
			MaxFrequencyDiff:     cfg.RateLimit.MaxFrequencyDiff,
			MaxFrequencyDiffDigi: cfg.RateLimit.MaxFrequencyDiffDigi,
			DigiModes:            cfg.RateLimit.DigiModes,
		}),
	}
	s.pool = dispatch.New(dispatch.Options{
		Workers:            cfg.Matcher.Workers,
		ReloadInterval:     cfg.Matcher.ReloadInterval,
		RequestTimeout:     cfg.Matcher.RequestTimeout,
		PendingLogInterval: cfg.Matcher.PendingLogInterval,
	}, func(i int) dispatch.Matcher {
		return engine.NewEngine(fmt.Sprintf("worker-%d", i), be, cfg.Matcher.CommonConditions)
	})
	s.pipeline = alerting.NewPipeline(alerting.Deps{
		Matcher:   s.pool,
		Users:     s.users,
		Recorder:  be,
		Limiter:   s.limiter,
		Counters:  s.counters,
		Deliverer: alerting.LogDeliverer{},
	}, alerting.Options{TestOnly: cfg.TestOnly, Sources: cfg.Sources})

	throttle := rate.NewLimiter(rate.Limit(cfg.Simulator.RatePerSecond), cfg.Simulator.Burst)
	s.handler = api.Router(api.NewHandler(s.pipeline, s.pool, throttle), cfg.Matcher.RequestTimeout+5*time.Second)
	return s
}

// Start restores rate limiter state, loads the first trigger generation on
// every worker and starts the background loops.
func (s *Server) Start(ctx context.Context) error {
	dump := s.cfg.RateLimit.DumpFile
	if n, err := s.limiter.LoadFile(dump); err != nil {
		log.Warn().Err(err).Str("file", dump).Msg("rate limit dump not restored")
	} else {
		log.Info().Int("users", n).Str("file", dump).Msg("rate limiters restored")
	}

	if err := s.pool.Start(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.spawn(func() {
		s.limiter.Run(bgCtx, dump, s.cfg.RateLimit.PruneInterval, s.cfg.RateLimit.FlushInterval)
	})
	s.spawn(func() { s.counters.Run(bgCtx, s.backend, s.cfg.Counters.FlushInterval) })
	for _, g := range s.pipeline.Gates() {
		g := g
		s.spawn(func() { g.Run(bgCtx) })
	}
	return nil
}

func (s *Server) spawn(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

func (s *Server) Handler() http.Handler { return s.handler }

// Pipeline is where source listeners hand their spots, through
// Pipeline().Ingest, so each passes its source's quorum gate.
func (s *Server) Pipeline() *alerting.Pipeline { return s.pipeline }

// RequestReload drops cached users and asks every worker to reload.
func (s *Server) RequestReload() {
	s.users.Invalidate()
	s.pool.RequestReload()
}

// Stop closes the dispatcher, then lets the background loops write their
// final counters and rate limiter dump.
func (s *Server) Stop() {
	s.pool.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.bg.Wait()
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}
	defer store.Close()

	// Matching core
	srv := New(cfg, store)
	if err := srv.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("initial trigger load")
	}

	// HTTP
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Matcher.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Listener (LISTEN/NOTIFY)
	go listener.ListenAndRefresh(rootCtx, store.PgxPool(), srv, store.ListenChannel(), cfg.Backoff())

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = httpSrv.Shutdown(shCtx)
	cancel() // stop background goroutines
	srv.Stop()
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
