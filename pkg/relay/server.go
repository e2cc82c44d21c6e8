package relay

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/blkd13/ribbon-core/pkg/chatstore"
	"github.com/blkd13/ribbon-core/pkg/eventbus"
	"github.com/blkd13/ribbon-core/pkg/redisstream"
)

// Config assembles a relay: storage backend, generation engine, and the
// event transport carrying frames between them.
type Config struct {
	Addr string
	// DBPath selects the SQLite store; empty keeps everything in memory.
	DBPath string
	Redis  redisstream.Settings
	Engine Engine
	// Verbose switches the event bus to verbose watermill logging.
	Verbose bool
}

// Server pairs the relay service with its HTTP and event-routing lifecycle.
type Server struct {
	svc     *Service
	bus     *eventbus.EventRouter
	store   chatstore.Store
	httpSrv *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	var store chatstore.Store
	if cfg.DBPath != "" {
		dsn, err := chatstore.SQLiteDSNForFile(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		store, err = chatstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
	} else {
		store = chatstore.NewMemoryStore()
	}

	bus, err := redisstream.BuildRouter(cfg.Redis, cfg.Verbose)
	if err != nil {
		return nil, errors.Wrap(err, "build event bus")
	}

	engine := cfg.Engine
	if engine == nil {
		engine = &EchoEngine{Delay: 20 * time.Millisecond}
	}
	svc, err := NewService(store, engine, bus)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled {
		svc.UseRedis(cfg.Redis)
	}
	if cfg.Verbose {
		svc.EnableFrameDump()
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":8088"
	}
	return &Server{
		svc:   svc,
		bus:   bus,
		store: store,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Service() *Service { return s.svc }

// Run serves HTTP and the event router until ctx is cancelled or an
// interrupt arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error { return s.bus.Run(srvCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.svc.observers.CloseAll()
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("event bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		// Serve only once the bus's handlers are consuming, so a verbose
		// frame dump never misses the first frames.
		select {
		case <-s.bus.Running():
		case <-srvCtx.Done():
			return nil
		}
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting relay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
