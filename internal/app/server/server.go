package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/api"
	"campaign-dispatch/internal/audience"
	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/config"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/listener"
	"campaign-dispatch/internal/lock"
	"campaign-dispatch/internal/observability"
	"campaign-dispatch/internal/seed"
	"campaign-dispatch/internal/sender"
	"campaign-dispatch/internal/storage"
	"campaign-dispatch/internal/textgen"
)

const flushInterval = 15 * time.Second

// store is everything the service needs from a storage backend. Both
// storage.Memory and storage.Postgres satisfy it.
type store interface {
	campaign.Store
	dispatch.CampaignStore
	dispatch.DeliveryStore
	seed.Store
	storage.CustomerSource
}

type Server struct {
	cfg      config.Config
	http     *http.Server
	engine   *dispatch.Engine
	handler  http.Handler
	locker   lock.Locker
	services []func(ctx context.Context)
	closers  []func(ctx context.Context) error
}

// Build wires storage, the dispatch engine and the HTTP API from cfg. Call
// Close to release what it opened, or use Serve which closes on return.
func Build(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	shutdownTracing, err := observability.InitTracing(ctx)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.closers = append(s.closers, shutdownTracing)

	st, customers, err := s.openStorage(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		s.locker = lock.NewRedis(client, "campaign-lock:", cfg.Redis.LockTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("dispatch locks in redis")
	} else {
		s.locker = lock.NewMemory()
	}

	var snd sender.Sender = sender.Log{}
	if cfg.Sender.URL != "" {
		h, err := sender.NewHTTP(sender.HTTPConfig{URL: cfg.Sender.URL, Token: cfg.Sender.Token, Timeout: cfg.Sender.Timeout})
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("init sender: %w", err)
		}
		snd = h
	}

	var gen textgen.Generator = textgen.Static{}
	if cfg.TextGen.URL != "" {
		h, err := textgen.NewHTTP(textgen.HTTPConfig{
			URL: cfg.TextGen.URL, APIKey: cfg.TextGen.APIKey, Model: cfg.TextGen.Model, Timeout: cfg.TextGen.Timeout,
		})
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("init textgen: %w", err)
		}
		gen = textgen.Fallback{Primary: h, Secondary: textgen.Static{}}
	}

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("init auth: %w", err)
		}
	} else {
		log.Warn().Msg("auth.jwt_secret not set, API is unauthenticated")
	}

	resolver := audience.NewResolver(customers, st)
	s.engine = dispatch.New(st, st, resolver, snd, dispatch.Config{
		BatchSize:            cfg.Dispatch.BatchSize,
		Workers:              cfg.Dispatch.Workers,
		MaxInFlightSends:     cfg.Dispatch.MaxInFlightSends,
		SendAttempts:         cfg.Dispatch.SendAttempts,
		SendTimeout:          cfg.Dispatch.SendTimeout,
		RetryInitialInterval: cfg.Dispatch.RetryInitialInterval,
		RetryMaxInterval:     cfg.Dispatch.RetryMaxInterval,
		PersistAttempts:      cfg.Dispatch.PersistAttempts,
	}, dispatch.WithLocker(s.locker))

	s.handler = api.Router(&api.Handler{
		Campaigns:  campaign.NewService(st, gen),
		Dispatch:   s.engine,
		Audience:   resolver,
		Customers:  customers,
		Deliveries: st,
	}, verifier)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.services = append(s.services, s.flushRetained)
	return s, nil
}

// openStorage returns the backend and the customer view the resolver reads.
// With postgres the view is a snapshot kept fresh by LISTEN/NOTIFY.
func (s *Server) openStorage(ctx context.Context) (store, storage.CustomerSource, error) {
	cfg := s.cfg
	switch cfg.Storage.Driver {
	case "memory":
		m := storage.NewMemory()
		if err := s.seed(ctx, m); err != nil {
			return nil, nil, err
		}
		log.Info().Msg("using in-memory storage")
		return m, m, nil

	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init storage: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { pg.Close(); return nil })
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		observability.RegisterPoolMetrics(prometheus.DefaultRegisterer, pg.PgxPool())
		if err := s.seed(ctx, pg); err != nil {
			return nil, nil, err
		}

		dir := storage.NewDirectory(pg)
		if err := dir.Refresh(ctx); err != nil {
			return nil, nil, fmt.Errorf("initial customer snapshot: %w", err)
		}
		s.services = append(s.services, func(ctx context.Context) {
			listener.ListenAndRefresh(ctx, pg.PgxPool(), dir, pg.ListenChannel(), cfg.Backoff())
		})
		return pg, dir, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func (s *Server) seed(ctx context.Context, st seed.Store) error {
	if s.cfg.Storage.SeedFile == "" {
		return nil
	}
	if err := seed.LoadAndApply(ctx, st, s.cfg.Storage.SeedFile); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	log.Info().Str("file", s.cfg.Storage.SeedFile).Msg("seed applied")
	return nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// flushRetained keeps retrying final results the engine could not persist.
func (s *Server) flushRetained(ctx context.Context) {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			flushPending(ctx, s.engine)
		}
	}
}

type retainedFlusher interface {
	FlushRetained(ctx context.Context) int
}

// flushPending runs one flush and reports results that are still unsaved.
func flushPending(ctx context.Context, f retainedFlusher) int {
	pending := f.FlushRetained(ctx)
	if pending > 0 {
		log.Warn().Int("pending", pending).Msg("dispatch results still not persisted, will retry")
	}
	return pending
}

// Serve runs the HTTP server and background loops until ctx is done, then
// drains active dispatch runs and closes everything Build opened.
func (s *Server) Serve(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, svc := range s.services {
		go svc(bgCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("http server starting")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server crashed")
	}
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = s.http.Shutdown(shCtx)
	return errors.Join(serveErr, s.Close(shCtx))
}

// Close finalizes active runs and releases storage, locks and tracing.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatch shutdown: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func Run(cfg config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	if err := s.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}
