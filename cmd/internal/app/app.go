// Package app wires the Unisale chat server runtime: config, logging, storage, HTTP routes and
// the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/marketplace"
	"unisale/cmd/internal/realtime"
	"unisale/cmd/internal/session"

	"golang.org/x/sync/errgroup"
)

// App is the server runtime: it owns the store, the HTTP server and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	backend *backend
	svc     *chat.Service
	ws      *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	be, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// The marketplace backend resolves both session profiles and product metadata.
	catalog := marketplace.NewClient(cfg.APIBaseURL, cfg.APITimeout, marketplace.WithLogger(log))

	svc := chat.NewService(log, be.store, catalog, chat.ServiceConfig{
		ProductRetryAfter: cfg.ProductRetryAfter,
	})

	wsCfg := realtime.LoadGatewayConfigFromEnv()
	wsCfg.SessionOpenTimeout = sessCfg.ResolveTimeout

	ws := realtime.NewWSGateway(log, svc, session.NewHeaderProvider(sessCfg.Header), catalog, realtime.NewHub(log), wsCfg)

	return &App{
		cfg:     cfg,
		log:     log,
		backend: be,
		svc:     svc,
		ws:      ws,
	}, nil
}

// Run starts the HTTP server and the change-feed relay, and blocks until context cancellation
// or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler(mux),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.name,
		"ws_url", wsBaseURL(base)+"/ws",
		"api_base_url", a.cfg.APIBaseURL,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.backend.relay != nil {
		g.Go(func() error {
			return chat.RunListener(gctx, a.log, a.backend.name, a.backend.relay)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Shutdown does not track hijacked websocket connections.
		a.ws.Hub().CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	if cerr := a.backend.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	a.log.Info("server.stopped")
	return err
}

// Handler returns the fully wrapped HTTP handler without starting a server.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return a.handler(mux)
}

// Close releases the store.
func (a *App) Close() error { return a.backend.Close() }

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
