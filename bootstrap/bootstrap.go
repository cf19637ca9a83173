// Package bootstrap wires the proxy's components together and runs the
// HTTP server, the way the sibling gateway's bootstrap package wires its
// own App: configuration load, adapter construction, router assembly,
// and graceful shutdown all live here so cmd/streamproxy stays thin.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	apihttp "github.com/duraproxy/duraproxy/adapters/http"
	"github.com/duraproxy/duraproxy/adapters/clock"
	"github.com/duraproxy/duraproxy/adapters/idgen"
	"github.com/duraproxy/duraproxy/adapters/metrics"
	"github.com/duraproxy/duraproxy/adapters/storeclient"
	"github.com/duraproxy/duraproxy/adapters/upstream"
	"github.com/duraproxy/duraproxy/app/pipe"
	"github.com/duraproxy/duraproxy/app/registry"
	"github.com/duraproxy/duraproxy/config"
	"github.com/duraproxy/duraproxy/domain/allowlist"
)

// App represents the running proxy process.
type App struct {
	Logger     zerolog.Logger
	Holder     *config.Holder // nil when built via New (no hot reload)
	Metrics    *metrics.Collector
	Registry   *registry.Table
	HTTPServer *http.Server

	allowlist *allowlist.Dynamic
}

// New builds an App from an already-loaded, static Config: no file watch,
// no SIGHUP handler, no hot reload. Used by `streamproxy serve
// --hot-reload=false`.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	dyn := &config.Dynamic{Allowlist: cfg.Allowlist, Stream: cfg.Stream, Pipe: cfg.Pipe}
	return build(*cfg, dyn, logger, nil)
}

// NewWithHotReload loads path, wraps it in a config.Holder, wires every
// component, and starts an fsnotify watch plus a SIGHUP handler so the
// allowlist, the pipe knobs and stream.max_response_bytes can be
// hot-reloaded per spec section 9. The stream and signed-URL TTLs are
// passed to the handler once here and are not updated on reload.
func NewWithHotReload(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	holder, err := config.NewHolder(path, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	app, err := build(holder.Static(), holder.Dynamic(), logger, holder)
	if err != nil {
		return nil, err
	}
	app.Holder = holder

	if err := holder.WatchFile(); err != nil {
		logger.Warn().Err(err).Msg("failed to start config file watcher")
	}
	holder.WatchSignals()

	return app, nil
}

// build constructs every adapter and the router from static/dynamic
// config. When holder is non-nil, an OnChange callback is registered so
// a reload atomically swaps the allowlist and pipe timing knobs.
func build(static config.Config, dyn *config.Dynamic, logger zerolog.Logger, holder *config.Holder) (*App, error) {
	var m *metrics.Collector
	if static.Metrics.Enabled {
		m = metrics.New()
	}

	allowlistList, err := allowlist.Compile(dyn.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: compile allowlist: %w", err)
	}
	dynamicAllowlist := allowlist.NewDynamic(allowlistList)

	store := storeclient.New(storeclient.Config{
		BaseURL:         static.Store.URL,
		Timeout:         static.Store.Timeout,
		DialTimeout:     static.Store.DialTimeout,
		IdleConnTimeout: static.Store.IdleConnTimeout,
	})
	upstreamClient := upstream.New(upstream.Config{})

	reg := registry.New()

	proxyPipe := pipe.New(store, upstreamClient, m, logger, pipeConfigFrom(dyn))

	handler := apihttp.NewProxyHandler(apihttp.Deps{
		Store:     store,
		Pipe:      proxyPipe,
		Registry:  reg,
		Allowlist: dynamicAllowlist,
		IDs:       idgen.UUID{},
		Clock:     clock.Real{},
		Secret:    static.Secret,
		StreamTTL: dyn.Stream.TTL(),
		URLTTL:    dyn.Stream.URLTTL(),
		Metrics:   m,
		Logger:    logger,
	})

	router := apihttp.NewRouter(handler, m, logger)

	if holder != nil {
		holder.OnChange(func(next *config.Dynamic) {
			list, err := allowlist.Compile(next.Allowlist)
			if err != nil {
				logger.Error().Err(err).Msg("reloaded allowlist failed to compile, keeping previous")
				if m != nil {
					m.ConfigReloadErrors.Inc()
				}
				return
			}
			dynamicAllowlist.Store(list)
			proxyPipe.UpdateConfig(pipeConfigFrom(next))
			if m != nil {
				m.ConfigReloads.Inc()
				m.ConfigLastReload.SetToCurrentTime()
			}
		})
	}

	return &App{
		Logger:   logger,
		Metrics:  m,
		Registry: reg,
		HTTPServer: &http.Server{
			Addr:              static.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		allowlist: dynamicAllowlist,
	}, nil
}

func pipeConfigFrom(dyn *config.Dynamic) pipe.Config {
	return pipe.Config{
		StartupTimeout:    dyn.Pipe.StartupTimeout(),
		InactivityTimeout: dyn.Pipe.InactivityTimeout(),
		BatchSizeBytes:    dyn.Pipe.BatchSizeBytes,
		BatchInterval:     dyn.Pipe.BatchInterval(),
		MaxErrorBodyBytes: 64 * 1024,
		MaxResponseBytes:  dyn.Stream.MaxResponseBytes,
	}
}

// Run starts the HTTP server and blocks until an interrupt/terminate
// signal or an unrecoverable server error, then shuts down gracefully.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown stops accepting new connections, cancels every in-flight
// upstream pipe so their goroutines unwind promptly (spec section 4.E:
// "On server shutdown: cancel all registered abort handles"), and stops
// the config watcher.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.Registry.AbortAll()

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("http server shutdown error")
	}

	if a.Holder != nil {
		a.Holder.Stop()
	}
	return nil
}
