package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Dynamic holds the subset of configuration that can be hot-reloaded
// without a process restart: the allowlist and the pipe/stream timing
// knobs (spec section 4.G / 9). The listen address and secret are read
// once at startup and require a restart to change.
type Dynamic struct {
	Allowlist []string
	Stream    StreamConfig
	Pipe      PipeConfig
}

// Holder provides thread-safe access to configuration, with the dynamic
// portion swapped atomically on reload (grounded on the sibling gateway's
// Holder, generalized to a hot/cold split per spec section 4.G).
type Holder struct {
	path    string
	logger  zerolog.Logger
	static  Config // Server, Store, Secret, Logging, Metrics: fixed after Load
	dynamic atomic.Pointer[Dynamic]

	watcher  *fsnotify.Watcher
	onChange []func(*Dynamic)
	stopCh   chan struct{}
}

// NewHolder loads path and wraps it in a Holder.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	h := &Holder{
		path:   absPath,
		logger: logger,
		static: *cfg,
		stopCh: make(chan struct{}),
	}
	h.dynamic.Store(&Dynamic{Allowlist: cfg.Allowlist, Stream: cfg.Stream, Pipe: cfg.Pipe})

	return h, nil
}

// Static returns the fixed portion of configuration (server, store,
// secret, logging, metrics) loaded at startup.
func (h *Holder) Static() Config {
	return h.static
}

// Dynamic returns the current hot-reloadable configuration.
func (h *Holder) Dynamic() *Dynamic {
	return h.dynamic.Load()
}

// OnChange registers a callback invoked after every successful reload with
// the new Dynamic config.
func (h *Holder) OnChange(fn func(*Dynamic)) {
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the config file from disk and atomically swaps the
// allowlist/stream/pipe fields. Server, Store, Secret, and Logging are
// re-validated but intentionally not re-applied: they require a restart.
func (h *Holder) Reload() error {
	h.logger.Info().Str("path", h.path).Msg("reloading configuration")

	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping previous config")
		return fmt.Errorf("reload config: %w", err)
	}

	next := &Dynamic{Allowlist: newCfg.Allowlist, Stream: newCfg.Stream, Pipe: newCfg.Pipe}
	h.dynamic.Store(next)

	for _, fn := range h.onChange {
		fn(next)
	}

	h.logger.Info().Int("allowlist_patterns", len(next.Allowlist)).Msg("configuration reloaded")
	return nil
}

// WatchFile watches the config file's directory for writes and triggers
// Reload. Watching the directory (rather than the file) tolerates editors
// that save atomically via rename.
func (h *Holder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go h.watchLoop()

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

// WatchSignals triggers Reload on SIGHUP.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading config")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("SIGHUP reload failed")
				}
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()
}

// Stop stops the file watcher and signal listener.
func (h *Holder) Stop() {
	close(h.stopCh)
	if h.watcher != nil {
		h.watcher.Close()
	}
}

func (h *Holder) watchLoop() {
	filename := filepath.Base(h.path)

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.logger.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("config file changed")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("file watch reload failed")
				}
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

// ReloadableFields documents which dotted config paths survive Reload
// without a restart.
func ReloadableFields() []string {
	return []string{"allowlist", "stream.ttl_seconds", "stream.url_ttl_seconds", "pipe.batch_size_bytes", "pipe.batch_time_ms", "pipe.inactivity_ms", "pipe.startup_timeout_ms"}
}

// NonReloadableFields documents which dotted config paths require a
// process restart.
func NonReloadableFields() []string {
	return []string{"server.host", "server.port", "store.url", "secret", "logging.level", "logging.format"}
}
