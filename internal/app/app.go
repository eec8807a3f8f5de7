// Package app wires all TalkBuddy subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkbuddy/internal/avatar"
	"github.com/MrWong99/talkbuddy/internal/companion"
	"github.com/MrWong99/talkbuddy/internal/config"
	"github.com/MrWong99/talkbuddy/internal/conversation"
	"github.com/MrWong99/talkbuddy/internal/gateway"
	"github.com/MrWong99/talkbuddy/internal/health"
	"github.com/MrWong99/talkbuddy/internal/observe"
	"github.com/MrWong99/talkbuddy/internal/speech"
	"github.com/MrWong99/talkbuddy/internal/turn"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	level    *slog.LevelVar
	metrics  *observe.Metrics
	listener net.Listener
	watchCfg string

	// Subsystems: initialised in New, torn down in Shutdown.
	gateway   *gateway.Service
	companion *companion.Handler
	avatars   *avatar.Library
	health    *health.Handler
	watcher   *config.Watcher
	handler   http.Handler
	server    *http.Server

	mu      sync.Mutex
	current *config.Config

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry injects a provider registry instead of the built-in one.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithLevelVar lets config reloads change the log level of the handler
// installed by main.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch polls path for changes and hot-applies them.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchCfg = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New builds the provider selection, the gateway service, the companion
// session handler, the health checks, and the HTTP routes. It does not
// listen yet; call Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, current: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterProviders(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. LLM gateway ───────────────────────────────────────────────────
	sel, err := buildSelection(cfg, a.reg)
	if err != nil {
		return nil, err
	}
	if sel.Active() == nil {
		slog.Warn("no LLM provider configured; chat requests will fail until GEMINI_API_KEY or OPENAI_API_KEY is set")
	}
	a.gateway = gateway.NewService(sel, a.metrics)

	// ── 2. Companion sessions ────────────────────────────────────────────
	a.avatars = avatar.NewLibrary()
	a.companion = companion.NewHandler(a.gateway, settingsFrom(cfg),
		companion.WithLibrary(a.avatars),
		companion.WithMetrics(a.metrics),
		companion.WithOrigins(cfg.Server.AllowedOrigins),
		companion.WithLogger(slog.Default()),
	)
	a.closers = append(a.closers, func() error {
		a.companion.Close()
		return nil
	})

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "llm", Check: a.gateway.Ready},
		health.Checker{Name: "avatar", Check: a.checkAvatar},
	)

	// ── 4. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	gateway.NewHandler(a.gateway).Register(mux)
	a.companion.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if dir := cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /app/", http.StripPrefix("/app/", http.FileServer(http.Dir(dir))))
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.watchCfg != "" {
		w, err := config.NewWatcher(a.watchCfg, a.Reload, config.WithWatchLogger(slog.Default().With("component", "config")))
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	// Warm the avatar cache so the first session does not wait for it.
	if path := cfg.Companion.AvatarModel; path != "" {
		go func() {
			if _, err := a.avatars.Open(ctx, path); err != nil {
				slog.Warn("avatar model unavailable, sessions use the fallback animation", "path", path, "err", err)
			}
		}()
	}

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Gateway returns the LLM gateway service.
func (a *App) Gateway() *gateway.Service { return a.gateway }

// Companion returns the session handler.
func (a *App) Companion() *companion.Handler { return a.companion }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run drains the server and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hijacked WebSocket connections are not drained by Shutdown.
		a.companion.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies d, the hot-reloadable differences that new carries over
// the config in effect: the provider selection, the request timeout, the
// log level, and the defaults for new companion sessions. Sessions already
// connected keep their settings.
func (a *App) Reload(new *config.Config, d config.ConfigDiff) {
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
	}
	if d.ProvidersChanged || d.TTSChanged || d.TimeoutChanged {
		sel, err := buildSelection(new, a.reg)
		if err != nil {
			slog.Error("config reload: keeping previous providers", "err", err)
		} else {
			a.gateway.Swap(sel)
		}
	}
	if d.CompanionChanged || d.CaptureChanged {
		a.companion.SetSettings(settingsFrom(new))
		if new.Companion.AvatarModel != "" {
			a.avatars.Forget(new.Companion.AvatarModel)
		}
	}

	a.mu.Lock()
	a.current = new
	a.mu.Unlock()

	slog.Info("config reloaded",
		"providers", d.ChangedProviders,
		"log_level", d.LogLevelChanged,
		"timeout", d.TimeoutChanged,
		"companion", d.CompanionChanged || d.CaptureChanged,
	)
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// checkAvatar reports whether the configured avatar model can be read. No
// model configured is healthy: sessions use the fallback animation.
func (a *App) checkAvatar(ctx context.Context) error {
	path := a.Config().Companion.AvatarModel
	if path == "" {
		return nil
	}
	_, err := a.avatars.Open(ctx, path)
	return err
}

// settingsFrom converts the companion and capture sections into session
// defaults.
func settingsFrom(cfg *config.Config) companion.Settings {
	c := cfg.Companion
	tier, _ := conversation.ParseTier(c.DefaultTier)
	return companion.Settings{
		Persona:      c.Persona,
		Tier:         tier,
		HistoryLimit: c.HistoryLimit,
		Language:     c.Language,
		Continuous:   c.ContinuousMode(),
		AvatarModel:  c.AvatarModel,
		AvatarFPS:    c.AvatarFPS,
		Voice: speech.Voice{
			Name:   c.Voice.Name,
			Lang:   c.Language,
			Rate:   c.Voice.Rate,
			Pitch:  c.Voice.Pitch,
			Volume: c.Voice.Volume,
		},
		Timings: turn.Timings{
			Desktop: timingFrom(cfg.Capture.Desktop),
			Mobile:  timingFrom(cfg.Capture.Mobile),
		},
	}
}

func timingFrom(t config.TimingConfig) turn.Timing {
	return turn.Timing{Silence: t.Silence, Restart: t.Restart, Retry: t.Retry}
}
