// Package app wires the chatterbox subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the audio device, the
// provider chain and the session machine, Run serves the console, the local
// HTTP endpoints and the config watcher until one of them ends, and Shutdown
// releases everything in order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithProvider, WithKeys, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatterbox/internal/auth"
	"github.com/MrWong99/chatterbox/internal/capture"
	"github.com/MrWong99/chatterbox/internal/config"
	"github.com/MrWong99/chatterbox/internal/health"
	"github.com/MrWong99/chatterbox/internal/observe"
	"github.com/MrWong99/chatterbox/internal/resilience"
	"github.com/MrWong99/chatterbox/internal/session"
	"github.com/MrWong99/chatterbox/internal/ui"
	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// shutdownTimeout bounds the HTTP server drain when Run ends.
const shutdownTimeout = 5 * time.Second

// Keys is the credential store used by the app. [auth.Store] implements it.
type Keys interface {
	KeySource
	session.Authorizer
	ui.KeyStore
}

// App owns all subsystem lifetimes.
type App struct {
	reg      *config.Registry
	keys     Keys
	device   audio.Device
	provider s2s.Provider
	failover *resilience.Failover
	machine  *session.Machine
	profiles *Profiles
	metrics  *observe.Metrics

	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	watchPath      string
	watchOpts      []config.WatcherOption
	overrides      func(*config.Config)
	watcher        *config.Watcher
	in             io.Reader
	out            io.Writer
	autoStart      bool

	cfgMu sync.Mutex
	cfg   *config.Config

	addrMu sync.Mutex
	addr   string
	ready  chan struct{}

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry replaces the registry with the built-in backends.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithDevice injects the audio device instead of creating one from
// cfg.Audio.Output.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithProvider injects the speech-to-speech provider instead of building
// the failover chain from cfg.Provider.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithKeys injects the credential store.
func WithKeys(k Keys) Option {
	return func(a *App) { a.keys = k }
}

// WithMetrics sets the instruments and the handler served at /metrics.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) { a.metrics, a.metricsHandler = m, handler }
}

// WithLogLevel lets config reloads change the level of the default logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithWatch reloads the config file at path while running. overrides, if
// non-nil, is applied to every reloaded config, typically to re-apply
// command-line flags.
func WithWatch(path string, overrides func(*config.Config), opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath, a.overrides, a.watchOpts = path, overrides, opts
	}
}

// WithConsole enables the interactive console on in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithAutoStart starts a conversation as soon as Run is called.
func WithAutoStart() Option {
	return func(a *App) { a.autoStart = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. cfg must have passed [config.Validate].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}

	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.keys == nil {
		a.keys = newKeyStore(cfg.Provider)
	}

	// ── 1. Profile ───────────────────────────────────────────────────────
	profiles, err := NewProfiles(cfg)
	if err != nil {
		return nil, err
	}
	a.profiles = profiles

	// ── 2. Provider chain ────────────────────────────────────────────────
	if a.provider == nil {
		f, err := BuildProvider(cfg.Provider, a.reg, a.keys)
		if err != nil {
			return nil, err
		}
		a.failover, a.provider = f, f
	}

	// ── 3. Audio device ──────────────────────────────────────────────────
	if a.device == nil {
		d, err := a.reg.CreateOutput(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: audio: %w", err)
		}
		a.device = d
		if c, ok := d.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	// ── 4. Session machine ───────────────────────────────────────────────
	m, err := session.New(session.Config{
		Provider:       a.provider,
		Device:         a.device,
		Authorizer:     a.keys,
		Profile:        profiles.Profile(),
		DirectiveDelay: cfg.Session.DirectiveDelay,
		Retry:          cfg.Session.Retry,
		Messages:       cfg.Session.Messages,
		Metrics:        a.metrics,
		CaptureOptions: captureOptions(cfg.Audio),
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.machine = m
	a.closers = append(a.closers, m.Stop)

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, a.watchOpts...)
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	slog.InfoContext(ctx, "app initialised",
		"provider", a.provider.Name(),
		"persona", profiles.Persona().ID,
		"voice", profiles.Profile().VoiceID,
		"output", cfg.Audio.Output,
	)
	return a, nil
}

func newKeyStore(pc config.ProviderConfig) *auth.Store {
	var opts []auth.Option
	if pc.APIKey != "" {
		opts = append(opts, auth.WithKey(pc.APIKey))
	}
	if pc.APIKeyFile != "" {
		opts = append(opts, auth.WithFile(pc.APIKeyFile))
	}
	if len(pc.APIKeyEnv) > 0 {
		opts = append(opts, auth.WithEnv(pc.APIKeyEnv...))
	}
	return auth.New(opts...)
}

func captureOptions(ac config.AudioConfig) []capture.Option {
	var opts []capture.Option
	if ac.CaptureRate > 0 {
		opts = append(opts, capture.WithDeviceFormat(audio.Format{SampleRate: ac.CaptureRate, Channels: 1}))
	}
	if ac.FrameSize > 0 {
		opts = append(opts, capture.WithFrameSize(ac.FrameSize))
	}
	if ac.SendQueue > 0 {
		opts = append(opts, capture.WithQueueSize(ac.SendQueue))
	}
	return opts
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Machine returns the session state machine.
func (a *App) Machine() *session.Machine { return a.machine }

// Profiles returns the active persona and profile.
func (a *App) Profiles() *Profiles { return a.profiles }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// HTTPAddr blocks until the HTTP listener is bound or ctx is done and
// returns its address. It returns "" if the listener is disabled.
func (a *App) HTTPAddr(ctx context.Context) string {
	select {
	case <-a.ready:
	case <-ctx.Done():
	}
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the console, the HTTP endpoints and the config watcher. It
// returns when ctx is cancelled, when the console quits, or when a component
// fails. Run must only be called once and does not release resources; call
// Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	cfg := a.Config()
	if cfg.Server.HTTPDisabled() {
		close(a.ready)
	} else {
		srv, ln, err := a.listen(gctx, cfg.Server.ListenAddr)
		if err != nil {
			close(a.ready)
			return err
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.in != nil {
		console := ui.New(a.machine, a.in, a.out,
			ui.WithKeys(a.keys),
			ui.WithPersona(a.profiles.Persona),
		)
		g.Go(func() error {
			defer cancel()
			return console.Run(gctx)
		})
	}

	if a.autoStart {
		g.Go(func() error {
			if err := a.machine.Start(gctx); err != nil {
				slog.Warn("automatic start failed", "err", err)
			}
			return nil
		})
	}

	// Hold Run open until cancelled even with no console or listener.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("app running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listen binds addr and builds the HTTP server for the probe, status and
// metrics endpoints.
func (a *App) listen(ctx context.Context, addr string) (*http.Server, net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("app: listen %s: %w", addr, err)
	}

	a.addrMu.Lock()
	a.addr = ln.Addr().String()
	a.addrMu.Unlock()
	close(a.ready)

	mux := http.NewServeMux()
	a.healthHandler().Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics, "/healthz", "/readyz", "/statusz", "/metrics")(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("http listener ready", "addr", ln.Addr().String())
	return srv, ln, nil
}

func (a *App) healthHandler() *health.Handler {
	checks := []health.Checker{health.Credential(a.keys.Authorized)}
	if a.failover != nil {
		checks = append(checks, health.Providers(a.failover.States))
	}
	return health.New(checks, health.WithStatus(func() any { return a.Status() }))
}

// Status is the JSON view served at /statusz.
type Status struct {
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Persona    string     `json:"persona"`
	Voice      string     `json:"voice"`
	Muted      bool       `json:"muted"`
	Speaking   bool       `json:"speaking"`
	Level      float64    `json:"level"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	Message    string     `json:"message,omitempty"`
	NextRetry  *time.Time `json:"next_retry,omitempty"`
}

// Status returns the current conversation state.
func (a *App) Status() Status {
	snap := a.machine.Snapshot()
	st := Status{
		Status:     snap.Status.String(),
		Persona:    a.profiles.Persona().ID,
		Voice:      snap.VoiceID,
		Muted:      snap.Muted,
		Speaking:   snap.Speaking,
		Level:      snap.Level,
		RetryCount: snap.RetryCount,
		Message:    snap.Message,
	}
	if !snap.StartedAt.IsZero() {
		st.SessionID = snap.ID.String()
	}
	if snap.Kind != session.KindNone {
		st.Error = snap.Kind.String()
	}
	if !snap.NextRetry.IsZero() {
		t := snap.NextRetry
		st.NextRetry = &t
	}
	return st
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the reloadable parts of updated. Persona, partner and
// directive changes take effect from the next conversation; provider, audio
// and listener changes are only logged.
func (a *App) ApplyConfig(_, updated *config.Config) {
	if a.overrides != nil {
		a.overrides(updated)
		if err := config.Validate(updated); err != nil {
			slog.Warn("config reload rejected", "err", err)
			return
		}
	}

	a.cfgMu.Lock()
	old := a.cfg
	a.cfgMu.Unlock()

	d := config.Diff(old, updated)
	if d.ProfileChanged {
		if err := a.profiles.Update(updated); err != nil {
			slog.Warn("config reload: keeping previous persona", "err", err)
		} else {
			a.machine.SetProfile(a.profiles.Profile())
			a.machine.SetDirectiveDelay(updated.Session.DirectiveDelay)
			slog.Info("persona updated for the next conversation",
				"persona", a.profiles.Persona().ID, "voice", a.profiles.Profile().VoiceID)
		}
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RetryChanged {
		a.machine.SetRetryPolicy(updated.Session.Retry)
	}
	if d.MessagesChanged {
		a.machine.SetMessages(updated.Session.Messages)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}

	a.cfgMu.Lock()
	a.cfg = updated
	a.cfgMu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the conversation and releases the devices in reverse
// creation order. If ctx expires first, the remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
