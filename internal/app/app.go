// Package app wires a voice session, an audio source and the optional HTTP
// probe server into a running client.
//
// New builds every subsystem from the config, Run connects and pumps
// captured audio until the context ends or the connection drops, and
// Shutdown tears everything down in order. Reload applies the parts of a
// changed config that can take effect without reconnecting.
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

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/dispatch"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// errSessionEnded stops the run loop when the session finished cleanly.
var errSessionEnded = errors.New("app: session ended")

// EventFunc receives every session event. It runs on the event goroutine
// and should not block for long.
type EventFunc func(dispatch.Event)

// App owns the session and the HTTP server.
type App struct {
	cfg    *config.Config
	source audio.Source
	conv   audio.FormatConverter

	sess     *session.Session
	sessOpts []session.Option
	metrics  *observe.Metrics

	onEvent  EventFunc
	level    *slog.LevelVar
	promHTTP http.Handler

	mux    *http.ServeMux
	server *http.Server

	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSessionOptions passes extra options to [session.New], e.g. a test
// transport.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessOpts = append(a.sessOpts, opts...) }
}

// WithMetrics records session and HTTP metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEventHandler delivers session events to fn instead of logging them.
func WithEventHandler(fn EventFunc) Option {
	return func(a *App) { a.onEvent = fn }
}

// WithLogLevel lets Reload adjust lv when the configured log level changes.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates the session for cfg, reading captured audio from source and
// playing the assistant's speech on player. When cfg.Server.ListenAddr is
// set the probe server is prepared as well; it starts listening in Run.
func New(cfg *config.Config, source audio.Source, player audio.Player, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, source: source}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.onEvent == nil {
		a.onEvent = logEvent
	}

	sc := session.FromConfig(cfg)
	a.conv.Target = sc.Uplink.Format

	sess, err := session.New(sc, player, append([]session.Option{session.WithMetrics(a.metrics)}, a.sessOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	a.sess = sess

	if cfg.Server.ListenAddr != "" {
		a.initHTTP()
		a.closers = append(a.closers, a.server.Shutdown)
	}
	a.closers = append(a.closers, a.sess.Stop)
	return a, nil
}

func (a *App) initHTTP() {
	a.mux = http.NewServeMux()
	health.New(
		[]health.Checker{health.Connected("session", a.sess)},
		health.WithStats(func() any { return a.sess.Stats() }),
	).Register(a.mux)
	if a.promHTTP != nil {
		a.mux.Handle("GET /metrics", a.promHTTP)
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Session returns the underlying session.
func (a *App) Session() *session.Session { return a.sess }

// Handler returns the probe server's handler, or nil when no listen address
// is configured.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}

// Addr returns the probe server's bound address once Run has started
// listening, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the probe server, connects the session and then pumps captured
// audio and session events until ctx is cancelled or the session ends.
// A clean end returns nil; a dropped connection returns an error wrapping
// [session.ErrDisconnected].
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		go a.serve(ln)
	}

	if err := a.sess.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.capture(gctx) })
	g.Go(func() error { return a.events(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-a.sess.Done():
			if err := a.sess.Err(); err != nil {
				return err
			}
			return errSessionEnded
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

func (a *App) serve(ln net.Listener) {
	slog.Info("app: http listening", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("app: http server", "err", err)
	}
}

// capture reads frames from the source, converts them to the uplink format
// and sends them. At end of input the turn is completed so the service
// answers without waiting for trailing silence.
func (a *App) capture(ctx context.Context) error {
	for {
		frame, err := a.source.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			slog.Info("app: capture finished")
			if err := a.sess.CompleteAudio(ctx); err != nil {
				slog.Warn("app: complete audio", "err", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("app: capture: %w", err)
		}

		frame = a.conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		if err := a.sess.SendAudio(frame.Data); err != nil {
			// The session itself reports why the link went away.
			slog.Debug("app: capture stopped", "err", err)
			return nil
		}
	}
}

func (a *App) events(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-a.sess.Events():
			if !ok {
				return nil
			}
			a.onEvent(ev)
		}
	}
}

func logEvent(ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.EventError, dispatch.EventDisconnected:
		slog.Warn("app: event", "kind", ev.Kind.String(), "log_id", ev.LogID, "err", ev.Err)
	case dispatch.EventTextDelta:
		slog.Debug("app: event", "kind", ev.Kind.String(), "role", ev.Role, "text", ev.Text)
	default:
		slog.Info("app: event", "kind", ev.Kind.String(), "text", ev.Text, "chat_id", ev.ChatID)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed config. It matches [config.ChangeFunc] so it can
// be handed to a [config.Watcher] directly.
func (a *App) Reload(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SubtitlesChanged {
		a.sess.SetSubtitles(next.Subtitles)
		slog.Info("app: subtitles toggled", "enabled", next.Subtitles)
	}
	if d.RestartRequired() {
		slog.Warn("app: config change needs a new session", "sections", d.SessionChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
