// Package session wires the transport, framing bridge, dispatcher and both
// audio pipelines into one voice conversation with the service.
//
// A Session is single use: New builds every component, Start connects and
// launches the background tasks, Stop tears everything down in reverse
// order. Reconnecting means building a new Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/dispatch"
	"github.com/MrWong99/voxlink/internal/downlink"
	"github.com/MrWong99/voxlink/internal/framing"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/uplink"
	"github.com/MrWong99/voxlink/pkg/audio"
)

var (
	// ErrStarted is returned by Start on a session that was already started.
	ErrStarted = errors.New("session: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("session: stopped")

	// ErrDisconnected ends a session whose connection closed while running.
	ErrDisconnected = fmt.Errorf("session: connection closed: %w", transport.ErrTransport)
)

// Config describes one session.
type Config struct {
	// URL is the service endpoint. BotID and DeviceID are added as the
	// bot_id and device_id query parameters.
	URL      string
	BotID    string
	DeviceID string

	// AccessToken is sent as a Bearer token on the handshake.
	AccessToken string

	UserAgent string

	// PingInterval overrides the transport keepalive period when non-zero.
	PingInterval time.Duration

	// ChatUpdate is sent as chat.update once the connection is up.
	ChatUpdate protocol.ChatUpdateData

	Uplink   uplink.Config
	Downlink downlink.Config

	// FramingCapacity is the inbound re-framing ring size in bytes.
	FramingCapacity int

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// Subtitles enables sentence-start subtitle events.
	Subtitles bool
}

// Stats aggregates the counters of every pipeline stage.
type Stats struct {
	Uplink   uplink.Stats
	Downlink downlink.Stats
	Framing  framing.Stats
	Dispatch dispatch.Stats
}

// Session is a running voice conversation.
type Session struct {
	cfg     Config
	metrics *observe.Metrics

	tr     transport.Transport
	up     *uplink.Pipeline
	down   *downlink.Pipeline
	bridge *framing.Bridge
	disp   *dispatch.Dispatcher

	// closers release components in reverse construction order.
	closers []func() error

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
	doneOnce sync.Once

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*Session)

// WithTransport uses t instead of a WebSocket built from the config.
func WithTransport(t transport.Transport) Option {
	return func(s *Session) { s.tr = t }
}

// WithMetrics records every stage's metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds every component of a session. Decoded downlink audio goes to
// player. If any component fails to build, those already built are released
// in reverse order.
func New(cfg Config, player audio.Player, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg, done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if _, err := s.endpoint(); err != nil {
		return nil, err
	}

	// ── 1. Downlink ──────────────────────────────────────────────────────
	down, err := downlink.New(cfg.Downlink, player, downlink.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("session: build downlink: %w", err)
	}
	s.down = down
	s.closers = append(s.closers, func() error { down.Clear(); return nil })

	// ── 2. Dispatcher ────────────────────────────────────────────────────
	s.disp = dispatch.New(down,
		dispatch.WithSubtitles(cfg.Subtitles),
		dispatch.WithEventBuffer(cfg.EventBuffer),
		dispatch.WithMetrics(s.metrics),
	)
	s.closers = append(s.closers, func() error { s.disp.Close(); return nil })

	// ── 3. Framing bridge ────────────────────────────────────────────────
	capacity := cfg.FramingCapacity
	if capacity == 0 {
		capacity = framing.DefaultCapacity
	}
	if s.bridge, err = framing.NewBridge(capacity, s.disp.Dispatch, framing.WithMetrics(s.metrics)); err != nil {
		s.release()
		return nil, fmt.Errorf("session: build framing bridge: %w", err)
	}

	// ── 4. Transport ─────────────────────────────────────────────────────
	if s.tr == nil {
		s.tr = transport.NewWebSocket(s.transportOptions()...)
	}
	s.closers = append(s.closers, s.tr.Close)

	// ── 5. Uplink ────────────────────────────────────────────────────────
	if s.up, err = uplink.New(cfg.Uplink, s.tr, uplink.WithMetrics(s.metrics)); err != nil {
		s.release()
		return nil, fmt.Errorf("session: build uplink: %w", err)
	}
	s.closers = append(s.closers, s.up.Stop)

	return s, nil
}

func (s *Session) transportOptions() []transport.Option {
	var opts []transport.Option
	if s.cfg.AccessToken != "" {
		opts = append(opts, transport.WithBearerToken(s.cfg.AccessToken))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, transport.WithUserAgent(s.cfg.UserAgent))
	}
	if s.cfg.PingInterval != 0 {
		opts = append(opts, transport.WithPingInterval(s.cfg.PingInterval))
	}
	return opts
}

// endpoint returns the connect URL with the bot and device query parameters.
func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("session: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("session: url %q: scheme must be ws or wss", s.cfg.URL)
	}
	q := u.Query()
	if s.cfg.BotID != "" {
		q.Set("bot_id", s.cfg.BotID)
	}
	if s.cfg.DeviceID != "" {
		q.Set("device_id", s.cfg.DeviceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// release runs the closers in reverse order and returns their joined errors.
func (s *Session) release() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start connects to the service, sends chat.update and launches the
// background tasks: the transport event pump, the framing parser, the
// downlink decoder and the uplink sender. ctx bounds the connection attempt
// and supplies values to the tasks; the tasks themselves run until Stop or
// until the connection ends.
//
// A failed connection tears the session down and returns an error wrapping
// [transport.ErrTransport].
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.started:
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(
		attribute.String("bot_id", s.cfg.BotID),
		attribute.String("uplink.codec", s.cfg.ChatUpdate.InputAudio.Codec),
		attribute.String("downlink.codec", s.cfg.ChatUpdate.OutputAudio.Codec),
	))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	endpoint, err := s.endpoint()
	if err != nil {
		s.abort()
		return err
	}

	// ── Connect ──────────────────────────────────────────────────────────
	start := time.Now()
	if err := s.tr.Connect(ctx, endpoint); err != nil {
		s.abort()
		return fmt.Errorf("session: connect: %w", err)
	}
	observe.RecordDuration(ctx, s.metrics.ConnectDuration, time.Since(start))
	s.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session: connected", "bot_id", s.cfg.BotID, "latency", time.Since(start))

	if err := s.sendChatUpdate(ctx); err != nil {
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.abort()
		return err
	}

	// ── Tasks ────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pump(gctx) })
	g.Go(func() error { return s.bridge.Run(gctx) })
	g.Go(func() error { return s.down.Run(gctx) })
	if err := s.up.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.abort()
		return fmt.Errorf("session: start uplink: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		if err != nil {
			slog.Warn("session: ended", "err", err)
		} else {
			slog.Info("session: ended")
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.closeDone()
	}()
	return nil
}

// abort releases everything after a failed Start.
func (s *Session) abort() {
	if err := s.release(); err != nil {
		slog.Debug("session: release after failed start", "err", err)
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// sendChatUpdate configures the remote session.
func (s *Session) sendChatUpdate(ctx context.Context) error {
	msg, err := protocol.UpdateChat(protocol.NewID("chat_update"), s.cfg.ChatUpdate)
	if err != nil {
		return fmt.Errorf("session: build chat.update: %w", err)
	}
	if err := s.tr.Send(ctx, msg); err != nil {
		return fmt.Errorf("session: send chat.update: %w", err)
	}
	return nil
}

// pump routes transport notifications into the bridge and the session
// state. It returns when the connection ends or ctx is done.
func (s *Session) pump(ctx context.Context) error {
	var cause error
	events := s.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.disp.SetConnected(false, cause)
				return disconnected(cause)
			}
			switch ev.Kind {
			case transport.EventConnected:
				s.disp.SetConnected(true, nil)
			case transport.EventData:
				if ev.Binary {
					slog.Debug("session: binary message ignored", "bytes", len(ev.Payload))
					continue
				}
				// Drops are counted and logged by the bridge.
				_ = s.bridge.Push(ev.Payload)
			case transport.EventError:
				cause = ev.Err
			case transport.EventDisconnected:
				s.disp.SetConnected(false, cause)
				return disconnected(cause)
			}
		}
	}
}

func disconnected(cause error) error {
	if cause == nil {
		return ErrDisconnected
	}
	return errors.Join(ErrDisconnected, cause)
}

// ─── Operations ──────────────────────────────────────────────────────────────

// SendAudio queues captured PCM for the uplink. It fails with an error
// wrapping [transport.ErrNotConnected] while the connection is down.
func (s *Session) SendAudio(pcm []byte) error {
	if !s.tr.Connected() || s.up.State() != uplink.StateRunning {
		return fmt.Errorf("session: send audio: %w", transport.ErrNotConnected)
	}
	return s.up.Write(pcm)
}

// CompleteAudio signals the end of the user's turn. Under server_vad the
// service detects turn ends itself and nothing is sent.
func (s *Session) CompleteAudio(ctx context.Context) error {
	if s.cfg.ChatUpdate.TurnDetection.Type == protocol.TurnServerVAD {
		slog.Debug("session: complete audio skipped under server_vad")
		return nil
	}
	msg, err := protocol.CompleteAudio(protocol.NewID("complete"))
	if err != nil {
		return fmt.Errorf("session: build complete: %w", err)
	}
	if err := s.tr.Send(ctx, msg); err != nil {
		return fmt.Errorf("session: send complete: %w", err)
	}
	return nil
}

// CancelAudio discards captured audio on both sides and flushes queued
// playback, interrupting the current response.
func (s *Session) CancelAudio(ctx context.Context) error {
	s.up.Clear()
	s.down.Clear()
	msg, err := protocol.ClearAudio(protocol.NewID("clear"))
	if err != nil {
		return fmt.Errorf("session: build clear: %w", err)
	}
	if err := s.tr.Send(ctx, msg); err != nil {
		return fmt.Errorf("session: send clear: %w", err)
	}
	return nil
}

// Events returns the session event channel. It is closed by Stop.
func (s *Session) Events() <-chan dispatch.Event { return s.disp.Events() }

// State returns a snapshot of the session state.
func (s *Session) State() dispatch.State { return s.disp.State() }

// SetSubtitles toggles subtitle events without reconnecting.
func (s *Session) SetSubtitles(enabled bool) { s.disp.SetSubtitles(enabled) }

// Connected reports whether the transport is currently up.
func (s *Session) Connected() bool { return s.tr.Connected() }

// Stats returns a snapshot of every stage's counters.
func (s *Session) Stats() Stats {
	return Stats{
		Uplink:   s.up.Stats(),
		Downlink: s.down.Stats(),
		Framing:  s.bridge.Stats(),
		Dispatch: s.disp.Stats(),
	}
}

// ResetStats zeroes the audio pipeline counters.
func (s *Session) ResetStats() {
	s.up.ResetStats()
	s.down.ResetStats()
}

// Done is closed once the background tasks have exited, or immediately
// after a failed Start.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the tasks ended: nil after Stop, an error wrapping
// [ErrDisconnected] when the connection closed on its own.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ─── Stop ────────────────────────────────────────────────────────────────────

// Stop cancels the tasks, waits for them (bounded by ctx) and releases every
// component in reverse construction order. It is idempotent; later calls
// return the first result.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session: wait for tasks: %w", ctx.Err()))
		}
	}
	if cancel != nil && s.State().Connected {
		s.disp.SetConnected(false, nil)
	}
	if err := s.release(); err != nil {
		errs = append(errs, fmt.Errorf("session: release: %w", err))
	}
	if !started {
		s.closeDone()
	}
	slog.Debug("session: stopped")
	return errors.Join(errs...)
}
