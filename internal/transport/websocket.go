package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var _ Transport = (*WebSocket)(nil)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultFragmentSize = 16 * 1024
	defaultReadLimit    = 1 << 20
	defaultEventBuffer  = 64
	defaultUserAgent    = "voxlink/1.0"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [WebSocket].
type Option func(*WebSocket)

// WithBearerToken sets the Authorization header sent on connect.
func WithBearerToken(token string) Option {
	return func(w *WebSocket) { w.header.Set("Authorization", "Bearer "+token) }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(w *WebSocket) { w.header.Set("User-Agent", ua) }
}

// WithPingInterval sets the keepalive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(w *WebSocket) { w.pingInterval = d }
}

// WithFragmentSize bounds how many bytes are pulled off the socket per read
// before being handed to the reassembler.
func WithFragmentSize(n int) Option {
	return func(w *WebSocket) { w.fragmentSize = n }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(w *WebSocket) { w.eventBuffer = n }
}

// ── WebSocket ──────────────────────────────────────────────────────────────────

// WebSocket implements [Transport] over github.com/coder/websocket. A value
// handles a single connection; create a new one to reconnect.
type WebSocket struct {
	header       http.Header
	pingInterval time.Duration
	fragmentSize int
	readLimit    int
	eventBuffer  int

	conn      *websocket.Conn
	events    chan Event
	connected atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	downOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
}

// NewWebSocket creates an unconnected transport.
func NewWebSocket(opts ...Option) *WebSocket {
	w := &WebSocket{
		header:       http.Header{"User-Agent": []string{defaultUserAgent}},
		pingInterval: defaultPingInterval,
		fragmentSize: defaultFragmentSize,
		readLimit:    defaultReadLimit,
		eventBuffer:  defaultEventBuffer,
	}
	for _, o := range opts {
		o(w)
	}
	w.events = make(chan Event, w.eventBuffer)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Connect dials url and starts the read and keepalive loops. On success an
// EventConnected is queued before Connect returns.
func (w *WebSocket) Connect(ctx context.Context, url string) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: connect: already used: %w", ErrTransport)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: w.header})
	if err != nil {
		return fmt.Errorf("transport: dial: %w: %w", ErrTransport, err)
	}
	conn.SetReadLimit(int64(w.readLimit))
	w.conn = conn
	w.connected.Store(true)
	w.emit(Event{Kind: EventConnected})

	w.wg.Add(1)
	go w.readLoop()
	if w.pingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop()
	}
	slog.Debug("transport: connected", "url", url)
	return nil
}

// Send writes msg as a single text message.
func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	if !w.connected.Load() {
		return ErrNotConnected
	}
	if err := w.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("transport: send: %w: %w", ErrTransport, err)
	}
	return nil
}

// Connected reports whether the connection is open.
func (w *WebSocket) Connected() bool { return w.connected.Load() }

// Events returns the notification channel.
func (w *WebSocket) Events() <-chan Event { return w.events }

// Close shuts the connection down, waits for the internal loops and closes
// the Events channel. Idempotent.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		if w.conn != nil {
			w.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		w.wg.Wait()
		w.markDown(w.tryEmit)
		close(w.events)
	})
	return nil
}

// readLoop pulls messages off the socket in fragmentSize chunks, reassembles
// them and emits one EventData per complete message.
func (w *WebSocket) readLoop() {
	defer w.wg.Done()

	re := NewReassembler(w.readLimit)
	chunk := make([]byte, w.fragmentSize)
	for {
		typ, r, err := w.conn.Reader(w.ctx)
		if err != nil {
			w.fail(err)
			return
		}

		offset := 0
		for {
			n, rerr := io.ReadFull(r, chunk)
			final := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
			if rerr != nil && !final {
				w.fail(rerr)
				return
			}
			msg, done, ferr := re.Add(Fragment{Offset: offset, Final: final, Data: chunk[:n]})
			if ferr != nil {
				w.fail(ferr)
				return
			}
			offset += n
			if done {
				if !w.emit(Event{Kind: EventData, Payload: msg, Binary: typ == websocket.MessageBinary}) {
					return
				}
				break
			}
		}
	}
}

func (w *WebSocket) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(w.ctx, defaultPingTimeout)
			err := w.conn.Ping(ctx)
			cancel()
			if err != nil && w.ctx.Err() == nil {
				slog.Warn("transport: ping failed", "err", err)
			}
		}
	}
}

// fail reports a read-side failure. Errors caused by a local Close or a
// normal closure from the peer are not surfaced as EventError.
func (w *WebSocket) fail(err error) {
	if w.ctx.Err() != nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		slog.Warn("transport: connection lost", "err", err, "status", status)
		w.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: read: %w: %w", ErrTransport, err)})
	}
	w.markDown(w.emit)
}

// markDown flips the connected flag and queues EventDisconnected once
// through send.
func (w *WebSocket) markDown(send func(Event) bool) {
	w.downOnce.Do(func() {
		w.connected.Store(false)
		send(Event{Kind: EventDisconnected})
	})
}

// tryEmit queues ev without blocking.
func (w *WebSocket) tryEmit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	default:
		slog.Debug("transport: event buffer full, notification dropped", "kind", ev.Kind)
		return false
	}
}

// emit queues ev, giving up when the transport is closing. It reports
// whether the event was delivered.
func (w *WebSocket) emit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}
