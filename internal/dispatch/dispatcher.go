// Package dispatch interprets inbound protocol envelopes.
//
// A [Dispatcher] owns the session state. Each reconstructed message is
// parsed, looked up in a table keyed by event type, and turned into a state
// transition plus zero or more [Event] values on a buffered channel. Audio
// payloads are handed to an [AudioSink] without decoding. Dispatch never
// blocks: when the event channel is full the event is dropped and counted.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 256

// summaryInterval is how many repeated failures pass between warnings.
const summaryInterval = 100

// AudioSink receives base64-encoded audio chunks from audio delta events.
// PushAudio must not block.
type AudioSink interface {
	PushAudio(b64 string) error
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Dispatched    uint64
	Unknown       uint64
	Malformed     uint64
	DroppedEvents uint64
}

type handlerFunc func(d *Dispatcher, ctx context.Context, env *protocol.Envelope)

// table maps every recognised inbound event type to its handler.
var table = map[protocol.EventType]handlerFunc{
	protocol.ChatCreated:                   (*Dispatcher).onChatCreated,
	protocol.ChatUpdated:                   (*Dispatcher).onChatUpdated,
	protocol.ConversationChatCreated:       (*Dispatcher).onConversationChatCreated,
	protocol.ConversationChatInProgress:    (*Dispatcher).onChatInProgress,
	protocol.ConversationAudioDelta:        (*Dispatcher).onAudioDelta,
	protocol.ConversationMessageDelta:      (*Dispatcher).onMessageDelta,
	protocol.ConversationMessageCompleted:  (*Dispatcher).onMessageCompleted,
	protocol.ConversationAudioCompleted:    simple(EventAudioCompleted),
	protocol.ConversationChatCompleted:     (*Dispatcher).onChatCompleted,
	protocol.ConversationChatFailed:        (*Dispatcher).onChatFailed,
	protocol.ConversationChatCanceled:      (*Dispatcher).onChatCanceled,
	protocol.ConversationSentenceStart:     (*Dispatcher).onSentenceStart,
	protocol.ConversationTranscriptUpdate:  (*Dispatcher).onTranscript,
	protocol.ConversationTranscriptDone:    (*Dispatcher).onTranscript,
	protocol.InputAudioBufferSpeechStarted: (*Dispatcher).onSpeechStarted,
	protocol.InputAudioBufferSpeechStopped: simple(EventSpeechStopped),
	protocol.InputAudioBufferCompleted:     simple(EventInputCompleted),
	protocol.InputAudioBufferCleared:       simple(EventCleared),
	protocol.ConversationCleared:           simple(EventCleared),
	protocol.Error:                         (*Dispatcher).onError,
}

// simple returns a handler that only emits an event of kind k.
func simple(k EventKind) handlerFunc {
	return func(d *Dispatcher, _ context.Context, env *protocol.Envelope) {
		d.emit(Event{Kind: k, LogID: logID(env)})
	}
}

// Dispatcher routes envelopes and tracks session state. Dispatch must be
// called from a single goroutine; State, SetConnected and Stats are safe
// from any goroutine.
type Dispatcher struct {
	sink      AudioSink
	subtitles atomic.Bool
	metrics   *observe.Metrics
	bufSize   int

	mu     sync.Mutex
	state  State
	events chan Event
	closed bool

	dispatched atomic.Uint64
	unknown    atomic.Uint64
	malformed  atomic.Uint64
	dropped    atomic.Uint64
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithSubtitles enables EventSubtitle for sentence_start events.
func WithSubtitles(enabled bool) Option {
	return func(d *Dispatcher) { d.subtitles.Store(enabled) }
}

// WithEventBuffer sets the event channel capacity. Values < 1 are ignored.
func WithEventBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// WithMetrics records dispatch counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher that forwards audio to sink.
func New(sink AudioSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{sink: sink, bufSize: DefaultEventBuffer}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.events = make(chan Event, d.bufSize)
	return d
}

// SetSubtitles toggles EventSubtitle delivery on a running dispatcher.
func (d *Dispatcher) SetSubtitles(enabled bool) { d.subtitles.Store(enabled) }

// Events returns the channel on which session events are delivered. It is
// closed by [Dispatcher.Close].
func (d *Dispatcher) Events() <-chan Event { return d.events }

// State returns a snapshot of the session state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:    d.dispatched.Load(),
		Unknown:       d.unknown.Load(),
		Malformed:     d.malformed.Load(),
		DroppedEvents: d.dropped.Load(),
	}
}

// SetConnected records a transport state change. A disconnect also ends the
// remote session; err is the cause, if any.
func (d *Dispatcher) SetConnected(connected bool, err error) {
	d.mu.Lock()
	d.state.Connected = connected
	if !connected {
		d.state.SessionCreated = false
	}
	d.mu.Unlock()

	if connected {
		d.emit(Event{Kind: EventConnected})
	} else {
		d.emit(Event{Kind: EventDisconnected, Err: err})
	}
}

// Dispatch parses and handles one inbound message. It matches
// framing.Handler.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		if n := d.malformed.Add(1); n == 1 || n%summaryInterval == 0 {
			slog.Warn("dispatch: unparseable message ignored", "bytes", len(raw), "malformed", n, "err", err)
		}
		return
	}
	d.dispatched.Add(1)

	h, ok := table[env.EventType]
	if !ok {
		d.unknown.Add(1)
		d.metrics.RecordProtocolEvent(ctx, "unknown")
		slog.Debug("dispatch: unknown event type ignored", "event_type", env.EventType, "id", env.ID)
		return
	}
	d.metrics.RecordProtocolEvent(ctx, string(env.EventType))
	h(d, ctx, env)
}

// Close closes the event channel. Events emitted afterwards are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
}

// emit delivers ev without blocking.
func (d *Dispatcher) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 || n%summaryInterval == 0 {
			slog.Warn("dispatch: event consumer lagging, events dropped", "kind", ev.Kind, "dropped", n)
		}
		d.metrics.EventDrops.Add(context.Background(), 1)
	}
}

func (d *Dispatcher) setPhase(p Phase) {
	d.mu.Lock()
	d.state.Phase = p
	d.mu.Unlock()
}

func (d *Dispatcher) decode(env *protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		if n := d.malformed.Add(1); n == 1 || n%summaryInterval == 0 {
			slog.Warn("dispatch: bad payload", "event_type", env.EventType, "malformed", n, "err", err)
		}
		return false
	}
	return true
}

func logID(env *protocol.Envelope) string {
	if env.Detail != nil {
		return env.Detail.LogID
	}
	return ""
}

// ── Handlers ────────────────────────────────────────────────────────────────

func (d *Dispatcher) onChatCreated(_ context.Context, env *protocol.Envelope) {
	var c protocol.Chat
	d.decode(env, &c)

	d.mu.Lock()
	d.state.SessionCreated = true
	d.state.Phase = PhaseIdle
	if c.ID != "" {
		d.state.SessionID = c.ID
	}
	if c.ConversationID != "" {
		d.state.ConversationID = c.ConversationID
	}
	d.mu.Unlock()

	slog.Info("dispatch: session created", "session_id", c.ID, "conversation_id", c.ConversationID, "logid", logID(env))
	d.emit(Event{Kind: EventChatCreated, ChatID: c.ID, ConversationID: c.ConversationID, LogID: logID(env)})
}

func (d *Dispatcher) onChatUpdated(_ context.Context, env *protocol.Envelope) {
	slog.Debug("dispatch: session configuration accepted", "logid", logID(env))
	d.emit(Event{Kind: EventChatUpdated, LogID: logID(env)})
}

func (d *Dispatcher) onConversationChatCreated(_ context.Context, env *protocol.Envelope) {
	var c protocol.Chat
	d.decode(env, &c)

	d.mu.Lock()
	d.state.Phase = PhaseResponding
	if c.ConversationID != "" {
		d.state.ConversationID = c.ConversationID
	}
	d.mu.Unlock()

	d.emit(Event{Kind: EventChatCreated, ChatID: c.ID, ConversationID: c.ConversationID, LogID: logID(env)})
}

func (d *Dispatcher) onChatInProgress(context.Context, *protocol.Envelope) {
	d.setPhase(PhaseResponding)
}

func (d *Dispatcher) onAudioDelta(_ context.Context, env *protocol.Envelope) {
	var a protocol.AudioDelta
	if !d.decode(env, &a) || a.Content == "" {
		return
	}
	d.setPhase(PhaseResponding)
	// The sink counts its own failures.
	_ = d.sink.PushAudio(a.Content)
}

func (d *Dispatcher) onMessageDelta(_ context.Context, env *protocol.Envelope) {
	var m protocol.MessageDelta
	if !d.decode(env, &m) {
		return
	}
	if text := m.Text(); text != "" {
		d.emit(Event{Kind: EventTextDelta, Text: text, Role: m.Role})
	}
}

func (d *Dispatcher) onMessageCompleted(_ context.Context, env *protocol.Envelope) {
	var m protocol.MessageDelta
	d.decode(env, &m)
	d.emit(Event{Kind: EventMessageCompleted, Text: m.Content, Role: m.Role, LogID: logID(env)})
}

func (d *Dispatcher) onChatCompleted(_ context.Context, env *protocol.Envelope) {
	var c protocol.Chat
	d.decode(env, &c)
	d.setPhase(PhaseIdle)
	d.emit(Event{Kind: EventChatCompleted, ChatID: c.ID, ConversationID: c.ConversationID, LogID: logID(env)})
}

func (d *Dispatcher) onChatFailed(ctx context.Context, env *protocol.Envelope) {
	var c protocol.Chat
	d.decode(env, &c)
	var cause error = env.Failure()
	if c.LastError != nil {
		cause = c.LastError
	}
	d.fail(ctx, env, cause)
}

func (d *Dispatcher) onChatCanceled(_ context.Context, env *protocol.Envelope) {
	slog.Info("dispatch: chat canceled", "logid", logID(env))
	d.setPhase(PhaseIdle)
	d.emit(Event{Kind: EventChatCanceled, LogID: logID(env)})
}

func (d *Dispatcher) onSentenceStart(_ context.Context, env *protocol.Envelope) {
	if !d.subtitles.Load() {
		return
	}
	var s protocol.SentenceStart
	if d.decode(env, &s) && s.Text != "" {
		d.emit(Event{Kind: EventSubtitle, Text: s.Text})
	}
}

func (d *Dispatcher) onTranscript(_ context.Context, env *protocol.Envelope) {
	var t protocol.Transcript
	if !d.decode(env, &t) {
		return
	}
	final := env.EventType == protocol.ConversationTranscriptDone
	d.emit(Event{Kind: EventTranscript, Text: t.Text(), Final: final, LogID: logID(env)})
}

func (d *Dispatcher) onSpeechStarted(_ context.Context, env *protocol.Envelope) {
	d.setPhase(PhaseListening)
	d.emit(Event{Kind: EventSpeechStarted, LogID: logID(env)})
}

func (d *Dispatcher) onError(ctx context.Context, env *protocol.Envelope) {
	d.fail(ctx, env, env.Failure())
}

// fail records err as the session's last error and emits exactly one
// EventError.
func (d *Dispatcher) fail(ctx context.Context, env *protocol.Envelope, err error) {
	d.mu.Lock()
	d.state.Phase = PhaseError
	d.state.LastError = err
	d.mu.Unlock()

	d.metrics.ProtocolErrors.Add(ctx, 1)
	observe.Logger(ctx).Error("dispatch: service reported error",
		"event_type", env.EventType, "err", err, "logid", logID(env))
	d.emit(Event{Kind: EventError, Err: err, LogID: logID(env)})
}
