// Package framing decouples network delivery from protocol processing.
//
// The transport goroutine pushes each complete inbound text message into a
// [Bridge], which stores it in a byte ring as a [u16 little-endian length]
// prefix followed by the message bytes. A dedicated parser goroutine
// ([Bridge.Run]) reads exactly two bytes, validates the length, reads exactly
// that many bytes and only then hands the message to the handler, so the
// handler never sees a partial message.
package framing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/ringbuf"
)

// MaxMessageSize is the largest message a 16-bit length prefix can frame.
const MaxMessageSize = 1<<16 - 1

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 256 * 1024

// summaryInterval is how many dispatched messages pass between summary logs,
// and how many repeated drops pass between warnings.
const summaryInterval = 100

var (
	// ErrMessageTooLarge is returned by Push for messages longer than
	// MaxMessageSize.
	ErrMessageTooLarge = errors.New("framing: message too large")

	// ErrDropped is returned by Push when the ring had no room for the
	// message. If only the prefix fit, the ring was cleared.
	ErrDropped = errors.New("framing: message dropped")
)

// Handler receives each reconstructed message. The slice is owned by the
// handler. Handlers run on the parser goroutine and must not block for long.
type Handler func(ctx context.Context, msg []byte)

// Stats is a point-in-time copy of the bridge counters.
type Stats struct {
	Pushed     uint64
	Dispatched uint64
	Oversized  uint64
	Dropped    uint64
	Resets     uint64
}

// Bridge carries messages from one producer (the transport) to one parser
// goroutine.
type Bridge struct {
	ring    *ringbuf.ByteRing
	handler Handler
	metrics *observe.Metrics

	pushed     atomic.Uint64
	dispatched atomic.Uint64
	oversized  atomic.Uint64
	dropped    atomic.Uint64
	resets     atomic.Uint64
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMetrics records bridge counters on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge allocates a bridge with a ring of capacity bytes.
func NewBridge(capacity int, handler Handler, opts ...Option) (*Bridge, error) {
	if handler == nil {
		return nil, fmt.Errorf("framing: nil handler: %w", ringbuf.ErrInvalidArgument)
	}
	ring, err := ringbuf.NewByteRing(capacity)
	if err != nil {
		return nil, fmt.Errorf("framing: allocate ring: %w", err)
	}
	b := &Bridge{ring: ring, handler: handler}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b, nil
}

// Push queues msg for the parser. Empty and oversized messages are rejected
// before anything is written. When the length prefix fits but the payload
// does not, the ring is cleared entirely: any already queued messages are
// lost, but the parser never reads a prefix whose payload is missing.
func (b *Bridge) Push(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("framing: push: %w", ringbuf.ErrInvalidArgument)
	}
	if len(msg) > MaxMessageSize {
		n := b.oversized.Add(1)
		b.metrics.RecordFramingDrop(context.Background(), "oversized")
		if n == 1 || n%summaryInterval == 0 {
			slog.Warn("framing: message exceeds limit, rejected", "bytes", len(msg), "max", MaxMessageSize, "oversized", n)
		}
		return fmt.Errorf("framing: push %d bytes: %w", len(msg), ErrMessageTooLarge)
	}

	var prefix [2]byte
	binary.LittleEndian.PutUint16(prefix[:], uint16(len(msg)))
	if err := b.ring.TryWrite(prefix[:]); err != nil {
		n := b.dropped.Add(1)
		b.metrics.RecordFramingDrop(context.Background(), "dropped")
		if n == 1 || n%summaryInterval == 0 {
			slog.Warn("framing: ring full, message dropped", "bytes", len(msg), "free", b.ring.Free(), "dropped", n)
		}
		return fmt.Errorf("framing: push: %w: %w", ErrDropped, err)
	}
	if err := b.ring.TryWrite(msg); err != nil {
		b.ring.Clear()
		n := b.resets.Add(1)
		b.metrics.RecordFramingDrop(context.Background(), "reset")
		if n == 1 || n%summaryInterval == 0 {
			slog.Warn("framing: payload did not fit after prefix, ring cleared", "bytes", len(msg), "resets", n)
		}
		return fmt.Errorf("framing: push: %w: %w", ErrDropped, err)
	}
	b.pushed.Add(1)
	return nil
}

// Run is the parser loop. It returns ctx.Err() when ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	var prefix [2]byte
	for {
		epoch := b.ring.Epoch()

		if err := b.readFull(ctx, prefix[:], epoch); err != nil {
			if errors.Is(err, ringbuf.ErrReset) {
				continue
			}
			return err
		}
		n := int(binary.LittleEndian.Uint16(prefix[:]))
		if n == 0 {
			// Push never writes a zero prefix.
			slog.Error("framing: invalid length prefix, skipped", "length", n)
			continue
		}

		msg := make([]byte, n)
		if err := b.readFull(ctx, msg, epoch); err != nil {
			if errors.Is(err, ringbuf.ErrReset) {
				slog.Debug("framing: partial message discarded by reset", "length", n)
				continue
			}
			return err
		}

		b.handler(ctx, msg)
		b.metrics.FramedMessages.Add(ctx, 1)
		if d := b.dispatched.Add(1); d%summaryInterval == 0 {
			s := b.Stats()
			slog.Debug("framing: summary",
				"dispatched", s.Dispatched,
				"oversized", s.Oversized,
				"dropped", s.Dropped,
				"resets", s.Resets,
				"buffered", b.ring.Available(),
			)
		}
	}
}

// readFull reads exactly len(p) bytes written during epoch.
func (b *Bridge) readFull(ctx context.Context, p []byte, epoch uint64) error {
	for got := 0; got < len(p); {
		n, err := b.ring.ReadSince(ctx, p[got:], epoch)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

// Buffered returns the number of bytes waiting for the parser.
func (b *Bridge) Buffered() int { return b.ring.Available() }

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Pushed:     b.pushed.Load(),
		Dispatched: b.dispatched.Load(),
		Oversized:  b.oversized.Load(),
		Dropped:    b.dropped.Load(),
		Resets:     b.resets.Load(),
	}
}
