// Package uplink streams captured PCM to the service.
//
// Captured audio is written into a lossy [ringbuf.ByteRing]. A single sender
// goroutine drains it one fixed-duration frame at a time, optionally
// compresses the frame with Opus, base64-encodes it and sends it as an
// input_audio_buffer.append event. A frame that fails to encode or send is
// counted and skipped; the pipeline itself never stalls on a bad frame.
//
// The pipeline moves through Idle → Running → Stopping → Idle. Stop is
// cooperative: it cancels the sender and waits a bounded time for it to exit.
package uplink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	"github.com/MrWong99/voxlink/pkg/ringbuf"
)

// summaryInterval is how many sent packets pass between summary logs.
const summaryInterval = 100

var (
	// ErrRunning is returned by Start when the pipeline is not idle.
	ErrRunning = errors.New("uplink: already running")

	// ErrStopTimeout is returned by Stop when the sender did not exit within
	// the configured grace period. The pipeline returns to Idle once it does.
	ErrStopTimeout = errors.New("uplink: sender did not stop in time")
)

// Sender delivers one serialized protocol message.
type Sender interface {
	Send(ctx context.Context, msg []byte) error
}

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config controls framing and encoding of uplink audio.
type Config struct {
	// Format is the PCM format written by the capture side.
	Format audio.Format

	// FrameDuration is the length of each sent frame.
	FrameDuration time.Duration

	// Codec is protocol.CodecOpus or protocol.CodecPCM.
	Codec string

	// Bitrate is the Opus target bitrate in bits per second.
	Bitrate int

	// BufferSize is the capture ring capacity in bytes.
	BufferSize int

	// ReadWait bounds each wait for more captured audio.
	ReadWait time.Duration

	// StopTimeout bounds how long Stop waits for the sender to exit.
	StopTimeout time.Duration
}

// DefaultConfig returns 16 kHz mono PCM in 20 ms frames.
func DefaultConfig() Config {
	return Config{
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		FrameDuration: 20 * time.Millisecond,
		Codec:         protocol.CodecPCM,
		Bitrate:       16000,
		BufferSize:    16 * 1024,
		ReadWait:      200 * time.Millisecond,
		StopTimeout:   200 * time.Millisecond,
	}
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Packets      uint64
	Bytes        uint64
	EncodeErrors uint64
	SendErrors   uint64
	// Overwritten counts captured bytes lost because the sender fell behind.
	Overwritten uint64
}

// Pipeline is the uplink sender.
type Pipeline struct {
	cfg        Config
	sender     Sender
	ring       *ringbuf.ByteRing
	enc        *opus.Encoder
	frameBytes int
	metrics    *observe.Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	packets      atomic.Uint64
	bytes        atomic.Uint64
	encodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
	overwrittenZ atomic.Uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records uplink counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New allocates the capture ring and, for Opus, the encoder. Zero fields in
// cfg take their [DefaultConfig] values.
func New(cfg Config, sender Sender, opts ...Option) (*Pipeline, error) {
	if sender == nil {
		return nil, fmt.Errorf("uplink: nil sender: %w", ringbuf.ErrInvalidArgument)
	}
	cfg = withDefaults(cfg)

	p := &Pipeline{cfg: cfg, sender: sender}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	switch cfg.Codec {
	case protocol.CodecOpus:
		enc, err := opus.NewEncoder(cfg.Format,
			opus.WithBitrate(cfg.Bitrate),
			opus.WithFrameDuration(cfg.FrameDuration),
		)
		if err != nil {
			return nil, fmt.Errorf("uplink: %w", err)
		}
		p.enc = enc
		p.frameBytes = enc.FrameBytes()
	case protocol.CodecPCM:
		p.frameBytes = cfg.Format.FrameBytes(cfg.FrameDuration)
	default:
		return nil, fmt.Errorf("uplink: unknown codec %q: %w", cfg.Codec, ringbuf.ErrInvalidArgument)
	}
	if p.frameBytes <= 0 {
		return nil, fmt.Errorf("uplink: frame of %v at %d Hz is empty: %w", cfg.FrameDuration, cfg.Format.SampleRate, ringbuf.ErrInvalidArgument)
	}

	if cfg.BufferSize < p.frameBytes {
		return nil, fmt.Errorf("uplink: buffer of %d bytes cannot hold a %d byte frame: %w", cfg.BufferSize, p.frameBytes, ringbuf.ErrInvalidArgument)
	}
	ring, err := ringbuf.NewByteRing(cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("uplink: allocate capture buffer: %w", err)
	}
	p.ring = ring
	return p, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Format.SampleRate == 0 {
		cfg.Format.SampleRate = def.Format.SampleRate
	}
	if cfg.Format.Channels == 0 {
		cfg.Format.Channels = def.Format.Channels
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.Codec == "" {
		cfg.Codec = def.Codec
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = def.Bitrate
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.ReadWait == 0 {
		cfg.ReadWait = def.ReadWait
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return cfg
}

// FrameBytes returns the PCM length of one uplink frame.
func (p *Pipeline) FrameBytes() int { return p.frameBytes }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the sender goroutine. It runs until Stop is called or ctx
// is done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return fmt.Errorf("uplink: start in state %s: %w", p.state, ErrRunning)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StateRunning

	go p.run(ctx, cancel, p.done)
	slog.Info("uplink: started", "codec", p.cfg.Codec, "frame_bytes", p.frameBytes, "frame", p.cfg.FrameDuration)
	return nil
}

// Stop cancels the sender and waits up to the configured StopTimeout for it
// to exit. Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.cancel()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.StopTimeout):
		slog.Warn("uplink: sender still running after stop timeout", "timeout", p.cfg.StopTimeout)
		return ErrStopTimeout
	}
}

// Done returns a channel closed when the current sender goroutine exits. It
// is nil before the first Start.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Write queues captured PCM. It never blocks; when the sender has fallen
// behind, the oldest queued audio is overwritten.
func (p *Pipeline) Write(pcm []byte) error {
	if err := p.ring.Write(pcm); err != nil {
		return fmt.Errorf("uplink: write: %w", err)
	}
	return nil
}

// Clear discards queued audio, including any partially assembled frame.
func (p *Pipeline) Clear() {
	p.ring.Clear()
}

// Buffered returns the number of captured bytes not yet taken by the sender.
func (p *Pipeline) Buffered() int { return p.ring.Available() }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Packets:      p.packets.Load(),
		Bytes:        p.bytes.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		SendErrors:   p.sendErrors.Load(),
		Overwritten:  p.ring.Overwritten() - p.overwrittenZ.Load(),
	}
}

// ResetStats zeroes the counters.
func (p *Pipeline) ResetStats() {
	p.packets.Store(0)
	p.bytes.Store(0)
	p.encodeErrors.Store(0)
	p.sendErrors.Store(0)
	p.overwrittenZ.Store(p.ring.Overwritten())
}

func (p *Pipeline) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		close(done)
		slog.Info("uplink: stopped", "packets", p.packets.Load())
	}()

	frame := make([]byte, p.frameBytes)
	for {
		if !p.fill(ctx, frame) {
			return
		}
		p.sendFrame(ctx, frame)
	}
}

// fill assembles one complete frame, keeping partial reads across waits. A
// Clear during assembly discards the partial frame. It returns false when
// ctx is done.
func (p *Pipeline) fill(ctx context.Context, frame []byte) bool {
	fill := 0
	epoch := p.ring.Epoch()
	for fill < len(frame) {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.ReadWait)
		n, err := p.ring.ReadSince(wctx, frame[fill:], epoch)
		cancel()
		switch {
		case err == nil:
			fill += n
		case ctx.Err() != nil:
			return false
		case errors.Is(err, ringbuf.ErrReset):
			fill = 0
			epoch = p.ring.Epoch()
		case errors.Is(err, context.DeadlineExceeded):
			// Nothing captured yet; keep waiting.
		default:
			slog.Error("uplink: capture read failed", "err", err)
			return false
		}
	}
	return true
}

func (p *Pipeline) sendFrame(ctx context.Context, frame []byte) {
	payload := frame
	if p.enc != nil {
		start := time.Now()
		pkt, err := p.enc.Encode(frame)
		observe.RecordDuration(ctx, p.metrics.EncodeDuration, time.Since(start))
		if err != nil {
			p.countError(ctx, &p.encodeErrors, "encode", err)
			return
		}
		payload = pkt
	}

	msg, err := protocol.AppendAudio(protocol.NewID("audio"), base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		p.countError(ctx, &p.encodeErrors, "marshal", err)
		return
	}
	if err := p.sender.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.countError(ctx, &p.sendErrors, "send", err)
		return
	}

	p.bytes.Add(uint64(len(payload)))
	p.metrics.UplinkPackets.Add(ctx, 1)
	if n := p.packets.Add(1); n%summaryInterval == 0 {
		s := p.Stats()
		slog.Debug("uplink: summary",
			"packets", s.Packets,
			"bytes", s.Bytes,
			"encode_errors", s.EncodeErrors,
			"send_errors", s.SendErrors,
			"overwritten", s.Overwritten,
		)
	}
}

// countError increments c and logs the first failure and every
// summaryInterval-th one after it.
func (p *Pipeline) countError(ctx context.Context, c *atomic.Uint64, stage string, err error) {
	p.metrics.RecordUplinkError(ctx, stage)
	if n := c.Add(1); n == 1 || n%summaryInterval == 0 {
		slog.Warn("uplink: frame skipped", "stage", stage, "count", n, "err", err)
	}
}
