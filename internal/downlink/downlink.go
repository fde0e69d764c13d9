// Package downlink turns synthesized speech from the service into PCM for
// playback.
//
// It has two stages. [Pipeline.PushAudio] runs on the dispatch path: it
// base64-decodes one audio chunk into a freshly allocated buffer and queues
// it in a [ringbuf.PacketRing]. It never blocks; when the queue is full the
// chunk is dropped and counted. [Pipeline.Run] is the decode task: it takes
// one packet at a time, decodes it (Opus, or PCM passthrough) and hands the
// samples to an [audio.Player].
//
// When the player also implements [audio.FreeSpacer] and reports less free
// space than the low-water mark, Run waits for as long as the frame takes
// to play before delivering it. Frames are never dropped for backpressure.
package downlink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	"github.com/MrWong99/voxlink/pkg/ringbuf"
)

// summaryInterval is how many played frames pass between summary logs.
const summaryInterval = 100

// Config controls the downlink queue and decoder.
type Config struct {
	// Codec is protocol.CodecOpus or protocol.CodecPCM.
	Codec string

	// Format is the decoded PCM format.
	Format audio.Format

	// FrameDuration is the service's frame length. Informational for Opus,
	// which carries its own frame size.
	FrameDuration time.Duration

	// PacketCount is the queue ceiling in packets.
	PacketCount int

	// MaxPacket is the largest queued packet in bytes. PCM chunks are split
	// to fit; larger Opus packets are dropped.
	MaxPacket int

	// LowWaterSamples is the player free-space threshold below which
	// delivery is delayed.
	LowWaterSamples int
}

// DefaultConfig returns 16 kHz mono Opus in 60 ms frames with a 2000 packet
// queue.
func DefaultConfig() Config {
	return Config{
		Codec:           protocol.CodecOpus,
		Format:          audio.Format{SampleRate: 16000, Channels: 1},
		FrameDuration:   60 * time.Millisecond,
		PacketCount:     2000,
		MaxPacket:       512,
		LowWaterSamples: 32768,
	}
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Packets      uint64
	BufferFull   uint64
	TooLarge     uint64
	Base64Errors uint64
	DecodeErrors uint64
	PlayErrors   uint64
	FramesPlayed uint64
	Delays       uint64
	DelayTotal   time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pipeline is the downlink decoder.
type Pipeline struct {
	cfg     Config
	player  audio.Player
	ring    *ringbuf.PacketRing
	dec     *opus.Decoder
	metrics *observe.Metrics
	sleep   SleepFunc

	running atomic.Bool

	packets      atomic.Uint64
	bufferFull   atomic.Uint64
	tooLarge     atomic.Uint64
	base64Errors atomic.Uint64
	decodeErrors atomic.Uint64
	playErrors   atomic.Uint64
	framesPlayed atomic.Uint64
	delays       atomic.Uint64
	delayNanos   atomic.Int64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records downlink counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSleep replaces the backpressure wait.
func WithSleep(fn SleepFunc) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// New allocates the packet queue and decoder. Zero fields in cfg take their
// [DefaultConfig] values.
func New(cfg Config, player audio.Player, opts ...Option) (*Pipeline, error) {
	if player == nil {
		return nil, fmt.Errorf("downlink: nil player: %w", ringbuf.ErrInvalidArgument)
	}
	cfg = withDefaults(cfg)

	p := &Pipeline{cfg: cfg, player: player, sleep: sleepContext}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	switch cfg.Codec {
	case protocol.CodecOpus:
		dec, err := opus.NewDecoder(cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("downlink: %w", err)
		}
		p.dec = dec
	case protocol.CodecPCM:
	default:
		return nil, fmt.Errorf("downlink: unknown codec %q: %w", cfg.Codec, ringbuf.ErrInvalidArgument)
	}

	ring, err := ringbuf.NewPacketRing(cfg.PacketCount, cfg.MaxPacket)
	if err != nil {
		return nil, fmt.Errorf("downlink: allocate packet queue: %w", err)
	}
	p.ring = ring
	return p, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Codec == "" {
		cfg.Codec = def.Codec
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format.SampleRate = def.Format.SampleRate
	}
	if cfg.Format.Channels == 0 {
		cfg.Format.Channels = def.Format.Channels
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.PacketCount == 0 {
		cfg.PacketCount = def.PacketCount
	}
	if cfg.MaxPacket == 0 {
		cfg.MaxPacket = def.MaxPacket
	}
	if cfg.LowWaterSamples == 0 {
		cfg.LowWaterSamples = def.LowWaterSamples
	}
	return cfg
}

// ── Stage A ─────────────────────────────────────────────────────────────────

// PushAudio queues one base64-encoded chunk. It never blocks. A full queue
// drops the chunk and returns an error wrapping [ringbuf.ErrCapacityExceeded].
func (p *Pipeline) PushAudio(b64 string) error {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(b64)))
	n, err := base64.StdEncoding.Decode(buf, []byte(b64))
	if err != nil {
		p.base64Errors.Add(1)
		p.metrics.RecordDownlinkDrop(context.Background(), "base64")
		return fmt.Errorf("downlink: decode base64: %w", err)
	}
	buf = buf[:n]

	if p.dec == nil {
		// Raw PCM can be split at any sample boundary.
		step := p.cfg.MaxPacket &^ 1
		for len(buf) > step {
			if err := p.enqueue(buf[:step]); err != nil {
				return err
			}
			buf = buf[step:]
		}
	}
	return p.enqueue(buf)
}

func (p *Pipeline) enqueue(pkt []byte) error {
	err := p.ring.Write(pkt)
	switch {
	case err == nil:
		p.packets.Add(1)
		p.metrics.DownlinkPackets.Add(context.Background(), 1)
		return nil
	case errors.Is(err, ringbuf.ErrCapacityExceeded):
		n := p.bufferFull.Add(1)
		p.metrics.RecordDownlinkDrop(context.Background(), "buffer_full")
		if n == 1 || n%summaryInterval == 0 {
			slog.Warn("downlink: packet queue full, audio dropped", "dropped", n, "queued", p.ring.Count())
		}
	case errors.Is(err, ringbuf.ErrPacketTooLarge):
		n := p.tooLarge.Add(1)
		p.metrics.RecordDownlinkDrop(context.Background(), "too_large")
		if n == 1 || n%summaryInterval == 0 {
			slog.Warn("downlink: packet larger than queue slot, dropped", "bytes", len(pkt), "max", p.cfg.MaxPacket, "dropped", n)
		}
	}
	return fmt.Errorf("downlink: push: %w", err)
}

// ── Stage B ─────────────────────────────────────────────────────────────────

// Run decodes queued packets and plays them until ctx is done, returning
// ctx.Err(). Only one Run may be active at a time.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("downlink: already running")
	}
	defer p.running.Store(false)

	pkt := make([]byte, p.cfg.MaxPacket)
	scratch := make([]int16, p.scratchSamples())

	for {
		n, err := p.ring.ReadContext(ctx, pkt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Only ErrDestinationTooSmall is possible here; the packet is gone.
			p.countDecodeError(ctx, err)
			continue
		}

		samples, err := p.decode(ctx, pkt[:n], scratch)
		if err != nil {
			p.countDecodeError(ctx, err)
			continue
		}
		if samples == 0 {
			continue
		}
		frame := make([]int16, samples)
		copy(frame, scratch[:samples])

		if err := p.backpressure(ctx, samples); err != nil {
			return err
		}
		if err := p.player.Play(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c := p.playErrors.Add(1); c == 1 || c%summaryInterval == 0 {
				slog.Warn("downlink: playback failed", "count", c, "err", err)
			}
			continue
		}
		if f := p.framesPlayed.Add(1); f%summaryInterval == 0 {
			s := p.Stats()
			slog.Debug("downlink: summary",
				"frames", s.FramesPlayed,
				"packets", s.Packets,
				"buffer_full", s.BufferFull,
				"decode_errors", s.DecodeErrors,
				"delays", s.Delays,
				"queued", p.ring.Count(),
			)
		}
	}
}

func (p *Pipeline) scratchSamples() int {
	if p.dec != nil {
		return p.dec.MaxSamples()
	}
	return p.cfg.MaxPacket / 2
}

// decode writes interleaved samples into out and returns their count.
func (p *Pipeline) decode(ctx context.Context, pkt []byte, out []int16) (int, error) {
	if p.dec == nil {
		if len(pkt)%2 != 0 {
			return 0, fmt.Errorf("downlink: odd PCM length %d", len(pkt))
		}
		return copy(out, audio.BytesToSamples(pkt)), nil
	}
	start := time.Now()
	n, err := p.dec.Decode(pkt, out)
	observe.RecordDuration(ctx, p.metrics.DecodeDuration, time.Since(start))
	return n, err
}

// backpressure delays delivery of a frame of samples (interleaved) while
// the player's buffer is below the low-water mark.
func (p *Pipeline) backpressure(ctx context.Context, samples int) error {
	fs, ok := p.player.(audio.FreeSpacer)
	if !ok || fs.FreeSpace() >= p.cfg.LowWaterSamples {
		return nil
	}
	perChannel := samples / p.cfg.Format.Channels
	d := time.Duration(perChannel) * time.Second / time.Duration(p.cfg.Format.SampleRate)

	p.delays.Add(1)
	p.delayNanos.Add(int64(d))
	observe.RecordDuration(ctx, p.metrics.PlaybackDelay, d)
	return p.sleep(ctx, d)
}

func (p *Pipeline) countDecodeError(ctx context.Context, err error) {
	p.metrics.DownlinkDecodeErrors.Add(ctx, 1)
	if n := p.decodeErrors.Add(1); n == 1 || n%summaryInterval == 0 {
		slog.Warn("downlink: packet skipped", "count", n, "err", err)
	}
}

// Clear discards all queued audio.
func (p *Pipeline) Clear() { p.ring.Clear() }

// Queued returns the number of packets waiting for the decoder.
func (p *Pipeline) Queued() int { return p.ring.Count() }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Packets:      p.packets.Load(),
		BufferFull:   p.bufferFull.Load(),
		TooLarge:     p.tooLarge.Load(),
		Base64Errors: p.base64Errors.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		PlayErrors:   p.playErrors.Load(),
		FramesPlayed: p.framesPlayed.Load(),
		Delays:       p.delays.Load(),
		DelayTotal:   time.Duration(p.delayNanos.Load()),
	}
}

// ResetStats zeroes the counters.
func (p *Pipeline) ResetStats() {
	for _, c := range []*atomic.Uint64{
		&p.packets, &p.bufferFull, &p.tooLarge, &p.base64Errors,
		&p.decodeErrors, &p.playErrors, &p.framesPlayed, &p.delays,
	} {
		c.Store(0)
	}
	p.delayNanos.Store(0)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
