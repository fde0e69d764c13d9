// Package opus wraps the libopus bindings from layeh.com/gopus with the
// frame conventions used by voxlink sessions: 16-bit PCM in, fixed-duration
// frames, and caller-owned output buffers.
package opus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"layeh.com/gopus"
)

// ErrCodec marks every encode or decode failure reported by libopus.
var ErrCodec = errors.New("opus: codec failure")

// MaxFrameDuration is the longest frame Opus can produce.
const MaxFrameDuration = 120 * time.Millisecond

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// ── Encoder ─────────────────────────────────────────────────────────────────

// Encoder turns fixed-size PCM frames into Opus packets. It is not safe for
// concurrent use.
type Encoder struct {
	enc        *gopus.Encoder
	format     audio.Format
	frameSize  int
	frameBytes int
}

// EncoderOption configures an [Encoder].
type EncoderOption func(*encoderConfig)

type encoderConfig struct {
	bitrate int
	frame   time.Duration
}

// WithBitrate sets the target bitrate in bits per second.
func WithBitrate(bps int) EncoderOption {
	return func(c *encoderConfig) { c.bitrate = bps }
}

// WithFrameDuration sets the frame length. Opus accepts 2.5, 5, 10, 20, 40
// and 60 ms frames.
func WithFrameDuration(d time.Duration) EncoderOption {
	return func(c *encoderConfig) { c.frame = d }
}

// NewEncoder creates a speech-tuned (VoIP profile) encoder for the given PCM
// format. Defaults are 16 kbit/s and 20 ms frames.
func NewEncoder(format audio.Format, opts ...EncoderOption) (*Encoder, error) {
	cfg := encoderConfig{bitrate: 16000, frame: 20 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}
	if !validFrame(cfg.frame) {
		return nil, fmt.Errorf("opus: unsupported frame duration %v", cfg.frame)
	}

	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", errors.Join(ErrCodec, err))
	}
	if cfg.bitrate > 0 {
		enc.SetBitrate(cfg.bitrate)
	}
	return &Encoder{
		enc:        enc,
		format:     format,
		frameSize:  format.FrameSamples(cfg.frame),
		frameBytes: format.FrameBytes(cfg.frame),
	}, nil
}

// FrameBytes returns the exact PCM length Encode expects.
func (e *Encoder) FrameBytes() int { return e.frameBytes }

// Encode compresses one PCM frame. The returned packet is owned by the
// caller.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.frameBytes {
		return nil, fmt.Errorf("opus: encode: frame is %d bytes, want %d: %w", len(pcm), e.frameBytes, ErrCodec)
	}
	pkt, err := e.enc.Encode(audio.BytesToSamples(pcm), e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", errors.Join(ErrCodec, err))
	}
	return pkt, nil
}

// ── Decoder ─────────────────────────────────────────────────────────────────

// Decoder turns Opus packets back into PCM. It is not safe for concurrent
// use; each stream needs its own decoder to keep codec state consistent.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
	// maxSamples is the per-channel sample count of the longest frame the
	// decoder may return.
	maxSamples int
}

// NewDecoder creates a decoder for the given PCM output format.
func NewDecoder(format audio.Format) (*Decoder, error) {
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", errors.Join(ErrCodec, err))
	}
	return &Decoder{
		dec:        dec,
		channels:   format.Channels,
		maxSamples: format.FrameSamples(MaxFrameDuration),
	}, nil
}

// MaxSamples returns the interleaved sample count of the longest frame.
func (d *Decoder) MaxSamples() int { return d.maxSamples * d.channels }

// Decode decodes pkt into out and returns the number of interleaved samples
// written. Output that does not fit in out is truncated; this is logged at
// debug level only.
func (d *Decoder) Decode(pkt []byte, out []int16) (int, error) {
	if len(pkt) == 0 {
		return 0, fmt.Errorf("opus: decode: empty packet: %w", ErrCodec)
	}
	pcm, err := d.dec.Decode(pkt, d.maxSamples, false)
	if err != nil {
		return 0, fmt.Errorf("opus: decode: %w", errors.Join(ErrCodec, err))
	}
	n := copy(out, pcm)
	if n < len(pcm) {
		slog.Debug("opus: decoded frame truncated", "samples", len(pcm), "capacity", len(out))
	}
	return n, nil
}

func validFrame(d time.Duration) bool {
	switch d {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return true
	}
	return false
}
