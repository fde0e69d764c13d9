// Package rawpcm adapts headerless signed 16-bit little-endian PCM streams
// (files, pipes, stdin/stdout) to [audio.Source] and [audio.Player].
package rawpcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ── Source ──────────────────────────────────────────────────────────────────

type readResult struct {
	frame audio.Frame
	err   error
}

// Source cuts a PCM stream into fixed-duration frames. Reads happen on a
// background goroutine so ReadFrame can honour context cancellation even
// when the underlying reader blocks.
type Source struct {
	r        io.Reader
	format   audio.Format
	frame    time.Duration
	realtime bool

	startOnce sync.Once
	results   chan readResult
	done      chan struct{}
	closeOnce sync.Once

	// next is the earliest time the following frame may be returned in
	// real-time mode.
	next time.Time
	pos  time.Duration
}

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithRealtime paces ReadFrame to one frame per frame duration, as a live
// microphone would deliver audio.
func WithRealtime(enabled bool) SourceOption {
	return func(s *Source) { s.realtime = enabled }
}

// NewSource reads PCM in format from r in frames of the given duration.
func NewSource(r io.Reader, format audio.Format, frame time.Duration, opts ...SourceOption) (*Source, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("rawpcm: invalid format %d Hz / %d ch", format.SampleRate, format.Channels)
	}
	if format.FrameBytes(frame) == 0 {
		return nil, fmt.Errorf("rawpcm: frame duration %s too short", frame)
	}
	s := &Source{
		r:       r,
		format:  format,
		frame:   frame,
		results: make(chan readResult, 4),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var _ audio.Source = (*Source)(nil)

// ReadFrame returns the next frame. A trailing partial frame is returned
// trimmed to whole samples; after that ReadFrame returns io.EOF.
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	s.startOnce.Do(func() { go s.readLoop() })

	if s.realtime && !s.next.IsZero() {
		if d := time.Until(s.next); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return audio.Frame{}, ctx.Err()
			case <-t.C:
			}
		}
	}

	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case res, ok := <-s.results:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		if res.err != nil {
			return audio.Frame{}, res.err
		}
		if s.next.IsZero() {
			s.next = time.Now()
		}
		d := s.format.Duration(len(res.frame.Data))
		s.next = s.next.Add(d)
		res.frame.Timestamp = s.pos
		s.pos += d
		return res.frame, nil
	}
}

// Close stops the background reader. It does not close the underlying
// reader.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Source) readLoop() {
	defer close(s.results)
	size := s.format.FrameBytes(s.frame)
	align := 2 * s.format.Channels

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		n -= n % align
		if n > 0 {
			if !s.deliver(readResult{frame: audio.Frame{
				Data:       buf[:n],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
			}}) {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return
		default:
			s.deliver(readResult{err: fmt.Errorf("rawpcm: read: %w", err)})
			return
		}
	}
}

func (s *Source) deliver(r readResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

// ── Player ──────────────────────────────────────────────────────────────────

// Player writes played samples to w as little-endian PCM.
type Player struct {
	mu      sync.Mutex
	w       io.Writer
	written int64
}

// NewPlayer returns a [Player] writing to w.
func NewPlayer(w io.Writer) *Player {
	return &Player{w: w}
}

var _ audio.Player = (*Player)(nil)

// Play writes pcm. It is safe for concurrent use.
func (p *Player) Play(_ context.Context, pcm []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.w.Write(audio.SamplesToBytes(pcm))
	p.written += int64(n)
	if err != nil {
		return fmt.Errorf("rawpcm: write: %w", err)
	}
	return nil
}

// Written returns the number of bytes written so far.
func (p *Player) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}
