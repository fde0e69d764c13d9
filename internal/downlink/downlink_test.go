package downlink_test

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/downlink"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	"github.com/MrWong99/voxlink/pkg/ringbuf"
)

// fakePlayer records played frames. A non-negative free value makes it a
// FreeSpacer.
type fakePlayer struct {
	mu     sync.Mutex
	frames [][]int16
	ch     chan struct{}
}

func newFakePlayer() *fakePlayer { return &fakePlayer{ch: make(chan struct{}, 4096)} }

func (p *fakePlayer) Play(_ context.Context, pcm []int16) error {
	p.mu.Lock()
	p.frames = append(p.frames, pcm)
	p.mu.Unlock()
	p.ch <- struct{}{}
	return nil
}

func (p *fakePlayer) wait(t *testing.T, n int) [][]int16 {
	t.Helper()
	for range n {
		select {
		case <-p.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.frames...)
}

// lowPlayer reports a nearly full playback buffer.
type lowPlayer struct {
	*fakePlayer
	free int
}

func (p lowPlayer) FreeSpace() int { return p.free }

var _ audio.FreeSpacer = lowPlayer{}

func newPipeline(t *testing.T, cfg downlink.Config, player audio.Player, opts ...downlink.Option) *downlink.Pipeline {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p, err := downlink.New(cfg, player, append([]downlink.Option{downlink.WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func run(t *testing.T, p *downlink.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	})
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestPushAudio_ExactCapacityThenOneDrop(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, downlink.Config{}, newFakePlayer())

	chunk := b64([]byte{0xf8, 0xff, 0xfe})
	for i := range 2000 {
		if err := p.PushAudio(chunk); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := p.PushAudio(chunk); !errors.Is(err, ringbuf.ErrCapacityExceeded) {
		t.Fatalf("push 2001 = %v, want ErrCapacityExceeded", err)
	}

	s := p.Stats()
	if s.Packets != 2000 || s.BufferFull != 1 {
		t.Errorf("stats = %+v", s)
	}
	if got := p.Queued(); got != 2000 {
		t.Errorf("Queued = %d, want 2000", got)
	}
}

func TestPushAudio_Base64Error(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, downlink.Config{}, newFakePlayer())
	if err := p.PushAudio("%%% not base64"); err == nil {
		t.Fatal("PushAudio accepted invalid base64")
	}
	if s := p.Stats(); s.Base64Errors != 1 || s.Packets != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPushAudio_OversizedOpusDropped(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, downlink.Config{MaxPacket: 16}, newFakePlayer())
	if err := p.PushAudio(b64(make([]byte, 17))); !errors.Is(err, ringbuf.ErrPacketTooLarge) {
		t.Fatalf("err = %v, want ErrPacketTooLarge", err)
	}
	if s := p.Stats(); s.TooLarge != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRun_DecodesOpus(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	p := newPipeline(t, downlink.Config{}, player)

	format := audio.Format{SampleRate: 16000, Channels: 1}
	enc, err := opus.NewEncoder(format, opus.WithFrameDuration(60*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(6000 * math.Sin(2*math.Pi*300*float64(i)/16000))
	}
	for range 3 {
		pkt, err := enc.Encode(audio.SamplesToBytes(pcm))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if err := p.PushAudio(b64(pkt)); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
	}
	run(t, p)

	frames := player.wait(t, 3)
	for i, f := range frames {
		if len(f) != 960 {
			t.Errorf("frame %d has %d samples, want 960", i, len(f))
		}
	}
}

func TestRun_DecodeErrorSkipsPacket(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	p := newPipeline(t, downlink.Config{Codec: protocol.CodecPCM}, player)

	_ = p.PushAudio(b64([]byte{1, 2, 3})) // odd length
	_ = p.PushAudio(b64([]byte{1, 0, 2, 0}))
	run(t, p)

	frames := player.wait(t, 1)
	if len(frames) != 1 || len(frames[0]) != 2 || frames[0][0] != 1 || frames[0][1] != 2 {
		t.Errorf("frames = %v", frames)
	}
	if s := p.Stats(); s.DecodeErrors != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPushAudio_PCMIsSplitToSlots(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	p := newPipeline(t, downlink.Config{Codec: protocol.CodecPCM, MaxPacket: 512}, player)

	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(i)
	}
	if err := p.PushAudio(b64(audio.SamplesToBytes(pcm))); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if got := p.Queued(); got != 4 {
		t.Fatalf("Queued = %d, want 4", got)
	}
	run(t, p)

	var joined []int16
	for _, f := range player.wait(t, 4) {
		joined = append(joined, f...)
	}
	if len(joined) != 960 {
		t.Fatalf("played %d samples, want 960", len(joined))
	}
	for i, v := range joined {
		if v != int16(i) {
			t.Fatalf("sample %d = %d", i, v)
		}
	}
}

func TestRun_BackpressureDelaysWithoutDropping(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		slept  []time.Duration
		player = lowPlayer{fakePlayer: newFakePlayer(), free: 100}
	)
	p := newPipeline(t, downlink.Config{Codec: protocol.CodecPCM, MaxPacket: 1024}, player,
		downlink.WithSleep(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
			return nil
		}),
	)

	// 320 samples at 16 kHz is 20 ms of audio.
	_ = p.PushAudio(b64(make([]byte, 640)))
	run(t, p)

	frames := player.wait(t, 1)
	if len(frames) != 1 || len(frames[0]) != 320 {
		t.Fatalf("frames = %d, want one frame of 320 samples", len(frames))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 1 || slept[0] != 20*time.Millisecond {
		t.Errorf("slept = %v, want [20ms]", slept)
	}
	if s := p.Stats(); s.Delays != 1 || s.DelayTotal != 20*time.Millisecond {
		t.Errorf("stats = %+v", s)
	}
}

func TestRun_NoDelayAboveLowWater(t *testing.T) {
	t.Parallel()
	player := lowPlayer{fakePlayer: newFakePlayer(), free: 1 << 20}
	p := newPipeline(t, downlink.Config{Codec: protocol.CodecPCM}, player,
		downlink.WithSleep(func(context.Context, time.Duration) error {
			t.Error("unexpected backpressure delay")
			return nil
		}),
	)
	_ = p.PushAudio(b64(make([]byte, 64)))
	run(t, p)
	player.wait(t, 1)
}

func TestClear(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, downlink.Config{}, newFakePlayer())
	for range 10 {
		_ = p.PushAudio(b64([]byte{1, 2, 3}))
	}
	p.Clear()
	if got := p.Queued(); got != 0 {
		t.Errorf("Queued after Clear = %d", got)
	}
	p.ResetStats()
	if s := p.Stats(); s != (downlink.Stats{}) {
		t.Errorf("stats after reset = %+v", s)
	}
}

// warnCounter counts warning records by message.
type warnCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (h *warnCounter) Enabled(_ context.Context, l slog.Level) bool { return l >= slog.LevelWarn }

func (h *warnCounter) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[r.Message]++
	return nil
}

func (h *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *warnCounter) WithGroup(string) slog.Handler      { return h }

func (h *warnCounter) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[msg]
}

// captureWarnings routes the default logger to a counter for the rest of
// the test. Tests using it must not call t.Parallel.
func captureWarnings(t *testing.T) *warnCounter {
	t.Helper()
	h := &warnCounter{counts: make(map[string]int)}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return h
}

func TestPushAudio_OversizedFloodLogsPeriodically(t *testing.T) {
	warns := captureWarnings(t)
	p := newPipeline(t, downlink.Config{MaxPacket: 16}, newFakePlayer())

	chunk := b64(make([]byte, 17))
	for range 250 {
		_ = p.PushAudio(chunk)
	}
	if s := p.Stats(); s.TooLarge != 250 {
		t.Errorf("TooLarge = %d, want 250", s.TooLarge)
	}
	if got := warns.count("downlink: packet larger than queue slot, dropped"); got != 3 {
		t.Errorf("warnings = %d, want 3", got)
	}
}
