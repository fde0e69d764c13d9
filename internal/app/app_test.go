package app_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/dispatch"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

// sliceSource yields its frames, then io.EOF.
type sliceSource struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *sliceSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return audio.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

// blockingSource never produces audio.
type blockingSource struct{}

func (blockingSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	<-ctx.Done()
	return audio.Frame{}, ctx.Err()
}

type recordingPlayer struct {
	mu      sync.Mutex
	samples int
}

func (p *recordingPlayer) Play(_ context.Context, pcm []int16) error {
	p.mu.Lock()
	p.samples += len(pcm)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// chatServer answers every input_audio_buffer.complete with one PCM chunk
// and a chat.completed event. Received event types go to the channel.
func chatServer(t *testing.T, closeAfterUpdate bool) (*httptest.Server, <-chan protocol.EventType) {
	t.Helper()
	delta := base64.StdEncoding.EncodeToString(make([]byte, 640))
	types := make(chan protocol.EventType, 256)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			env, err := protocol.Parse(data)
			if err != nil {
				t.Errorf("client sent invalid message: %v", err)
				return
			}
			select {
			case types <- env.EventType:
			default:
			}
			switch {
			case env.EventType == protocol.ChatUpdate && closeAfterUpdate:
				_ = conn.Close(websocket.StatusGoingAway, "bye")
				return
			case env.EventType == protocol.InputAudioBufferCommit:
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"id":"a","event_type":"conversation.audio.delta","data":{"content":"`+delta+`"}}`))
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"id":"c","event_type":"conversation.chat.completed","data":{"id":"chat-1","conversation_id":"conv-1"}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, types
}

func testConfig(t *testing.T, srv *httptest.Server, listen string) *config.Config {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat"
	doc := `
server:
  listen_addr: "` + listen + `"
coze:
  url: ` + url + `
  access_token: pat_test
  bot_id: bot-1
  device_id: dev-1
audio:
  downlink:
    codec: pcm
turn_detection:
  type: client_interrupt
`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestApp_RunEndToEnd(t *testing.T) {
	t.Parallel()
	srv, types := chatServer(t, false)

	// Two 20 ms frames captured at 32 kHz; the uplink wants 16 kHz.
	src := &sliceSource{frames: []audio.Frame{
		{Data: make([]byte, 1280), SampleRate: 32000, Channels: 1},
		{Data: make([]byte, 1280), SampleRate: 32000, Channels: 1},
	}}
	player := &recordingPlayer{}
	events := make(chan dispatch.Event, 64)

	a, err := app.New(testConfig(t, srv, "127.0.0.1:0"), src, player,
		app.WithMetrics(testMetrics(t)),
		app.WithEventHandler(func(ev dispatch.Event) {
			select {
			case events <- ev:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { shutdown(t, a) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			done = ev.Kind == dispatch.EventChatCompleted
		case err := <-runErr:
			t.Fatalf("Run returned early: %v", err)
		case <-timeout:
			t.Fatal("timed out waiting for chat completion")
		}
	}

	// Appends travel through the uplink goroutine and may trail the commit.
	seen := map[protocol.EventType]bool{}
	for wait := time.After(3 * time.Second); !seen[protocol.InputAudioBufferAppend]; {
		select {
		case typ := <-types:
			seen[typ] = true
			continue
		case <-wait:
		}
		break
	}
	for len(types) > 0 {
		seen[<-types] = true
	}
	for _, want := range []protocol.EventType{protocol.ChatUpdate, protocol.InputAudioBufferAppend, protocol.InputAudioBufferCommit} {
		if !seen[want] {
			t.Errorf("server never received %s (saw %v)", want, seen)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for player.played() < 320 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := player.played(); got != 320 {
		t.Errorf("played %d samples, want 320", got)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunReportsDisconnect(t *testing.T) {
	t.Parallel()
	srv, _ := chatServer(t, true)

	a, err := app.New(testConfig(t, srv, ""), blockingSource{}, &recordingPlayer{},
		app.WithMetrics(testMetrics(t)),
		app.WithEventHandler(func(dispatch.Event) {}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { shutdown(t, a) })

	if a.Handler() != nil {
		t.Error("Handler() should be nil without a listen address")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, session.ErrDisconnected) {
			t.Errorf("Run = %v, want ErrDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the peer closed")
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	srv, _ := chatServer(t, false)
	cfg := testConfig(t, srv, "")

	var lv slog.LevelVar
	a, err := app.New(cfg, blockingSource{}, &recordingPlayer{},
		app.WithMetrics(testMetrics(t)),
		app.WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { shutdown(t, a) })

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Subtitles = true
	next.Voice.SpeechRate = 20
	a.Reload(cfg, &next, config.Diff(cfg, &next))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	srv, _ := chatServer(t, false)
	a, err := app.New(testConfig(t, srv, "127.0.0.1:0"), blockingSource{}, &recordingPlayer{},
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before Run = %d, want 503", rec.Code)
	}

	shutdown(t, a)
	shutdown(t, a)
}
