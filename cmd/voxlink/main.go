// Command voxlink streams captured audio to a Coze voice bot and records the
// spoken reply.
//
// Input and output are headerless 16-bit little-endian PCM; "-" selects
// stdin or stdout:
//
//	voxlink -config voxlink.yaml -in question.pcm -out reply.pcm
//	arecord -f S16_LE -r 16000 -c 1 -t raw | voxlink -in - -out - | aplay -f S16_LE -r 16000 -c 1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/dispatch"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/rawpcm"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	inPath := flag.String("in", "-", `raw PCM to send ("-" for stdin)`)
	inRate := flag.Int("in-rate", config.DefaultSampleRate, "sample rate of the input PCM")
	inChannels := flag.Int("in-channels", 1, "channel count of the input PCM")
	realtime := flag.Bool("realtime", true, "pace input at its natural rate")
	outPath := flag.String("out", "reply.pcm", `where to write the reply PCM ("-" for stdout)`)
	watch := flag.Bool("watch", true, "reload log level and subtitles when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlink starting",
		"config", *configPath,
		"version", version,
		"bot_id", cfg.Coze.BotID,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	in, closeIn, err := openInput(*inPath)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		return 1
	}
	defer closeIn()

	out, closeOut, err := openOutput(*outPath)
	if err != nil {
		slog.Error("failed to open output", "err", err)
		return 1
	}
	defer closeOut()

	source, err := rawpcm.NewSource(in,
		audio.Format{SampleRate: *inRate, Channels: *inChannels},
		time.Duration(cfg.Audio.Uplink.FrameMS)*time.Millisecond,
		rawpcm.WithRealtime(*realtime),
	)
	if err != nil {
		slog.Error("invalid input format", "err", err)
		return 1
	}
	defer source.Close()
	player := rawpcm.NewPlayer(out)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, source, player,
		app.WithLogLevel(&level),
		app.WithMetricsHandler(provider.MetricsHandler()),
		app.WithEventHandler(printEvent),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("connecting; press Ctrl+C to hang up")

	exit := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("session ended", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	slog.Info("goodbye", "reply_bytes", player.Written())
	return exit
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close output", "path", path, "err", err)
		}
	}, nil
}

// printEvent writes the conversation as it happens to stderr, keeping stdout
// free for audio.
func printEvent(ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.EventTranscript:
		if ev.Final {
			fmt.Fprintf(os.Stderr, "you: %s\n", ev.Text)
		}
	case dispatch.EventMessageCompleted:
		if ev.Text != "" {
			fmt.Fprintf(os.Stderr, "bot: %s\n", ev.Text)
		}
	case dispatch.EventSubtitle:
		fmt.Fprintf(os.Stderr, "  » %s\n", ev.Text)
	case dispatch.EventError:
		slog.Warn("service error", "err", ev.Err, "logid", ev.LogID)
	case dispatch.EventDisconnected:
		slog.Warn("disconnected", "err", ev.Err)
	default:
		slog.Debug("event", "kind", ev.Kind.String())
	}
}
