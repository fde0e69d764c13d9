package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxlink/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Coze: config.CozeConfig{
			BotID:    "b",
			MetaData: map[string]string{"room": "kitchen"},
		},
		ASR: config.ASRConfig{HotWords: []string{"voxlink"}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.SubtitlesChanged || d.RestartRequired() {
		t.Errorf("expected no changes for equal configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired() {
		t.Errorf("log level alone should not require a restart: %v", d.SessionChanged)
	}
}

func TestDiff_SubtitlesChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Subtitles = true
	if d := config.Diff(old, new); !d.SubtitlesChanged || d.RestartRequired() {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_SessionSections(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Coze.MetaData["room"] = "garage"
	new.ASR.HotWords = append(new.ASR.HotWords, "coze")
	new.VoicePrint = &config.VoicePrintConfig{GroupID: "g"}

	d := config.Diff(old, new)
	want := []string{"coze", "asr", "voice_print"}
	if !slices.Equal(d.SessionChanged, want) {
		t.Errorf("SessionChanged = %v, want %v", d.SessionChanged, want)
	}
	if !d.RestartRequired() {
		t.Error("expected RestartRequired")
	}
}
