package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// opusRates lists the sample rates libopus accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// opusFrameMS lists the whole-millisecond Opus frame durations.
var opusFrameMS = []int{10, 20, 40, 60}

// streamModes lists the accepted asr.stream_mode values.
var streamModes = []string{"output_no_stream", "bidirectional_stream"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default. The access
// token falls back to the VOXLINK_ACCESS_TOKEN environment variable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Coze
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.AccessToken == "" {
		c.AccessToken = os.Getenv(AccessTokenEnv)
	}
	if c.AutoSaveHistory == nil {
		c.AutoSaveHistory = ptr(true)
	}

	up := &cfg.Audio.Uplink
	if up.Codec == "" {
		up.Codec = CodecPCM
	}
	if up.SampleRate == 0 {
		up.SampleRate = DefaultSampleRate
	}
	if up.Channels == 0 {
		up.Channels = 1
	}
	if up.FrameMS == 0 {
		up.FrameMS = DefaultUplinkFrameMS
	}
	if up.Bitrate == 0 {
		up.Bitrate = DefaultBitrate
	}

	down := &cfg.Audio.Downlink
	if down.Codec == "" {
		down.Codec = CodecOpus
	}
	if down.SampleRate == 0 {
		down.SampleRate = DefaultSampleRate
	}
	if down.Channels == 0 {
		down.Channels = 1
	}
	if down.FrameMS == 0 {
		down.FrameMS = DefaultDownlinkFrameMS
	}
	if down.Bitrate == 0 {
		down.Bitrate = DefaultBitrate
	}

	if cfg.Voice.EmotionScale == 0 {
		cfg.Voice.EmotionScale = DefaultEmotionScale
	}

	td := &cfg.TurnDetection
	if td.Type == "" {
		td.Type = TurnServerVAD
	}
	if td.PrefixPaddingMS == 0 {
		td.PrefixPaddingMS = DefaultPrefixPaddingMS
	}
	if td.SilenceDurationMS == 0 {
		td.SilenceDurationMS = DefaultSilenceMS
	}
	if td.InterruptMode == "" {
		td.InterruptMode = InterruptContains
	}
	if td.SemanticSilenceThresholdMS == 0 {
		td.SemanticSilenceThresholdMS = DefaultSemanticSilenceMS
	}
	if td.SemanticUnfinishedWaitMS == 0 {
		td.SemanticUnfinishedWaitMS = DefaultSemanticWaitMS
	}

	asr := &cfg.ASR
	if asr.Language == "" {
		asr.Language = "common"
	}
	if asr.EnableDDC == nil {
		asr.EnableDDC = ptr(true)
	}
	if asr.EnableITN == nil {
		asr.EnableITN = ptr(true)
	}
	if asr.EnablePunc == nil {
		asr.EnablePunc = ptr(true)
	}
	if asr.StreamMode == "" {
		asr.StreamMode = DefaultStreamMode
	}

	if cfg.VoicePrint != nil && cfg.VoicePrint.Score == 0 {
		cfg.VoicePrint.Score = DefaultVoicePrintScore
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Coze
	if u, err := url.Parse(cfg.Coze.URL); err != nil {
		errs = append(errs, fmt.Errorf("coze.url %q: %w", cfg.Coze.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("coze.url %q must use ws or wss", cfg.Coze.URL))
	}
	if cfg.Coze.BotID == "" {
		errs = append(errs, errors.New("coze.bot_id is required"))
	}
	if cfg.Coze.AccessToken == "" {
		errs = append(errs, fmt.Errorf("coze.access_token is required (or set %s)", AccessTokenEnv))
	}
	if cfg.Coze.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("coze.ping_interval %s must not be negative", cfg.Coze.PingInterval))
	}
	if cfg.Coze.DeviceID == "" {
		slog.Warn("config: coze.device_id is empty; the service may reject the connection")
	}

	// Audio
	errs = append(errs, validateDirection("audio.uplink", cfg.Audio.Uplink.Codec, cfg.Audio.Uplink.SampleRate, cfg.Audio.Uplink.Channels, cfg.Audio.Uplink.FrameMS)...)
	errs = append(errs, validateDirection("audio.downlink", cfg.Audio.Downlink.Codec, cfg.Audio.Downlink.SampleRate, cfg.Audio.Downlink.Channels, cfg.Audio.Downlink.FrameMS)...)
	if cfg.Audio.Uplink.Bitrate < 0 || cfg.Audio.Downlink.Bitrate < 0 {
		errs = append(errs, errors.New("audio bitrate must not be negative"))
	}
	if cfg.Audio.Uplink.BufferBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.uplink.buffer_bytes %d must not be negative", cfg.Audio.Uplink.BufferBytes))
	}
	d := cfg.Audio.Downlink
	if d.QueuePackets < 0 || d.MaxPacketBytes < 0 || d.LowWaterSamples < 0 {
		errs = append(errs, errors.New("audio.downlink queue settings must not be negative"))
	}

	// Voice
	v := cfg.Voice
	if v.SpeechRate < -50 || v.SpeechRate > 100 {
		errs = append(errs, fmt.Errorf("voice.speech_rate %d is out of range [-50, 100]", v.SpeechRate))
	}
	if v.LoudnessRate < -50 || v.LoudnessRate > 100 {
		errs = append(errs, fmt.Errorf("voice.loudness_rate %d is out of range [-50, 100]", v.LoudnessRate))
	}
	if v.Emotion != "" && !slices.Contains(Emotions, v.Emotion) {
		errs = append(errs, fmt.Errorf("voice.emotion %q is invalid; valid values: %v", v.Emotion, Emotions))
	}
	if v.EmotionScale < 1 || v.EmotionScale > 5 {
		errs = append(errs, fmt.Errorf("voice.emotion_scale %.2f is out of range [1, 5]", v.EmotionScale))
	}

	// Turn detection
	td := cfg.TurnDetection
	if !td.Type.IsValid() {
		errs = append(errs, fmt.Errorf("turn_detection.type %q is invalid; valid values: server_vad, client_interrupt, semantic_vad", td.Type))
	}
	if !td.InterruptMode.IsValid() {
		errs = append(errs, fmt.Errorf("turn_detection.interrupt_mode %q is invalid; valid values: keyword_contains, keyword_prefix", td.InterruptMode))
	}
	if td.PrefixPaddingMS < 0 || td.SilenceDurationMS < 0 || td.SemanticSilenceThresholdMS < 0 || td.SemanticUnfinishedWaitMS < 0 {
		errs = append(errs, errors.New("turn_detection durations must not be negative"))
	}
	if len(td.InterruptKeywords) > 0 && td.Type != TurnServerVAD {
		slog.Warn("config: turn_detection.interrupt_keywords only apply to server_vad; ignoring",
			"type", td.Type,
		)
	}

	// ASR
	if !slices.Contains(Languages, cfg.ASR.Language) {
		errs = append(errs, fmt.Errorf("asr.language %q is invalid; valid values: %v", cfg.ASR.Language, Languages))
	}
	if !slices.Contains(streamModes, cfg.ASR.StreamMode) {
		errs = append(errs, fmt.Errorf("asr.stream_mode %q is invalid; valid values: %v", cfg.ASR.StreamMode, streamModes))
	}

	// Voice processing and voice print
	if cfg.VoiceProcessing.VoicePrintFeatureID != "" && !cfg.VoiceProcessing.EnablePDNS {
		slog.Warn("config: voice_processing.voice_print_feature_id is set but enable_pdns is false; ignoring")
	}
	if vp := cfg.VoicePrint; vp != nil {
		if vp.GroupID == "" {
			errs = append(errs, errors.New("voice_print.group_id is required when voice_print is set"))
		}
		if vp.Score < 0 || vp.Score > 100 {
			errs = append(errs, fmt.Errorf("voice_print.score %d is out of range [0, 100]", vp.Score))
		}
	}

	if cfg.Prologue.Content != "" && !cfg.Prologue.Enabled {
		slog.Warn("config: prologue.content is set but prologue.enabled is false; ignoring")
	}

	return errors.Join(errs...)
}

// validateDirection checks the format of one audio direction.
func validateDirection(prefix string, codec Codec, rate, channels, frameMS int) []error {
	var errs []error
	if !codec.IsValid() {
		errs = append(errs, fmt.Errorf("%s.codec %q is invalid; valid values: pcm, opus", prefix, codec))
	}
	if rate <= 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, rate))
	} else if codec == CodecOpus && !slices.Contains(opusRates, rate) {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is not supported by opus; valid values: %v", prefix, rate, opusRates))
	}
	if channels != 1 && channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d must be 1 or 2", prefix, channels))
	}
	if frameMS <= 0 {
		errs = append(errs, fmt.Errorf("%s.frame_ms %d must be positive", prefix, frameMS))
	} else if codec == CodecOpus && !slices.Contains(opusFrameMS, frameMS) {
		errs = append(errs, fmt.Errorf("%s.frame_ms %d is not supported by opus; valid values: %v", prefix, frameMS, opusFrameMS))
	}
	return errs
}

func ptr[T any](v T) *T { return &v }
