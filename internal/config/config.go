// Package config provides the configuration schema and loader for the
// voxlink voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the audio encoding in one direction.
type Codec string

const (
	CodecPCM  Codec = "pcm"
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// TurnDetection selects how the service decides a user turn has ended.
type TurnDetection string

const (
	// TurnServerVAD lets the service detect end of speech from silence.
	TurnServerVAD TurnDetection = "server_vad"

	// TurnClientInterrupt leaves turn ends to the client, which signals
	// them with an explicit audio-complete event.
	TurnClientInterrupt TurnDetection = "client_interrupt"

	// TurnSemanticVAD detects turn ends from the meaning of the utterance.
	TurnSemanticVAD TurnDetection = "semantic_vad"
)

// IsValid reports whether t is a recognised turn detection mode.
func (t TurnDetection) IsValid() bool {
	switch t {
	case TurnServerVAD, TurnClientInterrupt, TurnSemanticVAD:
		return true
	}
	return false
}

// InterruptMode controls how barge-in keywords are matched.
type InterruptMode string

const (
	InterruptContains InterruptMode = "keyword_contains"
	InterruptPrefix   InterruptMode = "keyword_prefix"
)

// IsValid reports whether m is a recognised interrupt mode.
func (m InterruptMode) IsValid() bool {
	return m == InterruptContains || m == InterruptPrefix
}

// Emotions lists the synthesis emotions the service accepts.
var Emotions = []string{"happy", "sad", "angry", "surprised", "fear", "hate", "excited", "coldness", "neutral"}

// Languages lists the recognition languages the service accepts. "common"
// auto-detects.
var Languages = []string{
	"common", "en-US", "ja-JP", "id-ID", "es-MX", "pt-BR", "de-DE",
	"fr-FR", "ko-KR", "fil-PH", "ms-MY", "th-TH", "ar-SA",
}

// Default values applied by [ApplyDefaults].
const (
	DefaultURL               = "wss://ws.coze.cn/v1/chat"
	DefaultSampleRate        = 16000
	DefaultBitrate           = 16000
	DefaultUplinkFrameMS     = 20
	DefaultDownlinkFrameMS   = 60
	DefaultEmotionScale      = 4.0
	DefaultPrefixPaddingMS   = 300
	DefaultSilenceMS         = 500
	DefaultSemanticSilenceMS = 300
	DefaultSemanticWaitMS    = 500
	DefaultStreamMode        = "bidirectional_stream"
	DefaultVoicePrintScore   = 40
	AccessTokenEnv           = "VOXLINK_ACCESS_TOKEN"
)

// Config is the root configuration structure for voxlink.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Coze            CozeConfig            `yaml:"coze"`
	Audio           AudioConfig           `yaml:"audio"`
	Voice           VoiceConfig           `yaml:"voice"`
	TurnDetection   TurnDetectionConfig   `yaml:"turn_detection"`
	ASR             ASRConfig             `yaml:"asr"`
	VoiceProcessing VoiceProcessingConfig `yaml:"voice_processing"`

	// VoicePrint enables speaker identification when set.
	VoicePrint *VoicePrintConfig `yaml:"voice_print"`

	Prologue PrologueConfig `yaml:"prologue"`

	// Subtitles enables sentence-start subtitle events.
	Subtitles bool `yaml:"subtitles"`
}

// ServerConfig holds settings for the local metrics and health listener.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz.
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CozeConfig identifies the bot and the connection.
type CozeConfig struct {
	// URL is the chat endpoint. bot_id and device_id are appended as query
	// parameters.
	URL string `yaml:"url"`

	// AccessToken is sent as a Bearer token. Falls back to the
	// VOXLINK_ACCESS_TOKEN environment variable.
	AccessToken string `yaml:"access_token"`

	BotID          string `yaml:"bot_id"`
	DeviceID       string `yaml:"device_id"`
	UserID         string `yaml:"user_id"`
	ConversationID string `yaml:"conversation_id"`

	// AutoSaveHistory asks the service to persist the conversation.
	AutoSaveHistory *bool `yaml:"auto_save_history"`

	MetaData        map[string]string `yaml:"meta_data"`
	CustomVariables map[string]string `yaml:"custom_variables"`
	ExtraParams     map[string]any    `yaml:"extra_params"`
	Parameters      map[string]any    `yaml:"parameters"`

	// PingInterval is the keep-alive interval. Zero keeps the transport
	// default.
	PingInterval time.Duration `yaml:"ping_interval"`

	UserAgent string `yaml:"user_agent"`
}

// AudioConfig configures both audio directions.
type AudioConfig struct {
	Uplink   UplinkConfig   `yaml:"uplink"`
	Downlink DownlinkConfig `yaml:"downlink"`
}

// UplinkConfig configures captured audio sent to the service.
type UplinkConfig struct {
	Codec      Codec `yaml:"codec"`
	SampleRate int   `yaml:"sample_rate"`
	Channels   int   `yaml:"channels"`
	FrameMS    int   `yaml:"frame_ms"`

	// Bitrate is the Opus target in bits per second.
	Bitrate int `yaml:"bitrate"`

	// BufferBytes is the capture ring size.
	BufferBytes int `yaml:"buffer_bytes"`
}

// DownlinkConfig configures synthesized audio received from the service.
type DownlinkConfig struct {
	Codec      Codec `yaml:"codec"`
	SampleRate int   `yaml:"sample_rate"`
	Channels   int   `yaml:"channels"`
	FrameMS    int   `yaml:"frame_ms"`
	Bitrate    int   `yaml:"bitrate"`
	UseCBR     bool  `yaml:"use_cbr"`

	QueuePackets    int `yaml:"queue_packets"`
	MaxPacketBytes  int `yaml:"max_packet_bytes"`
	LowWaterSamples int `yaml:"low_water_samples"`
}

// VoiceConfig tunes speech synthesis.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`

	// SpeechRate is in [-50, 100]; 0 is normal speed.
	SpeechRate int `yaml:"speech_rate"`

	// LoudnessRate is in [-50, 100]; 0 is normal volume.
	LoudnessRate int `yaml:"loudness_rate"`

	// Emotion is one of [Emotions]. Empty means neutral.
	Emotion string `yaml:"emotion"`

	// EmotionScale is in [1, 5].
	EmotionScale float64 `yaml:"emotion_scale"`
}

// TurnDetectionConfig selects and tunes turn detection.
type TurnDetectionConfig struct {
	Type TurnDetection `yaml:"type"`

	PrefixPaddingMS   int `yaml:"prefix_padding_ms"`
	SilenceDurationMS int `yaml:"silence_duration_ms"`

	// InterruptKeywords restricts server_vad barge-in to matching speech.
	InterruptKeywords []string      `yaml:"interrupt_keywords"`
	InterruptMode     InterruptMode `yaml:"interrupt_mode"`

	SemanticSilenceThresholdMS int `yaml:"semantic_silence_threshold_ms"`
	SemanticUnfinishedWaitMS   int `yaml:"semantic_unfinished_wait_ms"`
}

// ASRConfig tunes speech recognition.
type ASRConfig struct {
	HotWords []string `yaml:"hot_words"`
	Context  string   `yaml:"context"`
	Language string   `yaml:"language"`

	EnableDDC  *bool `yaml:"enable_ddc"`
	EnableITN  *bool `yaml:"enable_itn"`
	EnablePunc *bool `yaml:"enable_punc"`

	StreamMode     string `yaml:"stream_mode"`
	EnableNostream bool   `yaml:"enable_nostream"`
	EnableEmotion  bool   `yaml:"enable_emotion"`
	EnableGender   bool   `yaml:"enable_gender"`

	SystemReservedFilter bool     `yaml:"system_reserved_filter"`
	FilterWithEmpty      []string `yaml:"filter_with_empty"`
	FilterWithSigned     []string `yaml:"filter_with_signed"`
}

// VoiceProcessingConfig enables server-side noise suppression.
type VoiceProcessingConfig struct {
	EnableANS           bool   `yaml:"enable_ans"`
	EnablePDNS          bool   `yaml:"enable_pdns"`
	VoicePrintFeatureID string `yaml:"voice_print_feature_id"`
}

// VoicePrintConfig enables speaker identification against a voice print
// group.
type VoicePrintConfig struct {
	GroupID string `yaml:"group_id"`

	// Score is the match threshold in [0, 100].
	Score int `yaml:"score"`

	ReuseVoiceInfo bool `yaml:"reuse_voice_info"`
}

// PrologueConfig makes the bot speak first.
type PrologueConfig struct {
	Enabled bool   `yaml:"enabled"`
	Content string `yaml:"content"`
}
