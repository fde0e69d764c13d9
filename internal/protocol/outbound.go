package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a fresh correlation id such as "audio_6f1c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Marshal serialises an outbound envelope with the given payload. A nil
// payload omits the data field.
func Marshal(id string, typ EventType, payload any) ([]byte, error) {
	env := struct {
		ID        string    `json:"id"`
		EventType EventType `json:"event_type"`
		Data      any       `json:"data,omitempty"`
	}{ID: id, EventType: typ, Data: payload}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", typ, err)
	}
	return b, nil
}

// AppendAudio builds an input_audio_buffer.append event carrying one
// base64-encoded audio chunk.
func AppendAudio(id, b64 string) ([]byte, error) {
	return Marshal(id, InputAudioBufferAppend, struct {
		Delta string `json:"delta"`
	}{Delta: b64})
}

// CompleteAudio builds an input_audio_buffer.complete event, telling the
// service that the user's turn has ended.
func CompleteAudio(id string) ([]byte, error) {
	return Marshal(id, InputAudioBufferCommit, nil)
}

// ClearAudio builds an input_audio_buffer.clear event, discarding audio the
// service has buffered for the current turn.
func ClearAudio(id string) ([]byte, error) {
	return Marshal(id, InputAudioBufferClear, nil)
}

// UpdateChat builds the chat.update event sent once after connecting.
func UpdateChat(id string, d ChatUpdateData) ([]byte, error) {
	return Marshal(id, ChatUpdate, d)
}

// ── chat.update payload ────────────────────────────────────────────────────

// Turn detection modes.
const (
	TurnServerVAD       = "server_vad"
	TurnClientInterrupt = "client_interrupt"
	TurnSemanticVAD     = "semantic_vad"
)

// Audio codecs.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// ChatUpdateData configures a session: audio formats in both directions,
// turn detection, speech recognition and synthesis options.
type ChatUpdateData struct {
	ChatConfig       ChatConfig             `json:"chat_config"`
	InputAudio       InputAudio             `json:"input_audio"`
	OutputAudio      OutputAudio            `json:"output_audio"`
	VoiceProcessing  *VoiceProcessingConfig `json:"voice_processing_config,omitempty"`
	TurnDetection    TurnDetection          `json:"turn_detection"`
	ASR              ASRConfig              `json:"asr_config"`
	NeedPlayPrologue bool                   `json:"need_play_prologue,omitempty"`
	PrologueContent  string                 `json:"prologue_content,omitempty"`
	VoicePrint       *VoicePrintConfig      `json:"voice_print_config,omitempty"`
}

// ChatConfig identifies the user and conversation.
type ChatConfig struct {
	UserID          string            `json:"user_id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	AutoSaveHistory bool              `json:"auto_save_history"`
	MetaData        map[string]string `json:"meta_data,omitempty"`
	CustomVariables map[string]string `json:"custom_variables,omitempty"`
	ExtraParams     map[string]any    `json:"extra_params,omitempty"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
}

// InputAudio describes the uplink audio format.
type InputAudio struct {
	Format     string `json:"format"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channel    int    `json:"channel"`
	BitDepth   int    `json:"bit_depth,omitempty"`
}

// OutputAudio describes the downlink audio format and voice.
type OutputAudio struct {
	Codec         string         `json:"codec"`
	OpusConfig    *OpusConfig    `json:"opus_config,omitempty"`
	PCMConfig     *PCMConfig     `json:"pcm_config,omitempty"`
	SpeechRate    int            `json:"speech_rate,omitempty"`
	LoudnessRate  int            `json:"loudness_rate,omitempty"`
	VoiceID       string         `json:"voice_id,omitempty"`
	EmotionConfig *EmotionConfig `json:"emotion_config,omitempty"`
}

// OpusConfig configures Opus downlink audio.
type OpusConfig struct {
	Bitrate     int  `json:"bitrate"`
	SampleRate  int  `json:"sample_rate"`
	FrameSizeMS int  `json:"frame_size_ms"`
	UseCBR      bool `json:"use_cbr,omitempty"`
}

// PCMConfig configures raw PCM downlink audio.
type PCMConfig struct {
	SampleRate  int `json:"sample_rate"`
	FrameSizeMS int `json:"frame_size_ms"`
}

// EmotionConfig selects the synthesized voice's emotion.
type EmotionConfig struct {
	Emotion      string  `json:"emotion"`
	EmotionScale float64 `json:"emotion_scale"`
}

// VoiceProcessingConfig enables server-side noise suppression.
type VoiceProcessingConfig struct {
	EnableANS           bool   `json:"enable_ans,omitempty"`
	EnablePDNS          bool   `json:"enable_pdns,omitempty"`
	VoicePrintFeatureID string `json:"voice_print_feature_id,omitempty"`
}

// TurnDetection selects how the end of a user turn is detected.
type TurnDetection struct {
	Type              string             `json:"type"`
	PrefixPaddingMS   int                `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int                `json:"silence_duration_ms,omitempty"`
	InterruptConfig   *InterruptConfig   `json:"interrupt_config,omitempty"`
	SemanticVADConfig *SemanticVADConfig `json:"semantic_vad_config,omitempty"`
}

// InterruptConfig restricts barge-in to utterances matching keywords.
type InterruptConfig struct {
	Mode     string   `json:"mode"`
	Keywords []string `json:"keywords"`
}

// SemanticVADConfig tunes semantic turn detection.
type SemanticVADConfig struct {
	SilenceThresholdMS           int `json:"silence_threshold_ms"`
	SemanticUnfinishedWaitTimeMS int `json:"semantic_unfinished_wait_time_ms"`
}

// ASRConfig configures speech recognition.
type ASRConfig struct {
	HotWords             []string              `json:"hot_words,omitempty"`
	Context              string                `json:"context,omitempty"`
	UserLanguage         string                `json:"user_language,omitempty"`
	EnableDDC            bool                  `json:"enable_ddc"`
	EnableITN            bool                  `json:"enable_itn"`
	EnablePunc           bool                  `json:"enable_punc"`
	StreamMode           string                `json:"stream_mode,omitempty"`
	EnableNostream       bool                  `json:"enable_nostream,omitempty"`
	EnableEmotion        bool                  `json:"enable_emotion,omitempty"`
	EnableGender         bool                  `json:"enable_gender,omitempty"`
	SensitiveWordsFilter *SensitiveWordsFilter `json:"sensitive_words_filter,omitempty"`
}

// SensitiveWordsFilter controls how recognized sensitive words are handled.
type SensitiveWordsFilter struct {
	SystemReservedFilter bool     `json:"system_reserved_filter,omitempty"`
	FilterWithEmpty      []string `json:"filter_with_empty,omitempty"`
	FilterWithSigned     []string `json:"filter_with_signed,omitempty"`
}

// VoicePrintConfig enables speaker identification.
type VoicePrintConfig struct {
	GroupID        string `json:"group_id"`
	Score          int    `json:"score"`
	ReuseVoiceInfo bool   `json:"reuse_voice_info"`
}
