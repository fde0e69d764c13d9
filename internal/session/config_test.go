package session_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/session"
)

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
coze:
  access_token: pat_test
  bot_id: bot-1
  device_id: dev-1
` + extra))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestFromConfig_Defaults(t *testing.T) {
	t.Parallel()
	sc := session.FromConfig(loadConfig(t, ""))

	if sc.URL != config.DefaultURL || sc.BotID != "bot-1" || sc.AccessToken != "pat_test" {
		t.Errorf("connection = %+v", sc)
	}
	if sc.Uplink.Codec != protocol.CodecPCM || sc.Uplink.FrameDuration != 20*time.Millisecond || sc.Uplink.Format.SampleRate != 16000 {
		t.Errorf("uplink = %+v", sc.Uplink)
	}
	if sc.Downlink.Codec != protocol.CodecOpus || sc.Downlink.FrameDuration != 60*time.Millisecond {
		t.Errorf("downlink = %+v", sc.Downlink)
	}

	cu := sc.ChatUpdate
	if cu.ChatConfig.UserID != "dev-1" || !cu.ChatConfig.AutoSaveHistory {
		t.Errorf("chat_config = %+v", cu.ChatConfig)
	}
	if cu.InputAudio.BitDepth != 16 || cu.InputAudio.Format != "pcm" {
		t.Errorf("input_audio = %+v", cu.InputAudio)
	}
	if o := cu.OutputAudio.OpusConfig; o == nil || o.Bitrate != 16000 || o.FrameSizeMS != 60 {
		t.Errorf("opus_config = %+v", o)
	}
	if cu.OutputAudio.EmotionConfig != nil {
		t.Errorf("neutral voice sent emotion_config %+v", cu.OutputAudio.EmotionConfig)
	}
	td := cu.TurnDetection
	if td.Type != protocol.TurnServerVAD || td.PrefixPaddingMS != 300 || td.SilenceDurationMS != 500 || td.InterruptConfig != nil {
		t.Errorf("turn_detection = %+v", td)
	}
	if !cu.ASR.EnableDDC || !cu.ASR.EnableITN || !cu.ASR.EnablePunc || cu.ASR.UserLanguage != "common" {
		t.Errorf("asr = %+v", cu.ASR)
	}
	if cu.VoiceProcessing != nil || cu.VoicePrint != nil || cu.NeedPlayPrologue {
		t.Error("optional sections should be omitted")
	}
}

func TestChatUpdate_OptionalSections(t *testing.T) {
	t.Parallel()
	cu := session.ChatUpdate(loadConfig(t, `
audio:
  uplink:
    codec: opus
  downlink:
    codec: pcm
    frame_ms: 20
voice:
  emotion: happy
turn_detection:
  interrupt_keywords: [stop]
asr:
  filter_with_empty: [darn]
voice_processing:
  enable_ans: true
  voice_print_feature_id: ignored
voice_print:
  group_id: family
prologue:
  enabled: true
  content: Hi!
`))

	if cu.InputAudio.Codec != protocol.CodecOpus || cu.InputAudio.BitDepth != 0 {
		t.Errorf("input_audio = %+v", cu.InputAudio)
	}
	if cu.OutputAudio.PCMConfig == nil || cu.OutputAudio.OpusConfig != nil || cu.OutputAudio.PCMConfig.FrameSizeMS != 20 {
		t.Errorf("output_audio = %+v", cu.OutputAudio)
	}
	if e := cu.OutputAudio.EmotionConfig; e == nil || e.Emotion != "happy" || e.EmotionScale != 4 {
		t.Errorf("emotion_config = %+v", e)
	}
	if ic := cu.TurnDetection.InterruptConfig; ic == nil || ic.Mode != "keyword_contains" || ic.Keywords[0] != "stop" {
		t.Errorf("interrupt_config = %+v", ic)
	}
	if f := cu.ASR.SensitiveWordsFilter; f == nil || f.FilterWithEmpty[0] != "darn" {
		t.Errorf("sensitive_words_filter = %+v", f)
	}
	if vp := cu.VoiceProcessing; vp == nil || !vp.EnableANS || vp.VoicePrintFeatureID != "" {
		t.Errorf("voice_processing = %+v", vp)
	}
	if vp := cu.VoicePrint; vp == nil || vp.GroupID != "family" || vp.Score != 40 {
		t.Errorf("voice_print = %+v", vp)
	}
	if !cu.NeedPlayPrologue || cu.PrologueContent != "Hi!" {
		t.Errorf("prologue = %v %q", cu.NeedPlayPrologue, cu.PrologueContent)
	}
}

func TestChatUpdate_SemanticVAD(t *testing.T) {
	t.Parallel()
	cu := session.ChatUpdate(loadConfig(t, "turn_detection:\n  type: semantic_vad\n"))
	td := cu.TurnDetection
	if td.SemanticVADConfig == nil || td.SemanticVADConfig.SilenceThresholdMS != 300 || td.SemanticVADConfig.SemanticUnfinishedWaitTimeMS != 500 {
		t.Errorf("semantic_vad_config = %+v", td.SemanticVADConfig)
	}
	if td.PrefixPaddingMS != 0 || td.SilenceDurationMS != 0 {
		t.Errorf("server_vad fields leaked into semantic_vad: %+v", td)
	}

	msg, err := protocol.UpdateChat("chat_update_1", cu)
	if err != nil {
		t.Fatalf("UpdateChat: %v", err)
	}
	if !strings.Contains(string(msg), `"semantic_vad_config"`) || strings.Contains(string(msg), `"prefix_padding_ms"`) {
		t.Errorf("chat.update = %s", msg)
	}
}
