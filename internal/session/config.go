package session

import (
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/downlink"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/uplink"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// FromConfig derives a session [Config] from a loaded, validated
// [config.Config].
func FromConfig(c *config.Config) Config {
	up, down := c.Audio.Uplink, c.Audio.Downlink
	return Config{
		URL:          c.Coze.URL,
		BotID:        c.Coze.BotID,
		DeviceID:     c.Coze.DeviceID,
		AccessToken:  c.Coze.AccessToken,
		UserAgent:    c.Coze.UserAgent,
		PingInterval: c.Coze.PingInterval,
		ChatUpdate:   ChatUpdate(c),
		Uplink: uplink.Config{
			Format:        audio.Format{SampleRate: up.SampleRate, Channels: up.Channels},
			FrameDuration: time.Duration(up.FrameMS) * time.Millisecond,
			Codec:         string(up.Codec),
			Bitrate:       up.Bitrate,
			BufferSize:    up.BufferBytes,
		},
		Downlink: downlink.Config{
			Codec:           string(down.Codec),
			Format:          audio.Format{SampleRate: down.SampleRate, Channels: down.Channels},
			FrameDuration:   time.Duration(down.FrameMS) * time.Millisecond,
			PacketCount:     down.QueuePackets,
			MaxPacket:       down.MaxPacketBytes,
			LowWaterSamples: down.LowWaterSamples,
		},
		Subtitles: c.Subtitles,
	}
}

// ChatUpdate builds the chat.update payload for c. Optional sections are
// left out unless configured so the service applies its own defaults.
func ChatUpdate(c *config.Config) protocol.ChatUpdateData {
	d := protocol.ChatUpdateData{
		ChatConfig: protocol.ChatConfig{
			UserID:          c.Coze.UserID,
			ConversationID:  c.Coze.ConversationID,
			AutoSaveHistory: c.Coze.AutoSaveHistory == nil || *c.Coze.AutoSaveHistory,
			MetaData:        c.Coze.MetaData,
			CustomVariables: c.Coze.CustomVariables,
			ExtraParams:     c.Coze.ExtraParams,
			Parameters:      c.Coze.Parameters,
		},
		InputAudio:    inputAudio(c.Audio.Uplink),
		OutputAudio:   outputAudio(c.Audio.Downlink, c.Voice),
		TurnDetection: turnDetection(c.TurnDetection),
		ASR:           asrConfig(c.ASR),
	}
	if d.ChatConfig.UserID == "" {
		d.ChatConfig.UserID = c.Coze.DeviceID
	}

	if vp := c.VoiceProcessing; vp.EnableANS || vp.EnablePDNS {
		d.VoiceProcessing = &protocol.VoiceProcessingConfig{
			EnableANS:  vp.EnableANS,
			EnablePDNS: vp.EnablePDNS,
		}
		if vp.EnablePDNS {
			d.VoiceProcessing.VoicePrintFeatureID = vp.VoicePrintFeatureID
		}
	}

	if c.Prologue.Enabled {
		d.NeedPlayPrologue = true
		d.PrologueContent = c.Prologue.Content
	}

	if vp := c.VoicePrint; vp != nil {
		d.VoicePrint = &protocol.VoicePrintConfig{
			GroupID:        vp.GroupID,
			Score:          vp.Score,
			ReuseVoiceInfo: vp.ReuseVoiceInfo,
		}
	}
	return d
}

func inputAudio(up config.UplinkConfig) protocol.InputAudio {
	in := protocol.InputAudio{
		Format:     protocol.CodecPCM,
		Codec:      string(up.Codec),
		SampleRate: up.SampleRate,
		Channel:    up.Channels,
	}
	if up.Codec == config.CodecPCM {
		in.BitDepth = 16
	}
	return in
}

func outputAudio(down config.DownlinkConfig, v config.VoiceConfig) protocol.OutputAudio {
	out := protocol.OutputAudio{
		Codec:        string(down.Codec),
		SpeechRate:   v.SpeechRate,
		LoudnessRate: v.LoudnessRate,
		VoiceID:      v.VoiceID,
	}
	if down.Codec == config.CodecOpus {
		out.OpusConfig = &protocol.OpusConfig{
			Bitrate:     down.Bitrate,
			SampleRate:  down.SampleRate,
			FrameSizeMS: down.FrameMS,
			UseCBR:      down.UseCBR,
		}
	} else {
		out.PCMConfig = &protocol.PCMConfig{
			SampleRate:  down.SampleRate,
			FrameSizeMS: down.FrameMS,
		}
	}

	emotion := v.Emotion
	if emotion == "" {
		emotion = "neutral"
	}
	if emotion != "neutral" || v.EmotionScale != config.DefaultEmotionScale {
		out.EmotionConfig = &protocol.EmotionConfig{Emotion: emotion, EmotionScale: v.EmotionScale}
	}
	return out
}

func turnDetection(td config.TurnDetectionConfig) protocol.TurnDetection {
	out := protocol.TurnDetection{Type: string(td.Type)}
	switch td.Type {
	case config.TurnServerVAD:
		out.PrefixPaddingMS = td.PrefixPaddingMS
		out.SilenceDurationMS = td.SilenceDurationMS
		if len(td.InterruptKeywords) > 0 {
			out.InterruptConfig = &protocol.InterruptConfig{
				Mode:     string(td.InterruptMode),
				Keywords: td.InterruptKeywords,
			}
		}
	case config.TurnSemanticVAD:
		out.SemanticVADConfig = &protocol.SemanticVADConfig{
			SilenceThresholdMS:           td.SemanticSilenceThresholdMS,
			SemanticUnfinishedWaitTimeMS: td.SemanticUnfinishedWaitMS,
		}
	}
	return out
}

func asrConfig(a config.ASRConfig) protocol.ASRConfig {
	out := protocol.ASRConfig{
		HotWords:       a.HotWords,
		Context:        a.Context,
		UserLanguage:   a.Language,
		EnableDDC:      enabled(a.EnableDDC),
		EnableITN:      enabled(a.EnableITN),
		EnablePunc:     enabled(a.EnablePunc),
		StreamMode:     a.StreamMode,
		EnableNostream: a.EnableNostream,
		EnableEmotion:  a.EnableEmotion,
		EnableGender:   a.EnableGender,
	}
	if a.SystemReservedFilter || len(a.FilterWithEmpty) > 0 || len(a.FilterWithSigned) > 0 {
		out.SensitiveWordsFilter = &protocol.SensitiveWordsFilter{
			SystemReservedFilter: a.SystemReservedFilter,
			FilterWithEmpty:      a.FilterWithEmpty,
			FilterWithSigned:     a.FilterWithSigned,
		}
	}
	return out
}

// enabled treats an unset toggle as on.
func enabled(b *bool) bool { return b == nil || *b }
