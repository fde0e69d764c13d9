package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// The log level and subtitle gate can be applied to a running process. Every
// other section is sent to the service once per connection, so a change there
// only takes effect on the next session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SubtitlesChanged bool

	// SessionChanged lists the top-level sections whose change requires a
	// new session, in declaration order.
	SessionChanged []string
}

// RestartRequired reports whether any session-scoped section changed.
func (d ConfigDiff) RestartRequired() bool { return len(d.SessionChanged) > 0 }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Subtitles != new.Subtitles {
		d.SubtitlesChanged = true
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"coze", old.Coze, new.Coze},
		{"audio", old.Audio, new.Audio},
		{"voice", old.Voice, new.Voice},
		{"turn_detection", old.TurnDetection, new.TurnDetection},
		{"asr", old.ASR, new.ASR},
		{"voice_processing", old.VoiceProcessing, new.VoiceProcessing},
		{"voice_print", old.VoicePrint, new.VoicePrint},
		{"prologue", old.Prologue, new.Prologue},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.SessionChanged = append(d.SessionChanged, s.name)
		}
	}
	return d
}
