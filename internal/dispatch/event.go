package dispatch

import "fmt"

// EventKind identifies a session [Event].
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventChatCreated
	EventChatUpdated
	EventTextDelta
	EventMessageCompleted
	EventAudioCompleted
	EventChatCompleted
	EventChatCanceled
	EventSubtitle
	EventTranscript
	EventSpeechStarted
	EventSpeechStopped
	EventInputCompleted
	EventCleared
	EventError
)

var eventKindNames = [...]string{
	EventConnected:        "connected",
	EventDisconnected:     "disconnected",
	EventChatCreated:      "chat_created",
	EventChatUpdated:      "chat_updated",
	EventTextDelta:        "text_delta",
	EventMessageCompleted: "message_completed",
	EventAudioCompleted:   "audio_completed",
	EventChatCompleted:    "chat_completed",
	EventChatCanceled:     "chat_canceled",
	EventSubtitle:         "subtitle",
	EventTranscript:       "transcript",
	EventSpeechStarted:    "speech_started",
	EventSpeechStopped:    "speech_stopped",
	EventInputCompleted:   "input_completed",
	EventCleared:          "cleared",
	EventError:            "error",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a coarse-grained notification for the application. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Text carries the delta, subtitle, transcript or completed message.
	Text string

	// Role is the speaker of a text delta ("assistant", "user").
	Role string

	// Final marks a completed transcript.
	Final bool

	// ChatID and ConversationID are set on chat lifecycle events.
	ChatID         string
	ConversationID string

	// LogID is the server diagnostic id, when the service sent one.
	LogID string

	// Err is set on EventError and EventDisconnected.
	Err error
}

// Phase is the coarse conversational state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseResponding
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseResponding:
		return "responding"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of session state.
type State struct {
	Connected      bool
	SessionCreated bool
	SessionID      string
	ConversationID string
	LastError      error
	Phase          Phase
}
