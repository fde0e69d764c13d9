// Package protocol defines the JSON event envelope exchanged with the
// conversational-voice service and the typed payloads carried inside it.
//
// Every message on the wire is an object of the form
//
//	{"id": "...", "event_type": "...", "data": {...}}
//
// Inbound envelopes are parsed, interpreted and discarded within a single
// dispatch step; outbound builders return freshly allocated byte slices.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by [Parse] for messages that are not a JSON object
// with a string event_type.
var ErrMalformed = errors.New("protocol: malformed envelope")

// EventType is the discriminator of an [Envelope].
type EventType string

// Inbound event types.
const (
	ChatCreated                   EventType = "chat.created"
	ChatUpdated                   EventType = "chat.updated"
	ConversationChatCreated       EventType = "conversation.chat.created"
	ConversationChatInProgress    EventType = "conversation.chat.in_progress"
	ConversationAudioDelta        EventType = "conversation.audio.delta"
	ConversationMessageDelta      EventType = "conversation.message.delta"
	ConversationMessageCompleted  EventType = "conversation.message.completed"
	ConversationAudioCompleted    EventType = "conversation.audio.completed"
	ConversationChatCompleted     EventType = "conversation.chat.completed"
	ConversationChatFailed        EventType = "conversation.chat.failed"
	ConversationChatCanceled      EventType = "conversation.chat.canceled"
	ConversationSentenceStart     EventType = "conversation.audio.sentence_start"
	ConversationTranscriptUpdate  EventType = "conversation.audio_transcript.update"
	ConversationTranscriptDone    EventType = "conversation.audio_transcript.completed"
	InputAudioBufferSpeechStarted EventType = "input_audio_buffer.speech_started"
	InputAudioBufferSpeechStopped EventType = "input_audio_buffer.speech_stopped"
	InputAudioBufferCompleted     EventType = "input_audio_buffer.completed"
	InputAudioBufferCleared       EventType = "input_audio_buffer.cleared"
	ConversationCleared           EventType = "conversation.cleared"
	Error                         EventType = "error"
)

// Outbound event types.
const (
	ChatUpdate             EventType = "chat.update"
	InputAudioBufferAppend EventType = "input_audio_buffer.append"
	InputAudioBufferCommit EventType = "input_audio_buffer.complete"
	InputAudioBufferClear  EventType = "input_audio_buffer.clear"
)

// Envelope is one protocol event.
type Envelope struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Detail carries server-side diagnostics such as the log id.
	Detail *Detail `json:"detail,omitempty"`

	// Err is set when the service reports an error at the top level rather
	// than inside data.
	Err *ErrorDetail `json:"error,omitempty"`
}

// Detail holds optional server diagnostics.
type Detail struct {
	LogID string `json:"logid,omitempty"`
}

// ErrorDetail describes a service-side failure.
type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// UnmarshalJSON accepts both "message" and the shorter "msg" used by
// conversation.chat.failed payloads.
func (e *ErrorDetail) UnmarshalJSON(b []byte) error {
	var raw struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Code, e.Type, e.Message = raw.Code, raw.Type, raw.Message
	if e.Message == "" {
		e.Message = raw.Msg
	}
	return nil
}

// Error implements error.
func (e *ErrorDetail) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (code %s, type %s)", e.Message, e.Code, e.Type)
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// Code is an error code that the service sends either as a number or as a
// string.
type Code string

// UnmarshalJSON accepts a JSON string or number.
func (c *Code) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

// Parse decodes one inbound message.
func Parse(msg []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}
	if bytes.Equal(env.Data, []byte("null")) {
		env.Data = nil
	}
	return &env, nil
}

// ── Inbound payloads ────────────────────────────────────────────────────────

// AudioDelta is the payload of conversation.audio.delta.
type AudioDelta struct {
	// Content is a base64-encoded chunk of synthesized audio.
	Content string `json:"content"`
}

// MessageDelta is the payload of conversation.message.delta.
type MessageDelta struct {
	Delta   string `json:"delta"`
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Text returns the incremental text, falling back to content.
func (m MessageDelta) Text() string {
	if m.Delta != "" {
		return m.Delta
	}
	return m.Content
}

// SentenceStart is the payload of conversation.audio.sentence_start.
type SentenceStart struct {
	Text string `json:"text"`
}

// Transcript is the payload of the audio_transcript events. Interim updates
// use transcript; the completed event uses content.
type Transcript struct {
	Transcript string `json:"transcript"`
	Content    string `json:"content"`
}

// Text returns whichever field is populated.
func (t Transcript) Text() string {
	if t.Transcript != "" {
		return t.Transcript
	}
	return t.Content
}

// Chat is the payload of chat and conversation.chat lifecycle events.
type Chat struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	BotID          string       `json:"bot_id,omitempty"`
	Status         string       `json:"status,omitempty"`
	LastError      *ErrorDetail `json:"last_error,omitempty"`
}

// Decode unmarshals the envelope's data into v. An absent data field leaves
// v untouched and returns nil.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.EventType, err)
	}
	return nil
}

// Failure returns the error carried by an envelope, looking in data.error,
// then in data itself, then in the top-level error object. It returns a
// generic detail if none is present.
func (e *Envelope) Failure() *ErrorDetail {
	var wrapped struct {
		Error *ErrorDetail `json:"error"`
	}
	if e.Decode(&wrapped) == nil && wrapped.Error != nil {
		return wrapped.Error
	}
	var inline ErrorDetail
	if e.Decode(&inline) == nil && (inline.Message != "" || inline.Code != "") {
		return &inline
	}
	if e.Err != nil {
		return e.Err
	}
	return &ErrorDetail{Message: "unknown error"}
}
