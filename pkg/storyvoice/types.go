package storyvoice

import "time"

// SessionState tracks the lifecycle of a voice session. Transitions are
// monotonic: idle -> connecting -> active -> (ended | failed). A session
// object is single-use; a new conversation needs a new Session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateEnded      SessionState = "ended"
	StateFailed     SessionState = "failed"
)

// Wire message tags exchanged on the fallback channel.
const (
	TagConnectionEstablished = "connection_established"
	TagAudioInput            = "audio_input"
	TagTextInput             = "text_input"
	TagStartNarration        = "start_narration"
	TagStopNarration         = "stop_narration"
	TagAudioOutput           = "audio_output"
	TagTextOutput            = "text_output"
	TagNarrationStarted      = "narration_started"
	TagNarrationText         = "narration_text"
	TagNarrationAudio        = "narration_audio"
	TagNarrationComplete     = "narration_complete"
	TagNarrationStopped      = "narration_stopped"
	TagProcessing            = "processing"
	TagError                 = "error"
)

// ProtocolMessage is the JSON envelope used on the fallback channel.
// Type is mandatory; the remaining fields are tag-specific. Audio
// payloads are base64 PCM16LE mono at SampleRate (16 kHz outbound,
// carried explicitly inbound).
type ProtocolMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	StoryID    string `json:"story_id,omitempty"`
}

// AudioChunk is one capture interval of container audio. Seq increases
// monotonically within a capture; the engine owns the bytes until they
// are handed to the transcoder.
type AudioChunk struct {
	Seq  uint64
	Data []byte
}

// PCMBuffer holds interleaved 16-bit signed little-endian mono samples
// at a declared rate. Buffers are immutable once produced.
type PCMBuffer struct {
	Samples    []int16
	SampleRate int
}

// Bytes returns the little-endian wire encoding of the samples.
func (b *PCMBuffer) Bytes() []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Duration reports the playback length of the buffer.
func (b *PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// EventKind classifies entries in the conversation log.
type EventKind string

const (
	EventNarration         EventKind = "narration"
	EventUserQuestion      EventKind = "user_question"
	EventAIResponse        EventKind = "ai_response"
	EventStoryModification EventKind = "story_modification"
	EventSystem            EventKind = "system_message"
)

// ConversationEvent is one append-only log entry. AudioRef optionally
// points at the audio payload that accompanied the text.
type ConversationEvent struct {
	Kind      EventKind
	Content   string
	Timestamp time.Time
	AudioRef  string
}

// SessionCredentials is what the backend hands out when a voice session
// starts: the fallback socket URL plus short-lived vendor credentials
// for the primary channel.
type SessionCredentials struct {
	SocketURL         string `json:"socket_url"`
	VendorToken       string `json:"vendor_token"`
	Model             string `json:"model"`
	SystemInstruction string `json:"system_instruction"`
}

// Handler types for session callbacks.
type StateHandler func(SessionState)
type ErrorHandler func(*PipelineError)
type NoticeHandler func(string)
type SpeakingHandler func(bool)
