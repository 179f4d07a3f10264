package realtime

import "github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"

// Client events. Each struct marshals to one wire message; Type carries
// the event name.

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session.update payload sent right after connect.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionConfig `json:"turn_detection,omitempty"`
	Tools                   []tools.Definition   `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model,omitempty"`
}

// TurnDetectionConfig configures the vendor's server-side VAD.
type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type itemTruncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type responseCancelEvent struct {
	Type string `json:"type"`
}

// serverEvent is the envelope for everything the vendor sends. Only the
// fields the gateway consumes are declared; the rest stay in Raw.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Response   *serverResponse `json:"response,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
}

type serverResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is a session occurrence the call manager consumes. Audio flows
// through OutputAudio instead.
type Event interface {
	eventType() string
}

// FunctionCallEvent is an argument-complete tool call from the model.
type FunctionCallEvent struct {
	CallID    string
	Name      string
	Arguments string
}

func (FunctionCallEvent) eventType() string { return "function_call" }

// TranscriptEvent carries caller or assistant speech text.
type TranscriptEvent struct {
	Role  string
	Text  string
	Final bool
}

func (TranscriptEvent) eventType() string { return "transcript" }

// SpeechStartedEvent fires when the vendor VAD hears the caller.
type SpeechStartedEvent struct{}

func (SpeechStartedEvent) eventType() string { return "speech_started" }

// SpeechStoppedEvent fires when the vendor VAD loses the caller.
type SpeechStoppedEvent struct{}

func (SpeechStoppedEvent) eventType() string { return "speech_stopped" }

// ResponseDoneEvent marks the end of one model response.
type ResponseDoneEvent struct {
	ID     string
	Status string
}

func (ResponseDoneEvent) eventType() string { return "response_done" }

// ErrorEvent is a vendor-reported error that did not end the session.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) eventType() string { return "error" }
