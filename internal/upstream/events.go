package upstream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/projectsavahq/project-ava-sub000/internal/reliability"
)

type EventKind string

const (
	EventAudioDelta     EventKind = "audio_delta"
	EventAudioDone      EventKind = "audio_done"
	EventAssistantDelta EventKind = "assistant_transcript_delta"
	EventAssistantDone  EventKind = "assistant_transcript_done"
	EventUserDelta      EventKind = "user_transcript_delta"
	EventUserDone       EventKind = "user_transcript_done"
	EventSpeechStarted  EventKind = "speech_started"
	EventSpeechStopped  EventKind = "speech_stopped"
	EventResponseDone   EventKind = "response_done"
	EventError          EventKind = "error"
	EventReconnecting   EventKind = "reconnecting"
	EventReconnected    EventKind = "reconnected"
	EventClosed         EventKind = "closed"
)

type Event struct {
	Kind       EventKind
	ResponseID string
	ItemID     string
	Audio      []byte
	Text       string
	Confidence float64
	Code       string
	Message    string
	Retryable  bool
	Attempt    int
}

type wireEvent struct {
	Type       string  `json:"type"`
	ResponseID string  `json:"response_id"`
	ItemID     string  `json:"item_id"`
	Delta      string  `json:"delta"`
	Transcript string  `json:"transcript"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeEvent maps one upstream frame onto an Event. Frames the gateway does
// not act on return ok=false.
func decodeEvent(raw []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, false, err
	}
	ev := Event{ResponseID: w.ResponseID, ItemID: w.ItemID}
	switch w.Type {
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{}, false, err
		}
		ev.Kind = EventAudioDelta
		ev.Audio = pcm
	case "response.audio.done", "response.output_audio.done":
		ev.Kind = EventAudioDone
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta",
		"response.text.delta", "response.output_text.delta":
		ev.Kind = EventAssistantDelta
		ev.Text = w.Delta
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		ev.Kind = EventAssistantDone
		ev.Text = w.Transcript
	case "response.text.done", "response.output_text.done":
		ev.Kind = EventAssistantDone
		ev.Text = w.Text
	case "conversation.item.input_audio_transcription.delta":
		ev.Kind = EventUserDelta
		ev.Text = w.Delta
	case "conversation.item.input_audio_transcription.completed":
		ev.Kind = EventUserDone
		ev.Text = w.Transcript
		ev.Confidence = w.Confidence
	case "input_audio_buffer.speech_started":
		ev.Kind = EventSpeechStarted
	case "input_audio_buffer.speech_stopped":
		ev.Kind = EventSpeechStopped
	case "response.done":
		ev.Kind = EventResponseDone
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
		}
	case "error":
		ev.Kind = EventError
		if w.Error != nil {
			ev.Code = w.Error.Code
			if ev.Code == "" {
				ev.Code = w.Error.Type
			}
			ev.Message = w.Error.Message
		}
		ev.Retryable = reliability.IsRetryableUpstreamError(ev.Code)
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection"`
	Temperature             float64        `json:"temperature,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

func newSessionUpdate(cfg Config) sessionUpdate {
	sc := sessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       cfg.Temperature,
	}
	if cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	if !cfg.TurnDetection.Disabled() {
		sc.TurnDetection = &turnDetection{
			Type:              cfg.TurnDetection.Type,
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMS:   cfg.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: cfg.TurnDetection.SilenceDurationMS,
		}
	}
	return sessionUpdate{Type: "session.update", Session: sc}
}

type userMessage struct {
	Type string      `json:"type"`
	Item messageItem `json:"item"`
}

type messageItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
