package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/projectsavahq/project-ava-sub000/internal/audio"
)

// Client-facing error codes.
const (
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeInvalidAudio          = "INVALID_AUDIO"
	CodeInvalidAudioFormat    = "INVALID_AUDIO_FORMAT"
	CodeInvalidTimestamp      = "INVALID_TIMESTAMP"
	CodeInvalidText           = "INVALID_TEXT"
	CodeNoSession             = "NO_SESSION"
	CodeSessionEnded          = "SESSION_ENDED"
	CodeSessionRebound        = "SESSION_REBOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeUpstreamConnectFailed = "UPSTREAM_CONNECT_FAILED"
	CodeUpstreamReconnecting  = "UPSTREAM_RECONNECTING"
	CodeUpstreamUnavailable   = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeUpstreamLost          = "UPSTREAM_CONNECTION_LOST"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Fault is a failure that should reach the client as an error event.
type Fault struct {
	Code        string
	Recoverable bool
	Err         error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Code
	}
	return f.Code + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// Event renders the fault as an outbound error message.
func (f *Fault) Event(sessionID string) Error {
	msg := f.Code
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return Error{
		Type:        TypeError,
		SessionID:   sessionID,
		Message:     msg,
		Code:        f.Code,
		Recoverable: f.Recoverable,
	}
}

func invalid(code string, err error) *Fault {
	return &Fault{Code: code, Recoverable: true, Err: err}
}

// Limits bounds what the parser accepts.
type Limits struct {
	MaxAudioBytes int
	MaxTextRunes  int
	ClockSkew     time.Duration
	Now           func() time.Time
}

func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 1 << 20,
		MaxTextRunes:  4096,
		ClockSkew:     5 * time.Second,
		Now:           time.Now,
	}
}

// ParseClientMessage decodes and validates one inbound JSON frame. Errors are
// always *Fault.
func ParseClientMessage(raw []byte, lim Limits) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalid(CodeInvalidMessage, fmt.Errorf("invalid envelope: %w", err))
	}

	switch env.Type {
	case TypeConnect:
		var msg Connect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(CodeInvalidMessage, err)
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(CodeInvalidMessage, err)
		}
		if msg.Audio == "" {
			return nil, invalid(CodeInvalidAudio, errors.New("audio payload is empty"))
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, invalid(CodeInvalidAudio, fmt.Errorf("audio is not valid base64: %w", err))
		}
		msg.PCM = pcm
		msg.Audio = ""
		if err := validateAudio(msg, lim); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(CodeInvalidMessage, err)
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, invalid(CodeInvalidText, errors.New("text is empty"))
		}
		if lim.MaxTextRunes > 0 && utf8.RuneCountInString(msg.Text) > lim.MaxTextRunes {
			return nil, invalid(CodeInvalidText, fmt.Errorf("text exceeds %d characters", lim.MaxTextRunes))
		}
		if err := checkTimestamp(msg.Timestamp, lim); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioEnd:
		return AudioEnd{Type: TypeAudioEnd}, nil
	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(CodeInvalidMessage, err)
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, invalid(CodeInvalidMessage, errors.New("heartbeat requires sessionId"))
		}
		return msg, nil
	case TypeDisconnect:
		var msg Disconnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(CodeInvalidMessage, err)
		}
		return msg, nil
	default:
		return nil, invalid(CodeInvalidMessage, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type))
	}
}

// AudioFromBinary wraps a binary websocket frame as an audio message.
func AudioFromBinary(pcm []byte, lim Limits) (Audio, error) {
	msg := Audio{Type: TypeAudio, PCM: pcm}
	if err := validateAudio(msg, lim); err != nil {
		return Audio{}, err
	}
	return msg, nil
}

func validateAudio(msg Audio, lim Limits) error {
	if err := audio.CheckDeclared(msg.SampleRate, msg.Channels, msg.Encoding); err != nil {
		return invalid(CodeInvalidAudioFormat, err)
	}
	if err := audio.CheckChunk(msg.PCM, lim.MaxAudioBytes); err != nil {
		return invalid(CodeInvalidAudio, err)
	}
	return checkTimestamp(msg.Timestamp, lim)
}

func checkTimestamp(ts int64, lim Limits) error {
	if ts <= 0 {
		return nil
	}
	now := time.Now
	if lim.Now != nil {
		now = lim.Now
	}
	if time.UnixMilli(ts).After(now().Add(lim.ClockSkew)) {
		return invalid(CodeInvalidTimestamp, errors.New("timestamp is in the future"))
	}
	return nil
}
