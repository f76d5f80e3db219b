package protocol

import "time"

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound (client to gateway).
const (
	TypeConnect    MessageType = "connect"
	TypeAudio      MessageType = "audio"
	TypeTextInput  MessageType = "text-input"
	TypeAudioEnd   MessageType = "audio-end"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeDisconnect MessageType = "disconnect"
)

// Outbound (gateway to client). TypeAudio is shared with the inbound side.
const (
	TypeConnected           MessageType = "connected"
	TypeUserTranscript      MessageType = "user-transcript"
	TypeAssistantTranscript MessageType = "assistant-transcript"
	TypeEmotion             MessageType = "emotion"
	TypeCrisisAlert         MessageType = "crisis-alert"
	TypeSessionEnded        MessageType = "session-ended"
	TypeError               MessageType = "error"
	TypeHeartbeatAck        MessageType = "heartbeat-ack"
)

// ClientMessage is one of the inbound message structs below.
type ClientMessage interface {
	Kind() MessageType
	clientMessage()
}

// ServerMessage is one of the outbound message structs below.
type ServerMessage interface {
	Kind() MessageType
	serverMessage()
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type Preferences struct {
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Language     string `json:"language,omitempty"`
}

type Connect struct {
	Type        MessageType  `json:"type"`
	UserID      string       `json:"userId"`
	SessionID   string       `json:"sessionId,omitempty"`
	Token       string       `json:"token,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// Audio carries client PCM either as base64 in JSON or, for binary frames,
// directly in PCM. PCM is always populated after parsing.
type Audio struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	Timestamp  int64       `json:"timestamp"`
	SampleRate int         `json:"sampleRate,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	Encoding   string      `json:"encoding,omitempty"`

	PCM []byte `json:"-"`
}

type TextInput struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
}

type AudioEnd struct {
	Type MessageType `json:"type"`
}

type Heartbeat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type Disconnect struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type ConnectedMetadata struct {
	UserID        string    `json:"userId"`
	SampleRate    int       `json:"sampleRate"`
	Channels      int       `json:"channels"`
	Encoding      string    `json:"encoding"`
	StartedAt     time.Time `json:"startedAt"`
	Resumed       bool      `json:"resumed"`
	MessageCount  int       `json:"messageCount"`
	DurationMS    int64     `json:"durationMs"`
	GracePeriodMS int64     `json:"gracePeriodMs"`
	IdleTimeoutMS int64     `json:"idleTimeoutMs"`
}

type Connected struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"sessionId"`
	Status    string            `json:"status"`
	Metadata  ConnectedMetadata `json:"metadata"`
}

type AudioChunk struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"sessionId"`
	ResponseID     string      `json:"responseId,omitempty"`
	Chunk          string      `json:"chunk"`
	SequenceNumber int         `json:"sequenceNumber"`
	IsLastChunk    bool        `json:"isLastChunk"`
}

type UserTranscript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	ItemID     string      `json:"itemId,omitempty"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"isFinal"`
	Confidence float64     `json:"confidence"`
}

type AssistantTranscript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	ResponseID string      `json:"responseId"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"isFinal"`
}

type Emotion struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"sessionId"`
	Label     string             `json:"label"`
	Score     float64            `json:"score"`
	Intensity float64            `json:"intensity"`
	Scores    map[string]float64 `json:"scores,omitempty"`
}

type CrisisAlert struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Severity  string      `json:"severity"`
	Keywords  []string    `json:"keywords"`
	Message   string      `json:"message"`
	Escalated bool        `json:"escalated"`
}

type SessionSummary struct {
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMS   int64     `json:"durationMs"`
	MessageCount int       `json:"messageCount"`
	AudioSeconds float64   `json:"audioSeconds"`
}

type SessionEnded struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	EndedAt   time.Time      `json:"endedAt"`
	Summary   SessionSummary `json:"summary"`
}

type Error struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId,omitempty"`
	Message     string      `json:"message"`
	Code        string      `json:"code"`
	Recoverable bool        `json:"recoverable"`
}

type HeartbeatAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

func (Connect) Kind() MessageType    { return TypeConnect }
func (Audio) Kind() MessageType      { return TypeAudio }
func (TextInput) Kind() MessageType  { return TypeTextInput }
func (AudioEnd) Kind() MessageType   { return TypeAudioEnd }
func (Heartbeat) Kind() MessageType  { return TypeHeartbeat }
func (Disconnect) Kind() MessageType { return TypeDisconnect }

func (Connect) clientMessage()    {}
func (Audio) clientMessage()      {}
func (TextInput) clientMessage()  {}
func (AudioEnd) clientMessage()   {}
func (Heartbeat) clientMessage()  {}
func (Disconnect) clientMessage() {}

func (Connected) Kind() MessageType           { return TypeConnected }
func (AudioChunk) Kind() MessageType          { return TypeAudio }
func (UserTranscript) Kind() MessageType      { return TypeUserTranscript }
func (AssistantTranscript) Kind() MessageType { return TypeAssistantTranscript }
func (Emotion) Kind() MessageType             { return TypeEmotion }
func (CrisisAlert) Kind() MessageType         { return TypeCrisisAlert }
func (SessionEnded) Kind() MessageType        { return TypeSessionEnded }
func (Error) Kind() MessageType               { return TypeError }
func (HeartbeatAck) Kind() MessageType        { return TypeHeartbeatAck }

func (Connected) serverMessage()           {}
func (AudioChunk) serverMessage()          {}
func (UserTranscript) serverMessage()      {}
func (AssistantTranscript) serverMessage() {}
func (Emotion) serverMessage()             {}
func (CrisisAlert) serverMessage()         {}
func (SessionEnded) serverMessage()        {}
func (Error) serverMessage()               {}
func (HeartbeatAck) serverMessage()        {}

// Closes reports whether the transport is closed once msg has been written.
func Closes(msg ServerMessage) bool {
	switch m := msg.(type) {
	case SessionEnded:
		return true
	case Error:
		return m.Code == CodeSessionRebound || m.Code == CodeUnauthorized
	default:
		return false
	}
}
