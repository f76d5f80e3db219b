package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/projectsavahq/project-ava-sub000/internal/audio"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusActive     Status = "active"
	StatusEnding     Status = "ending"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Terminal reports whether no further operation is valid in s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// Live reports whether audio and text may be forwarded in s.
func (s Status) Live() bool {
	return s == StatusReady || s == StatusActive
}

var (
	ErrNotFound  = errors.New("session not found")
	ErrExists    = errors.New("session already registered")
	ErrClosing   = errors.New("session is ending")
	ErrForbidden = errors.New("session belongs to another user")
)

type Preferences struct {
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Language     string `json:"language,omitempty"`
}

type Session struct {
	ID             string      `json:"session_id"`
	UserID         string      `json:"user_id"`
	Status         Status      `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	SampleRate     int         `json:"sample_rate"`
	Channels       int         `json:"channels"`
	MessageCount   int         `json:"message_count"`
	AudioBytes     int64       `json:"audio_bytes"`
	Preferences    Preferences `json:"preferences"`
}

// New returns an unregistered session in the connecting state.
func New(userID string, prefs Preferences) Session {
	now := time.Now().UTC()
	return Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusConnecting,
		StartedAt:      now,
		LastActivityAt: now,
		SampleRate:     audio.Contract.SampleRate,
		Channels:       audio.Contract.Channels,
		Preferences:    prefs,
	}
}

// Duration is wall time since start, frozen at EndedAt once ended.
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Summary is the durable record handed to persistence at teardown.
type Summary struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Status       Status        `json:"status"`
	Reason       string        `json:"reason"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration"`
	MessageCount int           `json:"message_count"`
	AudioSeconds float64       `json:"audio_seconds"`
}
