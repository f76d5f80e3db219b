package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("record not found")

// SessionRecord is the durable row for one voice session.
type SessionRecord struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	MessageCount int        `json:"message_count"`
	AudioSeconds float64    `json:"audio_seconds"`
}

// MessageRecord stores a single finalized user or assistant utterance.
type MessageRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ResponseID string    `json:"response_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store persists sessions and their transcripts.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	UpdateSession(ctx context.Context, rec SessionRecord) error
	SaveMessage(ctx context.Context, rec MessageRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	Close() error
}

// prepareMessage fills the id and timestamp. ULIDs keep ids sortable by
// creation time.
func prepareMessage(rec MessageRecord) MessageRecord {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewMessageID(rec.CreatedAt)
	}
	return rec
}

// NewMessageID returns a ULID for t. Ids minted in sequence sort in the same
// order, including within one millisecond.
func NewMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
