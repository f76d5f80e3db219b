package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/projectsavahq/project-ava-sub000/internal/reliability"
)

// Alert is handed to an Escalator when a crisis verdict is reached.
type Alert struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Severity   Severity  `json:"severity"`
	Keywords   []string  `json:"keywords"`
	Transcript string    `json:"transcript"`
	DetectedAt time.Time `json:"detected_at"`
}

type Escalator interface {
	Escalate(ctx context.Context, alert Alert) error
}

// LogEscalator only records the alert.
type LogEscalator struct{}

func (LogEscalator) Escalate(_ context.Context, alert Alert) error {
	log.Printf("analysis: crisis escalated session=%s user=%s severity=%s keywords=%v",
		alert.SessionID, alert.UserID, alert.Severity, alert.Keywords)
	return nil
}

// WebhookEscalator posts alerts as JSON. A retryable status is attempted once
// more before giving up.
type WebhookEscalator struct {
	URL    string
	Client *http.Client
}

func NewWebhookEscalator(url string, timeout time.Duration) *WebhookEscalator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookEscalator{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookEscalator) Escalate(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		status, err := w.post(ctx, body)
		if err == nil && status < 300 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("escalation webhook status %d", status)
			if !reliability.IsRetryableHTTPStatus(status) {
				return lastErr
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (w *WebhookEscalator) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
