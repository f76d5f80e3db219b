package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCrisisCritical(t *testing.T) {
	res, err := NewKeywordAnalyzer().Analyze(context.Background(), Input{Text: "I want to end it all"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Crisis.Severity != SeverityCritical {
		t.Fatalf("expected critical, got %q", res.Crisis.Severity)
	}
	if len(res.Crisis.Keywords) == 0 || res.Crisis.Message == "" {
		t.Fatalf("expected keywords and message, got %+v", res.Crisis)
	}
}

func TestCrisisSeverityOrder(t *testing.T) {
	cases := map[string]Severity{
		"I feel hopeless lately":             SeverityMedium,
		"they'd be better off without me":    SeverityHigh,
		"I keep thinking about suicide":      SeverityCritical,
		"I had a lovely walk with my sister": SeverityNone,
	}
	for text, want := range cases {
		got := detectCrisis(text)
		if got.Severity != want {
			t.Fatalf("%q: expected %q, got %q", text, want, got.Severity)
		}
	}
}

func TestEmotionScoring(t *testing.T) {
	e := scoreEmotion("i am so worried and nervous about tomorrow")
	if e.Label != "anxious" {
		t.Fatalf("expected anxious, got %s", e.Label)
	}
	if e.Intensity <= 0 || e.Score <= 0 {
		t.Fatalf("expected positive scores, got %+v", e)
	}
	if n := scoreEmotion("the train leaves at nine"); n.Label != "neutral" {
		t.Fatalf("expected neutral, got %s", n.Label)
	}
}

func TestAnalyzeHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewKeywordAnalyzer().Analyze(ctx, Input{Text: "hi"}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestWebhookEscalatorPosts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err != nil || alert.SessionID != "s1" {
			t.Errorf("unexpected alert body: %v %+v", err, alert)
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	esc := NewWebhookEscalator(srv.URL, 0)
	if err := esc.Escalate(context.Background(), Alert{SessionID: "s1", Severity: SeverityCritical}); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected retry after 503, got %d calls", calls.Load())
	}
}

func TestWebhookEscalatorStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewWebhookEscalator(srv.URL, 0).Escalate(context.Background(), Alert{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error on 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("400 should not be retried, got %d calls", calls.Load())
	}
}
