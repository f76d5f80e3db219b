package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projectsavahq/project-ava-sub000/internal/config"
	"github.com/projectsavahq/project-ava-sub000/internal/reliability"
)

// Dialer opens upstream sockets. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type TurnDetection struct {
	Type              string
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// Disabled reports whether the client drives turns explicitly.
func (t TurnDetection) Disabled() bool {
	return t.Type == "" || t.Type == "none"
}

type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	Temperature        float64
	TurnDetection      TurnDetection

	HandshakeTimeout time.Duration
	StallTimeout     time.Duration
	Retry            reliability.RetryPolicy
	EventBuffer      int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		URL:                cfg.UpstreamURL,
		APIKey:             cfg.UpstreamAPIKey,
		Model:              cfg.UpstreamModel,
		Voice:              cfg.UpstreamVoice,
		Instructions:       cfg.UpstreamInstructions,
		TranscriptionModel: cfg.UpstreamTranscriptionModel,
		Temperature:        cfg.UpstreamTemperature,
		TurnDetection: TurnDetection{
			Type:              cfg.TurnDetectionType,
			Threshold:         cfg.TurnDetectionThreshold,
			PrefixPaddingMS:   int(cfg.TurnDetectionPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(cfg.TurnDetectionSilence / time.Millisecond),
		},
		HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		StallTimeout:     cfg.UpstreamStallTimeout,
		Retry: reliability.RetryPolicy{
			MaxAttempts: cfg.UpstreamMaxReconnects,
			Delay:       cfg.UpstreamReconnectDelay,
		},
		EventBuffer: cfg.UpstreamEventBuffer,
	}
}

// WithOverrides applies per-session preferences on top of the defaults.
func (c Config) WithOverrides(voice, instructions string) Config {
	if voice != "" {
		c.Voice = voice
	}
	if instructions != "" {
		c.Instructions = instructions
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	return c
}
