package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/projectsavahq/project-ava-sub000/internal/analysis"
	"github.com/projectsavahq/project-ava-sub000/internal/auth"
	"github.com/projectsavahq/project-ava-sub000/internal/config"
	"github.com/projectsavahq/project-ava-sub000/internal/gateway"
	"github.com/projectsavahq/project-ava-sub000/internal/observability"
	"github.com/projectsavahq/project-ava-sub000/internal/router"
	"github.com/projectsavahq/project-ava-sub000/internal/session"
	"github.com/projectsavahq/project-ava-sub000/internal/store"
	"github.com/projectsavahq/project-ava-sub000/internal/upstream"
)

type BuildResult struct {
	Config  config.Config
	API     *gateway.Server
	Router  *router.Router
	Store   store.Store
	Metrics *observability.Metrics

	// Cleanup releases external resources (DB pool) after shutdown.
	Cleanup func() error
}

// Build wires the gateway from configuration. dialer is used for upstream
// connections; nil means websocket.DefaultDialer.
func Build(ctx context.Context, cfg config.Config, dialer upstream.Dialer) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	authn, err := auth.New(cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("auth init failed: %w", err)
	}

	var escalator analysis.Escalator = analysis.LogEscalator{}
	if cfg.EscalationWebhookURL != "" {
		escalator = analysis.NewWebhookEscalator(cfg.EscalationWebhookURL, cfg.AnalyzerTimeout)
		log.Printf("crisis escalation: webhook")
	}

	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		}
	}
	base := upstream.ConfigFrom(cfg)
	opener := func(ctx context.Context, sessionID string, prefs session.Preferences) (router.Upstream, error) {
		conn, err := upstream.Open(ctx, sessionID, base.WithOverrides(prefs.Voice, prefs.Instructions), dialer)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	rt, err := router.New(router.Options{
		GracePeriod:     cfg.SessionGracePeriod,
		IdleTimeout:     cfg.SessionIdleTimeout,
		AnalyzerTimeout: cfg.AnalyzerTimeout,
		Redact:          cfg.RedactTranscripts,
	}, opener, st, analysis.NewKeywordAnalyzer(), escalator, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	api := gateway.New(cfg, rt, authn, st, metrics)

	cleanup := func() error {
		var errs []string
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Router:  rt,
		Store:   st,
		Metrics: metrics,
		Cleanup: cleanup,
	}, nil
}
