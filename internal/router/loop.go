package router

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/projectsavahq/project-ava-sub000/internal/analysis"
	"github.com/projectsavahq/project-ava-sub000/internal/observability"
	"github.com/projectsavahq/project-ava-sub000/internal/protocol"
	"github.com/projectsavahq/project-ava-sub000/internal/session"
	"github.com/projectsavahq/project-ava-sub000/internal/store"
	"github.com/projectsavahq/project-ava-sub000/internal/transcript"
	"github.com/projectsavahq/project-ava-sub000/internal/upstream"
)

const upstreamWriteTimeout = 5 * time.Second

// loop is the only goroutine that reads the session's inbound queue and
// upstream events, which keeps per-session ordering.
func (r *Router) loop(l *link) {
	events := l.up.Events()
	for {
		select {
		case <-l.stop:
			return
		case msg := <-l.inbound:
			r.handleClient(l, msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				r.upstreamLost(l, "upstream connection closed")
				continue
			}
			r.metrics.UpstreamEvents.WithLabelValues(string(ev.Kind)).Inc()
			r.handleUpstream(l, ev)
		}
	}
}

func (r *Router) handleClient(l *link, msg protocol.ClientMessage) {
	r.metrics.WSMessages.WithLabelValues("in", string(msg.Kind())).Inc()
	switch m := msg.(type) {
	case protocol.Audio:
		if !r.forwardable(l) {
			return
		}
		_ = r.reg.AddAudio(l.id, len(m.PCM))
		ctx, cancel := context.WithTimeout(context.Background(), upstreamWriteTimeout)
		err := l.up.SendAudio(ctx, m.PCM)
		cancel()
		if err != nil {
			r.emitError(l, protocol.CodeUpstreamUnavailable, true, err)
		}
	case protocol.TextInput:
		if !r.forwardable(l) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), upstreamWriteTimeout)
		err := l.up.SendText(ctx, m.Text)
		cancel()
		if err != nil {
			r.emitError(l, protocol.CodeUpstreamUnavailable, true, err)
			return
		}
		l.markInput()
		r.userFinal(l, m.Text)
	case protocol.AudioEnd:
		if !r.forwardable(l) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), upstreamWriteTimeout)
		err := l.up.Flush(ctx)
		cancel()
		if err != nil {
			r.emitError(l, protocol.CodeUpstreamUnavailable, true, err)
			return
		}
		l.markInput()
	case protocol.Heartbeat:
		if m.SessionID != l.id {
			r.emitError(l, protocol.CodeNoSession, false, errors.New("heartbeat for another session"))
			return
		}
		if err := r.reg.Touch(l.id); err != nil {
			return
		}
		r.emit(l, protocol.HeartbeatAck{
			Type:      protocol.TypeHeartbeatAck,
			SessionID: l.id,
			Timestamp: time.Now().UnixMilli(),
		})
	case protocol.Disconnect:
		reason := m.Reason
		if reason == "" {
			reason = "client_disconnect"
		}
		r.end(l.id, session.StatusEnded, reason)
	default:
		r.emitError(l, protocol.CodeInvalidMessage, true, errors.New("unexpected message after connect"))
	}
}

// forwardable promotes ready to active and checks that input can reach the
// upstream right now, reporting the reason to the client when it cannot.
func (r *Router) forwardable(l *link) bool {
	prev, err := r.reg.Get(l.id)
	if err != nil {
		return false
	}
	s, err := r.reg.Activate(l.id)
	if err != nil {
		r.emitError(l, protocol.CodeSessionEnded, false, err)
		return false
	}
	if prev.Status == session.StatusReady && s.Status == session.StatusActive {
		r.event("session_active")
	}
	if state := l.up.State(); state != upstream.StateConnected {
		r.emitError(l, protocol.CodeUpstreamUnavailable, true, errors.New("upstream is "+string(state)))
		return false
	}
	return true
}

func (r *Router) handleUpstream(l *link, ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventAudioDelta:
		if !l.sawAudio && !l.inputAt.IsZero() {
			r.metrics.ObserveStage(observability.StageInputToFirstAudio, time.Since(l.inputAt))
		}
		l.sawAudio = true
		l.seq++
		r.emit(l, protocol.AudioChunk{
			Type:           protocol.TypeAudio,
			SessionID:      l.id,
			ResponseID:     ev.ResponseID,
			Chunk:          base64.StdEncoding.EncodeToString(ev.Audio),
			SequenceNumber: l.seq,
		})
	case upstream.EventAudioDone:
		l.seq++
		r.emit(l, protocol.AudioChunk{
			Type:           protocol.TypeAudio,
			SessionID:      l.id,
			ResponseID:     ev.ResponseID,
			SequenceNumber: l.seq,
			IsLastChunk:    true,
		})
	case upstream.EventAssistantDelta:
		r.acc.Append(transcript.Key{SessionID: l.id, ResponseID: ev.ResponseID}, ev.Text)
		r.emit(l, protocol.AssistantTranscript{
			Type:       protocol.TypeAssistantTranscript,
			SessionID:  l.id,
			ResponseID: ev.ResponseID,
			Text:       ev.Text,
		})
	case upstream.EventAssistantDone:
		text := r.acc.Flush(transcript.Key{SessionID: l.id, ResponseID: ev.ResponseID}, ev.Text)
		r.emit(l, protocol.AssistantTranscript{
			Type:       protocol.TypeAssistantTranscript,
			SessionID:  l.id,
			ResponseID: ev.ResponseID,
			Text:       text,
			IsFinal:    true,
		})
		if text != "" {
			r.saveMessageBestEffort(l, store.RoleAssistant, text, ev.ResponseID)
		}
	case upstream.EventUserDelta:
		r.acc.Append(userKey(l.id, ev.ItemID), ev.Text)
		r.emit(l, protocol.UserTranscript{
			Type:      protocol.TypeUserTranscript,
			SessionID: l.id,
			ItemID:    ev.ItemID,
			Text:      ev.Text,
		})
	case upstream.EventUserDone:
		text := r.acc.Flush(userKey(l.id, ev.ItemID), ev.Text)
		r.emit(l, protocol.UserTranscript{
			Type:       protocol.TypeUserTranscript,
			SessionID:  l.id,
			ItemID:     ev.ItemID,
			Text:       text,
			IsFinal:    true,
			Confidence: ev.Confidence,
		})
		if text != "" {
			r.userFinal(l, text)
		}
	case upstream.EventSpeechStopped:
		l.markInput()
	case upstream.EventResponseDone:
		if !l.inputAt.IsZero() {
			r.metrics.ObserveStage(observability.StageInputToResponse, time.Since(l.inputAt))
		}
		l.inputAt = time.Time{}
	case upstream.EventError:
		log.Printf("router: session=%s upstream error code=%s: %s", l.id, ev.Code, ev.Message)
		r.emit(l, protocol.Error{
			Type:        protocol.TypeError,
			SessionID:   l.id,
			Message:     ev.Message,
			Code:        protocol.CodeUpstreamError,
			Recoverable: ev.Retryable,
		})
	case upstream.EventReconnecting:
		r.metrics.UpstreamReconnects.WithLabelValues("attempt").Inc()
		r.emit(l, protocol.Error{
			Type:        protocol.TypeError,
			SessionID:   l.id,
			Message:     "upstream connection lost, reconnecting",
			Code:        protocol.CodeUpstreamReconnecting,
			Recoverable: true,
		})
	case upstream.EventReconnected:
		r.metrics.UpstreamReconnects.WithLabelValues("success").Inc()
		log.Printf("router: session=%s upstream reconnected attempt=%d", l.id, ev.Attempt)
	case upstream.EventClosed:
		r.metrics.UpstreamReconnects.WithLabelValues("exhausted").Inc()
		r.upstreamLost(l, ev.Message)
	}
}

func userKey(sessionID, itemID string) transcript.Key {
	return transcript.Key{SessionID: sessionID, ResponseID: "user:" + itemID}
}

func (l *link) markInput() {
	l.inputAt = time.Now()
	l.sawAudio = false
}

// upstreamLost ends the session with an error status once the upstream is
// gone for good.
func (r *Router) upstreamLost(l *link, reason string) {
	if _, ok := r.reg.BeginEnd(l.id); !ok {
		return
	}
	r.emit(l, protocol.Error{
		Type:        protocol.TypeError,
		SessionID:   l.id,
		Message:     reason,
		Code:        protocol.CodeUpstreamLost,
		Recoverable: false,
	})
	r.teardown(l, session.StatusError, "upstream_connection_lost")
}

// userFinal persists a finalized user utterance and analyzes it off the
// session loop so a slow analyzer never delays routing.
func (r *Router) userFinal(l *link, text string) {
	r.saveMessageBestEffort(l, store.RoleUser, text, "")
	if r.analyzer == nil {
		return
	}
	go r.analyze(l, text)
}

func (r *Router) analyze(l *link, text string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.collaboratorError("analyzer")
			log.Printf("router: analyzer panic session=%s: %v\n%s", l.id, rec, debug.Stack())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.AnalyzerTimeout)
	defer cancel()
	started := time.Now()
	res, err := r.analyzer.Analyze(ctx, analysis.Input{SessionID: l.id, UserID: l.userID, Text: text})
	r.metrics.ObserveStage(observability.StageAnalyzer, time.Since(started))
	if err != nil {
		r.collaboratorError("analyzer")
		log.Printf("router: analyzer failed session=%s: %v", l.id, err)
		return
	}

	r.emit(l, protocol.Emotion{
		Type:      protocol.TypeEmotion,
		SessionID: l.id,
		Label:     res.Emotion.Label,
		Score:     res.Emotion.Score,
		Intensity: res.Emotion.Intensity,
		Scores:    res.Emotion.Scores,
	})
	if !res.Crisis.Detected() {
		return
	}

	escalated := false
	if r.escalator != nil {
		err := r.escalator.Escalate(ctx, analysis.Alert{
			SessionID:  l.id,
			UserID:     l.userID,
			Severity:   res.Crisis.Severity,
			Keywords:   res.Crisis.Keywords,
			Transcript: text,
			DetectedAt: time.Now().UTC(),
		})
		if err != nil {
			r.collaboratorError("escalator")
			log.Printf("router: escalation failed session=%s severity=%s: %v", l.id, res.Crisis.Severity, err)
		} else {
			escalated = true
		}
	}
	r.metrics.CrisisAlerts.WithLabelValues(string(res.Crisis.Severity), boolLabel(escalated)).Inc()
	r.emit(l, protocol.CrisisAlert{
		Type:      protocol.TypeCrisisAlert,
		SessionID: l.id,
		Severity:  string(res.Crisis.Severity),
		Keywords:  res.Crisis.Keywords,
		Message:   res.Crisis.Message,
		Escalated: escalated,
	})
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
