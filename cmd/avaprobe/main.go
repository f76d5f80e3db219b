// Command avaprobe drives a gateway session end to end and reports
// per-turn response latency.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projectsavahq/project-ava-sub000/internal/audio"
	"github.com/projectsavahq/project-ava-sub000/internal/protocol"
)

type options struct {
	baseURL     string
	userID      string
	token       string
	turns       int
	texts       []string
	wavPath     string
	outPath     string
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: how are you?",
	"Reply in three words: what is calm?",
	"Reply in three words: good morning routine?",
}

// frame is the subset of outbound fields the probe inspects.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Chunk     string `json:"chunk"`
	IsFinal   bool   `json:"isFinal"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avaprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "avaprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.userID, "user-id", "probe", "userId sent in connect")
	flag.StringVar(&cfg.token, "token", "", "bearer token for the upgrade request")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.StringVar(&cfg.wavPath, "wav", "", "24kHz 16-bit WAV file streamed as audio instead of text turns")
	flag.StringVar(&cfg.outPath, "out", "", "write received assistant audio to this WAV file")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the final assistant transcript")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, errors.New("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var pcm []byte
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		mono, sampleRate, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		if sampleRate != audio.Contract.SampleRate {
			return fmt.Errorf("wav sample rate %d, gateway expects %d", sampleRate, audio.Contract.SampleRate)
		}
		pcm = mono
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan frame, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, frames, readErr)

	if err := conn.WriteJSON(protocol.Connect{Type: protocol.TypeConnect, UserID: cfg.userID}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	connected, err := await(frames, readErr, cfg.turnTimeout, func(f frame) bool { return f.Type == string(protocol.TypeConnected) })
	if err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("avaprobe: session=%s turns=%d\n", connected.SessionID, cfg.turns)
	}

	var received []byte
	collect := func(f frame) {
		if cfg.outPath == "" || f.Type != string(protocol.TypeAudio) || f.Chunk == "" {
			return
		}
		if b, err := base64.StdEncoding.DecodeString(f.Chunk); err == nil {
			received = append(received, b...)
		}
	}

	latencies := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		started := time.Now()
		if pcm != nil {
			if err := sendAudio(conn, pcm, cfg.chunkMS, cfg.realtime); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			started = time.Now()
			if err := conn.WriteJSON(protocol.AudioEnd{Type: protocol.TypeAudioEnd}); err != nil {
				return fmt.Errorf("turn %d send audio-end: %w", i+1, err)
			}
		} else {
			text := cfg.texts[i%len(cfg.texts)]
			msg := protocol.TextInput{Type: protocol.TypeTextInput, Text: text, Timestamp: time.Now().UnixMilli()}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		}
		final, err := await(frames, readErr, cfg.turnTimeout, func(f frame) bool {
			collect(f)
			return f.Type == string(protocol.TypeAssistantTranscript) && f.IsFinal
		})
		if err != nil {
			return fmt.Errorf("turn %d await assistant transcript: %w", i+1, err)
		}
		d := time.Since(started)
		latencies = append(latencies, d)
		if cfg.verbose {
			fmt.Printf("avaprobe: turn %d/%d latency=%s reply=%q\n", i+1, cfg.turns, d.Round(time.Millisecond), final.Text)
		}
	}

	if err := conn.WriteJSON(protocol.Disconnect{Type: protocol.TypeDisconnect, Reason: "probe_complete"}); err == nil {
		_, _ = await(frames, readErr, 3*time.Second, func(f frame) bool { return f.Type == string(protocol.TypeSessionEnded) })
	}

	if cfg.outPath != "" {
		if err := os.WriteFile(cfg.outPath, audio.EncodeWAV(received, audio.Contract), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfg.outPath, err)
		}
	}

	p50, p95 := percentile(latencies, 0.50), percentile(latencies, 0.95)
	fmt.Printf("avaprobe: turns=%d p50=%s p95=%s\n", len(latencies), p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- frame, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == string(protocol.TypeError) {
			fmt.Fprintf(os.Stderr, "avaprobe: error code=%s message=%s\n", f.Code, f.Message)
		}
		frames <- f
	}
}

func await(frames <-chan frame, readErr <-chan error, timeout time.Duration, match func(frame) bool) (frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-frames:
			if match(f) {
				return f, nil
			}
		case err := <-readErr:
			return frame{}, err
		case <-timer.C:
			return frame{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// sendAudio streams pcm as base64 audio messages paced at realtime speed.
func sendAudio(conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	for _, chunk := range chunkPCM(pcm, chunkMS) {
		msg := protocol.Audio{
			Type:      protocol.TypeAudio,
			Audio:     base64.StdEncoding.EncodeToString(chunk),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		pace := time.Duration(float64(audio.Contract.Duration(int64(len(chunk)))) / realtime)
		time.Sleep(max(pace, 10*time.Millisecond))
	}
	return nil
}

// chunkPCM splits pcm into frame-aligned chunks of chunkMS milliseconds.
func chunkPCM(pcm []byte, chunkMS int) [][]byte {
	frameBytes := audio.Contract.BytesPerFrame()
	size := audio.Contract.BytesPerSecond() * chunkMS / 1000
	size -= size % frameBytes
	if size < frameBytes {
		size = frameBytes
	}
	usable := len(pcm) - len(pcm)%frameBytes
	var out [][]byte
	for off := 0; off < usable; off += size {
		out = append(out, pcm[off:min(off+size, usable)])
	}
	return out
}

func percentile(ds []time.Duration, q float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}
