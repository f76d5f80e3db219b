package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// SessionProfile overrides the upstream session configuration from a TOML file.
//
//	instructions = "..."
//	voice = "shimmer"
//	temperature = 0.7
//
//	[turn_detection]
//	type = "server_vad"
//	threshold = 0.6
//	prefix_padding_ms = 300
//	silence_duration_ms = 700
type SessionProfile struct {
	Instructions  string               `toml:"instructions"`
	Voice         string               `toml:"voice"`
	Temperature   float64              `toml:"temperature"`
	TurnDetection TurnDetectionProfile `toml:"turn_detection"`
}

type TurnDetectionProfile struct {
	Type              string  `toml:"type"`
	Threshold         float64 `toml:"threshold"`
	PrefixPaddingMS   int     `toml:"prefix_padding_ms"`
	SilenceDurationMS int     `toml:"silence_duration_ms"`
}

// LoadProfile decodes a session profile file. Unknown keys are rejected.
func LoadProfile(path string) (SessionProfile, error) {
	var p SessionProfile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return SessionProfile{}, fmt.Errorf("session profile %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return SessionProfile{}, fmt.Errorf("session profile %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return p, nil
}

// Apply copies every non-zero profile field onto cfg.
func (p SessionProfile) Apply(cfg *Config) {
	if s := strings.TrimSpace(p.Instructions); s != "" {
		cfg.UpstreamInstructions = s
	}
	if s := strings.TrimSpace(p.Voice); s != "" {
		cfg.UpstreamVoice = s
	}
	if p.Temperature > 0 {
		cfg.UpstreamTemperature = p.Temperature
	}
	td := p.TurnDetection
	if s := strings.TrimSpace(td.Type); s != "" {
		cfg.TurnDetectionType = s
	}
	if td.Threshold > 0 {
		cfg.TurnDetectionThreshold = td.Threshold
	}
	if td.PrefixPaddingMS > 0 {
		cfg.TurnDetectionPrefixPadding = time.Duration(td.PrefixPaddingMS) * time.Millisecond
	}
	if td.SilenceDurationMS > 0 {
		cfg.TurnDetectionSilence = time.Duration(td.SilenceDurationMS) * time.Millisecond
	}
}
