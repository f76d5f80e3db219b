package analysis

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityNone     Severity = ""
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Emotion struct {
	Label     string
	Score     float64
	Intensity float64
	Scores    map[string]float64
}

type Crisis struct {
	Severity Severity
	Keywords []string
	Message  string
}

// Detected reports whether the verdict should raise an alert.
func (c Crisis) Detected() bool { return c.Severity != SeverityNone }

type Result struct {
	Emotion Emotion
	Crisis  Crisis
}

// Input is one finalized user utterance.
type Input struct {
	SessionID string
	UserID    string
	Text      string
}

type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Result, error)
}

var emotionBuckets = map[string][]string{
	"happy": {
		"happy", "glad", "great", "awesome", "amazing", "love", "thanks", "thank you", "excited", "wonderful", "haha",
	},
	"sad": {
		"sad", "unhappy", "cry", "crying", "lonely", "alone", "depressed", "hurt", "miss", "empty", "hopeless",
	},
	"angry": {
		"angry", "furious", "mad", "annoyed", "hate", "pissed", "sick of", "fed up", "rage",
	},
	"anxious": {
		"anxious", "worried", "nervous", "scared", "afraid", "panic", "stress", "stressed", "overwhelmed", "can't sleep",
	},
	"calm": {
		"calm", "relaxed", "peaceful", "fine", "okay", "better", "rested", "breathe",
	},
}

type crisisRule struct {
	severity Severity
	patterns []*regexp.Regexp
	message  string
}

var crisisRules = []crisisRule{
	{
		severity: SeverityCritical,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+myself\b`),
			regexp.MustCompile(`(?i)\bend\s+(it\s+all|my\s+life)\b`),
			regexp.MustCompile(`(?i)\bsuicid(e|al)\b`),
			regexp.MustCompile(`(?i)\b(want|going)\s+to\s+die\b`),
			regexp.MustCompile(`(?i)\bno\s+reason\s+to\s+live\b`),
		},
		message: "Immediate risk of self-harm detected. If you are in danger, please contact local emergency services or a crisis line now.",
	},
	{
		severity: SeverityHigh,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bself[- ]harm\b`),
			regexp.MustCompile(`(?i)\bcutting\s+myself\b`),
			regexp.MustCompile(`(?i)\bcan'?t\s+go\s+on\b`),
			regexp.MustCompile(`(?i)\bbetter\s+off\s+without\s+me\b`),
		},
		message: "Signs of serious distress detected. Support resources are available if you need them.",
	},
	{
		severity: SeverityMedium,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhopeless\b`),
			regexp.MustCompile(`(?i)\bworthless\b`),
			regexp.MustCompile(`(?i)\bgive\s+up\b`),
			regexp.MustCompile(`(?i)\bnobody\s+cares\b`),
		},
		message: "You sound like you are going through a hard time.",
	},
}

// KeywordAnalyzer scores emotion by keyword hits and flags crisis language
// with severity-ordered patterns. The first matching severity wins.
type KeywordAnalyzer struct{}

func NewKeywordAnalyzer() KeywordAnalyzer { return KeywordAnalyzer{} }

func (KeywordAnalyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := strings.ToLower(strings.TrimSpace(in.Text))
	return Result{
		Emotion: scoreEmotion(text),
		Crisis:  detectCrisis(text),
	}, nil
}

func scoreEmotion(text string) Emotion {
	counts := make(map[string]int, len(emotionBuckets))
	total := 0
	for label, words := range emotionBuckets {
		for _, w := range words {
			if strings.Contains(text, w) {
				counts[label]++
				total++
			}
		}
	}
	if total == 0 {
		return Emotion{Label: "neutral", Score: 1, Intensity: 0, Scores: map[string]float64{"neutral": 1}}
	}

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	scores := make(map[string]float64, len(labels))
	best := ""
	for _, label := range labels {
		scores[label] = float64(counts[label]) / float64(total)
		if best == "" || counts[label] > counts[best] {
			best = label
		}
	}
	intensity := math.Min(1, float64(counts[best])/3)
	if strings.Contains(text, "!") {
		intensity = math.Min(1, intensity+0.2)
	}
	return Emotion{Label: best, Score: scores[best], Intensity: intensity, Scores: scores}
}

func detectCrisis(text string) Crisis {
	for _, rule := range crisisRules {
		var hits []string
		for _, re := range rule.patterns {
			if m := re.FindString(text); m != "" {
				hits = append(hits, m)
			}
		}
		if len(hits) > 0 {
			return Crisis{Severity: rule.severity, Keywords: hits, Message: rule.message}
		}
	}
	return Crisis{}
}
