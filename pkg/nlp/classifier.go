// Package nlp implements the Intent Classifier: a deterministic,
// lightweight text-to-intent mapper built from weighted
// keyword/phrase/regex matchers and per-intent slot extraction. There
// is no learned model.
package nlp

import (
	"regexp"
	"strings"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// MatcherKind is one of the three pattern matcher types.
type MatcherKind int

const (
	MatchKeyword MatcherKind = iota
	MatchPhrase
	MatchRegex
)

// Matcher is one scored pattern contributing to an intent's total score.
type Matcher struct {
	Kind   MatcherKind
	Weight float64

	// Keyword: a single token compared case-insensitively.
	// Phrase: an ordered n-gram of tokens, matched as a contiguous run.
	Keyword string
	Phrase  []string

	// Regex: compiled against the normalized text.
	Regex *regexp.Regexp
}

// IntentSpec declares every matcher and slot extractor for one intent.
type IntentSpec struct {
	Name     models.IntentName
	Matchers []Matcher
	Slots    []SlotSpec
}

// maxWeight is the sum of weights of every matcher declared for the intent.
func (s IntentSpec) maxWeight() float64 {
	var total float64
	for _, m := range s.Matchers {
		total += m.Weight
	}
	return total
}

// Classifier parses free text into a structured Intent.
type Classifier struct {
	specs  []IntentSpec
	logger observability.Logger
}

// New builds a Classifier from a configured set of per-intent specs. The
// caller is responsible for ordering specs consistently with
// models.IntentOrder if it wants the default tie-break table; DefaultSpecs
// already does.
func New(specs []IntentSpec, logger observability.Logger) *Classifier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Classifier{specs: specs, logger: logger.WithPrefix("nlp")}
}

// NewDefault builds a Classifier over the built-in intent table.
func NewDefault(logger observability.Logger) *Classifier {
	return New(DefaultSpecs(), logger)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize collapses whitespace runs, trims ends, and case-folds
// text.
func normalize(text string) string {
	text = strings.TrimSpace(text)
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.ToLower(text)
}

// Parse maps raw text to a structured Intent. It always produces a
// result; unclassifiable text yields IntentUnknown with confidence <= 0.3
// rather than an error.
func (c *Classifier) Parse(text string) models.Intent {
	normalized := normalize(text)
	tokens := strings.Fields(normalized)

	bestName := models.IntentUnknown
	bestScore := 0.0
	var bestSpec *IntentSpec

	// models.IntentOrder gives the fixed tie-break order;
	// iterate specs in the caller-declared order and let a strict ">" keep
	// the first-seen (i.e. earliest-in-order) winner on ties.
	for i := range c.specs {
		spec := &c.specs[i]
		if spec.Name == models.IntentUnknown {
			continue
		}
		score := scoreIntent(*spec, normalized, tokens)
		if score > bestScore {
			bestScore = score
			bestName = spec.Name
			bestSpec = spec
		}
	}

	confidence := clamp01(bestScore)
	if confidence < 0.5 {
		return models.Intent{
			Name:       models.IntentUnknown,
			Confidence: minFloat(confidence, 0.3),
			Parameters: map[string]any{},
			Text:       text,
		}
	}

	params := extractSlots(*bestSpec, normalized, tokens)
	return models.Intent{
		Name:       bestName,
		Confidence: confidence,
		Parameters: params,
		Text:       text,
	}
}

func scoreIntent(spec IntentSpec, normalized string, tokens []string) float64 {
	max := spec.maxWeight()
	if max == 0 {
		return 0
	}
	var matched float64
	for _, m := range spec.Matchers {
		if matcherHits(m, normalized, tokens) {
			matched += m.Weight
		}
	}
	return matched / max
}

func matcherHits(m Matcher, normalized string, tokens []string) bool {
	switch m.Kind {
	case MatchKeyword:
		for _, t := range tokens {
			if t == m.Keyword {
				return true
			}
		}
		return false
	case MatchPhrase:
		return containsPhrase(tokens, m.Phrase)
	case MatchRegex:
		if m.Regex == nil {
			return false
		}
		return m.Regex.MatchString(normalized)
	default:
		return false
	}
}

func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Capability returns the fixed intent→capability mapping the Command
// Pipeline uses for routing.
func Capability(name models.IntentName) (string, bool) {
	cap, ok := intentCapability[name]
	return cap, ok
}

var intentCapability = map[models.IntentName]string{
	models.IntentPlayMusic:     "music",
	models.IntentControlVolume: "audio",
	models.IntentSwitchAudio:   "audio",
	models.IntentSystemControl: "system",
	models.IntentSmartHome:     "smart_home",
	models.IntentCommunication: "messaging",
	models.IntentNavigation:    "navigation",
	models.IntentGPIOControl:   "gpio",
}
