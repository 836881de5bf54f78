package nlp

import (
	"regexp"

	"github.com/voicecore/orchestrator/pkg/models"
)

var (
	pinRegex       = regexp.MustCompile(`pin\s+(\d+)`)
	levelRegex     = regexp.MustCompile(`volume\s+(?:to\s+)?(\d+)`)
	deltaUpRegex   = regexp.MustCompile(`volume\s+up\s+(\d+)`)
	deltaDownRegex = regexp.MustCompile(`volume\s+down\s+(\d+)`)

	systemActionRegex = regexp.MustCompile(`\b(shutdown|restart|reboot)\b|power\s+off`)
	homeDeviceRegex   = regexp.MustCompile(`\b(lights?|thermostat|lock|fan)\b`)
	homeToggleRegex   = regexp.MustCompile(`turn\s+(on|off)`)
	commVerbRegex     = regexp.MustCompile(`\b(call|message|text)\b`)
	navWordRegex      = regexp.MustCompile(`\b(navigate|directions|route)\b`)
	gpioWordRegex     = regexp.MustCompile(`\b(gpio|pin)\b`)
	gpioActionRegex   = regexp.MustCompile(`\b(high|low|toggle)\b`)
)

// DefaultSpecs is the built-in pattern table for every closed-enumeration
// intent except unknown. Order matches models.IntentOrder so ties break
// per the fixed enumeration order. Matchers that name mutually exclusive
// alternatives (shutdown/restart/reboot, call/message/text) are a single
// weighted regex rather than per-word keywords, so matching any one
// alternative clears the dispatch confidence bar.
func DefaultSpecs() []IntentSpec {
	return []IntentSpec{
		{
			Name: models.IntentPlayMusic,
			Matchers: []Matcher{
				{Kind: MatchKeyword, Keyword: "play", Weight: 1.0},
				{Kind: MatchKeyword, Keyword: "music", Weight: 0.3},
				{Kind: MatchKeyword, Keyword: "song", Weight: 0.2},
				{Kind: MatchKeyword, Keyword: "track", Weight: 0.2},
			},
			Slots: []SlotSpec{
				{Name: "genre", Kind: ExtractAnchorTail, Anchor: "play"},
				{Name: "artist", Kind: ExtractRegexGroup, Regex: regexp.MustCompile(`by\s+(\w+)`)},
				{Name: "track", Kind: ExtractRegexGroup, Regex: regexp.MustCompile(`play\s+(?:the\s+)?song\s+(\w+)`)},
			},
		},
		{
			Name: models.IntentControlVolume,
			Matchers: []Matcher{
				{Kind: MatchKeyword, Keyword: "volume", Weight: 0.6},
				{Kind: MatchPhrase, Phrase: []string{"turn", "up"}, Weight: 0.2},
				{Kind: MatchPhrase, Phrase: []string{"turn", "down"}, Weight: 0.2},
			},
			Slots: []SlotSpec{
				{Name: "level", Kind: ExtractRegexGroup, Regex: levelRegex, NumericRanged: true, Min: 0, Max: 100},
				{Name: "delta_up", Kind: ExtractRegexGroup, Regex: deltaUpRegex},
				{Name: "delta_down", Kind: ExtractRegexGroup, Regex: deltaDownRegex},
			},
		},
		{
			Name: models.IntentSwitchAudio,
			Matchers: []Matcher{
				{Kind: MatchPhrase, Phrase: []string{"switch", "audio"}, Weight: 0.5},
				{Kind: MatchPhrase, Phrase: []string{"switch", "to"}, Weight: 0.3},
				{Kind: MatchKeyword, Keyword: "speaker", Weight: 0.2},
			},
			Slots: []SlotSpec{
				{Name: "device", Kind: ExtractVocabulary, Vocabulary: []string{"speaker", "headphones", "tv", "phone"}},
			},
		},
		{
			Name: models.IntentSystemControl,
			Matchers: []Matcher{
				{Kind: MatchRegex, Regex: systemActionRegex, Weight: 1.0},
				{Kind: MatchKeyword, Keyword: "system", Weight: 0.3},
			},
			Slots: []SlotSpec{
				{Name: "action", Kind: ExtractVocabulary, Vocabulary: []string{"shutdown", "restart", "reboot"}},
			},
		},
		{
			Name: models.IntentSmartHome,
			Matchers: []Matcher{
				{Kind: MatchRegex, Regex: homeDeviceRegex, Weight: 1.0},
				{Kind: MatchRegex, Regex: homeToggleRegex, Weight: 0.4},
				{Kind: MatchKeyword, Keyword: "set", Weight: 0.2},
			},
			Slots: []SlotSpec{
				{Name: "device", Kind: ExtractVocabulary, Vocabulary: []string{"lights", "light", "thermostat", "lock", "fan"}},
				{Name: "state", Kind: ExtractVocabulary, Vocabulary: []string{"on", "off"}},
			},
		},
		{
			Name: models.IntentCommunication,
			Matchers: []Matcher{
				{Kind: MatchRegex, Regex: commVerbRegex, Weight: 1.0},
				{Kind: MatchKeyword, Keyword: "send", Weight: 0.3},
			},
			Slots: []SlotSpec{
				{Name: "contact", Kind: ExtractAnchorTail, Anchor: "call"},
			},
		},
		{
			Name: models.IntentNavigation,
			Matchers: []Matcher{
				{Kind: MatchRegex, Regex: navWordRegex, Weight: 1.0},
				{Kind: MatchPhrase, Phrase: []string{"take", "me"}, Weight: 0.3},
			},
			Slots: []SlotSpec{
				{Name: "destination", Kind: ExtractAnchorTail, Anchor: "to"},
			},
		},
		{
			Name: models.IntentGPIOControl,
			Matchers: []Matcher{
				{Kind: MatchRegex, Regex: gpioWordRegex, Weight: 1.0},
				{Kind: MatchRegex, Regex: gpioActionRegex, Weight: 0.3},
				{Kind: MatchPhrase, Phrase: []string{"set", "pin"}, Weight: 0.2},
			},
			Slots: []SlotSpec{
				{Name: "pin", Kind: ExtractRegexGroup, Regex: pinRegex, NumericRanged: true, Min: 0, Max: 40},
				{Name: "action", Kind: ExtractVocabulary, Vocabulary: []string{"high", "low", "on", "off", "toggle"}},
				{Name: "value", Kind: ExtractRegexGroup, Regex: regexp.MustCompile(`value\s+(\d+)`)},
			},
		},
	}
}
