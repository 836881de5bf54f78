package nlp

import (
	"regexp"
	"strconv"

	"github.com/voicecore/orchestrator/pkg/models"
)

// SlotExtractorKind is one of the three slot extraction strategies.
type SlotExtractorKind int

const (
	ExtractAnchorTail SlotExtractorKind = iota
	ExtractRegexGroup
	ExtractVocabulary
)

// SlotSpec declares one parameter slot and how to pull it out of
// normalized text.
type SlotSpec struct {
	Name string
	Kind SlotExtractorKind

	// ExtractAnchorTail: the literal token that precedes the value, e.g.
	// "play" in "play jazz" -> genre=jazz. Tail takes everything after
	// the anchor up to the next anchor/end (single-token tail here).
	Anchor string

	// ExtractRegexGroup: first capture group is the raw value.
	Regex *regexp.Regexp

	// ExtractVocabulary: closed set of accepted values; first
	// left-to-right token match wins.
	Vocabulary []string

	// Numeric range validation, applied after extraction regardless of
	// extractor kind, only when NumericRanged is set; the inclusive
	// bounds are [Min, Max].
	Min, Max       int
	NumericRanged  bool
}

// extractSlots runs every declared slot extractor for spec against the
// normalized text, attaching __errors markers for out-of-range
// numerics.
func extractSlots(spec IntentSpec, normalized string, tokens []string) map[string]any {
	params := map[string]any{}
	var errs []string

	for _, slot := range spec.Slots {
		raw, found := extractOne(slot, normalized, tokens)
		if !found {
			continue // missing required slot: omitted, not an error
		}
		if slot.NumericRanged {
			n, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, slot.Name+": not numeric")
				params[slot.Name] = raw
				continue
			}
			if n < slot.Min || n > slot.Max {
				errs = append(errs, slot.Name+": out of range")
				params[slot.Name] = raw
				continue
			}
			params[slot.Name] = raw
			continue
		}
		params[slot.Name] = raw
	}

	if len(errs) > 0 {
		params[models.ParamErrorsKey] = errs
	}
	return params
}

func extractOne(slot SlotSpec, normalized string, tokens []string) (string, bool) {
	switch slot.Kind {
	case ExtractAnchorTail:
		return extractAnchorTail(slot.Anchor, tokens)
	case ExtractRegexGroup:
		return extractRegexGroup(slot.Regex, normalized)
	case ExtractVocabulary:
		return extractVocabulary(slot.Vocabulary, tokens)
	default:
		return "", false
	}
}

func extractAnchorTail(anchor string, tokens []string) (string, bool) {
	for i, t := range tokens {
		if t == anchor && i+1 < len(tokens) {
			return tokens[i+1], true
		}
	}
	return "", false
}

func extractRegexGroup(re *regexp.Regexp, normalized string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindStringSubmatch(normalized)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func extractVocabulary(vocab []string, tokens []string) (string, bool) {
	for _, t := range tokens {
		for _, v := range vocab {
			if t == v {
				return v, true
			}
		}
	}
	return "", false
}
