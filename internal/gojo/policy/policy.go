// Package policy post-processes generated text before it reaches the user.
// Everything here is a pure function of its inputs: safety-block detection,
// length truncation, memory-tag extraction. The only randomness lives in the
// Picker, which selects among fixed canned replies and takes a seedable
// source so tests can pin the choice.
package policy

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxResponseLength bounds the visible reply length when no explicit
// limit is configured.
const DefaultMaxResponseLength = 800

// truncationMarker terminates a reply that was cut at the length limit.
const truncationMarker = "..."

// confusedResponse replaces an empty generation result.
const confusedResponse = "Huh? That doesn't make any sense to me. My Six Eyes must be blurry."

// refusalResponse replaces output that tripped the provider's safety filter.
const refusalResponse = "Nah, not talking about that stuff. Too boring."

// blockedMarkers identify safety-filtered output. Matched by substring, the
// way the provider SDK phrases them.
var blockedMarkers = []string{
	"Response was blocked due to SAFETY",
	"I can't",
	"I cannot",
}

// SanitizeMemoryTag strips the trailing [REMEMBER]/[FORGET] sentinel from
// raw provider output and reports whether the exchange should be persisted.
// A missing tag means forget.
func SanitizeMemoryTag(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	remember := strings.HasSuffix(trimmed, "[REMEMBER]")
	trimmed = strings.TrimSuffix(trimmed, "[REMEMBER]")
	trimmed = strings.TrimSuffix(trimmed, "[FORGET]")
	return strings.TrimSpace(trimmed), remember
}

// ApplyFallbackFilter turns raw generated text into the final visible reply:
//
//   - empty input → canned confused line
//   - safety-block phrasing → canned refusal line
//   - longer than maxLength → truncated to at most maxLength bytes, backed
//     up to a rune boundary, ending in the truncation marker
//   - otherwise → unchanged
//
// The function is idempotent for clean text at or under the limit.
func ApplyFallbackFilter(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxResponseLength
	}

	if strings.TrimSpace(text) == "" {
		return confusedResponse
	}

	for _, marker := range blockedMarkers {
		if strings.Contains(text, marker) {
			return refusalResponse
		}
	}

	if len(text) > maxLength {
		cut := maxLength - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		// A byte cut can land mid-rune; back up so the output stays
		// valid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + truncationMarker
	}

	return text
}
