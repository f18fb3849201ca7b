package policy

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Reaper7531/gojo/internal/gojo/persona"
)

func TestSanitizeMemoryTag(t *testing.T) {
	cases := []struct {
		in       string
		wantText string
		wantKeep bool
	}{
		{"Hello there\n[REMEMBER]", "Hello there", true},
		{"Hello there\n[FORGET]", "Hello there", false},
		{"no tag at all", "no tag at all", false},
		{"[REMEMBER]", "", true},
		{"trailing space [FORGET]  ", "trailing space", false},
	}
	for _, tc := range cases {
		text, keep := SanitizeMemoryTag(tc.in)
		if text != tc.wantText || keep != tc.wantKeep {
			t.Errorf("SanitizeMemoryTag(%q): got (%q, %v), want (%q, %v)",
				tc.in, text, keep, tc.wantText, tc.wantKeep)
		}
	}
}

func TestApplyFallbackFilter_EmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n"} {
		got := ApplyFallbackFilter(in, 800)
		if got != confusedResponse {
			t.Errorf("ApplyFallbackFilter(%q): got %q, want confused line", in, got)
		}
	}
}

func TestApplyFallbackFilter_SafetyBlock(t *testing.T) {
	cases := []string{
		"Response was blocked due to SAFETY",
		"well, I can't talk about that",
		"I cannot help with this request",
	}
	for _, in := range cases {
		if got := ApplyFallbackFilter(in, 800); got != refusalResponse {
			t.Errorf("ApplyFallbackFilter(%q): got %q, want refusal line", in, got)
		}
	}
}

func TestApplyFallbackFilter_Truncation(t *testing.T) {
	in := strings.Repeat("a", 1000)
	got := ApplyFallbackFilter(in, 800)

	if len(got) != 800 {
		t.Errorf("truncated length: got %d, want exactly 800", len(got))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("truncated text should end with %q", truncationMarker)
	}
	if !strings.HasPrefix(got, "aaa") {
		t.Error("truncation should preserve the prefix")
	}
}

func TestApplyFallbackFilter_TruncationKeepsRunesIntact(t *testing.T) {
	in := strings.Repeat("é", 500) // two bytes per rune
	got := ApplyFallbackFilter(in, 800)

	if !utf8.ValidString(got) {
		t.Fatalf("truncated output is not valid UTF-8: %q", got[len(got)-8:])
	}
	if len(got) > 800 {
		t.Errorf("truncated length: got %d, want at most 800", len(got))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("truncated text should end with %q", truncationMarker)
	}
}

func TestApplyFallbackFilter_PassThroughAndIdempotent(t *testing.T) {
	in := "Yeah, obviously I'd win. Next question."

	once := ApplyFallbackFilter(in, 800)
	if once != in {
		t.Errorf("clean short text should pass through, got %q", once)
	}
	twice := ApplyFallbackFilter(once, 800)
	if twice != once {
		t.Errorf("filter not idempotent: %q then %q", once, twice)
	}
}

func TestApplyFallbackFilter_DefaultLimit(t *testing.T) {
	in := strings.Repeat("b", DefaultMaxResponseLength+100)
	got := ApplyFallbackFilter(in, 0)
	if len(got) != DefaultMaxResponseLength {
		t.Errorf("zero maxLength should use the default: got len %d", len(got))
	}
}

func TestPicker_DeterministicWithSeed(t *testing.T) {
	a := NewSeededPicker(42)
	b := NewSeededPicker(42)

	for i := range 10 {
		got, want := a.Offline(persona.IdentityDefault), b.Offline(persona.IdentityDefault)
		if got != want {
			t.Fatalf("pick %d diverged: %q vs %q", i, got, want)
		}
	}
}

func TestPicker_SelectsFromIdentitySet(t *testing.T) {
	p := NewSeededPicker(1)

	for range 20 {
		line := p.Offline(persona.IdentitySukuna)
		found := false
		for _, candidate := range offlineResponses[persona.IdentitySukuna] {
			if line == candidate {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("offline line %q not in the sukuna set", line)
		}
	}
}
