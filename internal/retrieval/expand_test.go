package retrieval

import (
	"reflect"
	"strings"
	"testing"
)

func TestExpandQueryKnownTerm(t *testing.T) {
	got := ExpandQuery("call")
	want := []string{"call", "calls", "phone call", "video call", "vc"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandQuery(call) = %v, want %v", got, want)
	}
}

func TestExpandQueryUnknownTermExpandsToItself(t *testing.T) {
	got := ExpandQuery("birthday")
	if !reflect.DeepEqual(got, []string{"birthday"}) {
		t.Errorf("ExpandQuery(birthday) = %v", got)
	}
}

func TestExpandQueryEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		if got := ExpandQuery(raw); len(got) != 0 {
			t.Errorf("ExpandQuery(%q) = %v, want empty", raw, got)
		}
	}
}

func TestExpandQueryQuotedPhrase(t *testing.T) {
	got := ExpandQuery(`"video call" tomorrow`)
	// The quoted phrase is one token; it has no table entry so it expands to
	// itself, and "tomorrow" expands through the table.
	want := []string{"video call", "tomorrow", "tmrw"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandQuery = %v, want %v", got, want)
	}
}

func TestExpandQueryMalformedQuoteFallsBack(t *testing.T) {
	got := ExpandQuery(`video "call tomorrow`)
	// Falls back to whitespace split; tokens still expand.
	if len(got) == 0 {
		t.Fatal("malformed quoting should degrade to whitespace split, got empty")
	}
	joined := strings.Join(got, "|")
	if !strings.Contains(joined, "zoom") || !strings.Contains(joined, "tmrw") {
		t.Errorf("expanded terms missing expected synonyms: %v", got)
	}
}

func TestExpandQueryDeduplicatesCaseInsensitive(t *testing.T) {
	got := ExpandQuery("call Call VC")
	seen := make(map[string]bool)
	for _, term := range got {
		key := strings.ToLower(term)
		if seen[key] {
			t.Errorf("duplicate term %q in %v", term, got)
		}
		seen[key] = true
	}
	// First-seen casing wins.
	if got[0] != "call" {
		t.Errorf("first term = %q, want original-case 'call'", got[0])
	}
}

// TestExpandQueryIdempotent verifies that re-expanding already-expanded terms
// does not grow the set beyond the original expansion order.
func TestExpandQueryIdempotent(t *testing.T) {
	first := ExpandQuery("call video")

	again := ExpandQuery(strings.Join(quoteAll(first), " "))
	// Every term of the first expansion must survive re-expansion with its
	// relative order intact.
	idx := 0
	for _, term := range again {
		if idx < len(first) && strings.EqualFold(term, first[idx]) {
			idx++
		}
	}
	if idx != len(first) {
		t.Errorf("re-expansion broke order: first=%v again=%v", first, again)
	}
}

func quoteAll(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = `"` + t + `"`
	}
	return out
}

func TestTokenizeMultiplePhrases(t *testing.T) {
	got := tokenize(`say 'phone call' and "video call"`)
	want := []string{"say", "phone call", "and", "video call"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tokenize = %v, want %v", got, want)
	}
}
