package retrieval

import (
	"errors"
	"strings"
	"unicode"
)

// Small, opinionated expansions to make natural queries hit the SQLite LIKE
// searches. Only a handful of high-signal terms are expanded and the lists
// are kept short so the query remains fast.
var expansions = map[string][]string{
	"call":     {"call", "calls", "phone call", "video call", "vc"},
	"video":    {"video", "video call", "vc", "zoom"},
	"private":  {"private", "privates", "private session"},
	"stream":   {"stream", "streaming", "live"},
	"book":     {"book", "booked", "booking", "schedule"},
	"confirm":  {"confirm", "confirmed", "confirmation"},
	"resched":  {"resched", "reschedule", "rescheduled", "rescheduling"},
	"cancel":   {"cancel", "cancelled", "canceled", "cancellation"},
	"time":     {"time", "what time", "when"},
	"tomorrow": {"tomorrow", "tmrw"},
	"today":    {"today", "tonight"},
	"deposit":  {"deposit", "pay", "payment", "paid"},
	"meeting":  {"meeting", "meet", "catch up"},
	"record":   {"record", "recorded", "recording"},
}

// ExpandQuery tokenizes raw (phrase-aware, so quoted phrases stay intact),
// expands each token through the synonym table, and returns the expanded
// terms de-duplicated case-insensitively in first-seen order.
func ExpandQuery(raw string) []string {
	tokens := tokenize(raw)

	var expanded []string
	for _, tok := range tokens {
		if syns, ok := expansions[strings.ToLower(tok)]; ok {
			expanded = append(expanded, syns...)
		} else {
			expanded = append(expanded, tok)
		}
	}

	// If expansion produced nothing (shouldn't happen for a non-empty token
	// list) fall back to the original tokens to keep behaviour predictable.
	candidates := expanded
	if len(candidates) == 0 {
		candidates = tokens
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// tokenize splits raw on whitespace while keeping quoted phrases together,
// so `"video call" tomorrow` yields ["video call", "tomorrow"]. Malformed
// quoting degrades to a plain whitespace split.
func tokenize(raw string) []string {
	toks, err := splitQuoted(raw)
	if err != nil {
		toks = strings.Fields(raw)
	}

	out := toks[:0]
	for _, t := range toks {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

var errUnterminatedQuote = errors.New("unterminated quote")

func splitQuoted(raw string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	var quote rune // 0 when outside quotes
	inToken := false

	flush := func() {
		if inToken {
			toks = append(toks, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	flush()
	return toks, nil
}
