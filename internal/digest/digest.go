// Package digest renders deterministic, LLM-free text digests of message
// windows and search hits. It is the fallback surface behind the plain-text
// endpoints: no network, no model, same input same output.
package digest

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/briefs/internal/retrieval"
	"github.com/kalambet/briefs/internal/storage"
)

const (
	// EmptyWindowMessage is returned verbatim for an empty window.
	EmptyWindowMessage = "No messages in the chosen window."
	// NoHitsMessage is returned verbatim when a search found nothing.
	NoHitsMessage = "**Conclusion:** I couldn't find anything relevant."

	snippetBudget    = 180
	conclusionBudget = 220

	windowSize     = 40
	maxContext     = 10
	maxActionItems = 5
	maxEvidence    = 6

	oldHitAge = 60 * 24 * time.Hour
)

// actionKeywords flags a message as an action item rather than context.
var actionKeywords = []string{"todo", "action", "next", "please", "due", "deadline"}

// SummarizeWindow renders the call-prep digest for a window of messages
// (oldest first, as returned by the retrieval layer).
func SummarizeWindow(msgs []storage.Message) string {
	if len(msgs) == 0 {
		return EmptyWindowMessage
	}

	if len(msgs) > windowSize {
		msgs = msgs[len(msgs)-windowSize:]
	}

	var context, actions []string
	for _, m := range msgs {
		s := Snip(m.Text, snippetBudget)
		line := fmt.Sprintf("- [%s] %s", speaker(m.FromMe), s)
		if isActionItem(s) {
			actions = append(actions, line)
		} else {
			context = append(context, line)
		}
	}

	out := []string{
		"**Call Prep**",
		"*Recent context since last call/private/video (or 48h fallback):*",
	}
	if len(context) == 0 {
		out = append(out, "- (quiet thread)")
	} else {
		if len(context) > maxContext {
			context = context[:maxContext]
		}
		out = append(out, context...)
	}
	if len(actions) > 0 {
		out = append(out, "\n**Today's action items**")
		if len(actions) > maxActionItems {
			actions = actions[:maxActionItems]
		}
		out = append(out, actions...)
	}
	return strings.Join(out, "\n")
}

// SynthesizeAnswer renders a conclusion plus evidence lines from search hits
// (most recent first, as returned by the retriever). loc controls how dates
// are displayed; pass nil for UTC.
func SynthesizeAnswer(query string, hits []storage.Message, loc *time.Location) string {
	if len(hits) == 0 {
		return NoHitsMessage
	}

	top := hits[0]
	conclusion := Snip(top.Text, conclusionBudget)
	note := oldNote(top.TS, loc)

	lines := make([]string, 0, maxEvidence+1)
	lines = append(lines, fmt.Sprintf("**Conclusion%s:** %s", note, conclusion))
	for _, h := range hits {
		if len(lines) > maxEvidence {
			break
		}
		lines = append(lines, fmt.Sprintf("[%s, %s] \"%s\"", localDate(h.TS, loc), speaker(h.FromMe), Snip(h.Text, snippetBudget)))
	}
	return strings.Join(lines, "\n")
}

// Snip normalizes whitespace (newlines and runs of spaces collapse to single
// spaces) and hard-truncates to budget runes with an ellipsis when cut.
func Snip(text string, budget int) string {
	t := strings.Join(strings.Fields(text), " ")
	runes := []rune(t)
	if len(runes) <= budget {
		return t
	}
	return string(runes[:budget]) + "…"
}

func isActionItem(cleaned string) bool {
	low := strings.ToLower(cleaned)
	for _, k := range actionKeywords {
		if strings.Contains(low, k) {
			return true
		}
	}
	return false
}

func speaker(fromMe bool) string {
	if fromMe {
		return "SELF"
	}
	return "OTHER"
}

// localDate renders a stored timestamp as a short human date ("2 Jun 2025")
// in loc. Unparsable timestamps fall back to the current date.
func localDate(ts string, loc *time.Location) string {
	t, err := retrieval.ParseStoredTime(ts)
	if err != nil {
		t = time.Now().UTC()
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2 Jan 2006")
}

// oldNote returns a parenthetical original-date annotation when the hit is
// older than 60 days, and "" otherwise (or when the timestamp is unusable).
func oldNote(ts string, loc *time.Location) string {
	t, err := retrieval.ParseStoredTime(ts)
	if err != nil {
		return ""
	}
	if time.Since(t) > oldHitAge {
		return fmt.Sprintf(" (from %s)", localDate(ts, loc))
	}
	return ""
}
