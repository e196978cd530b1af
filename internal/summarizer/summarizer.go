// Package summarizer turns stored chat history into model-written reports:
// short answers to questions, call-prep briefings, and the daily summary.
package summarizer

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kalambet/briefs/internal/llm"
	"github.com/kalambet/briefs/internal/storage"
)

//go:embed style.txt
var defaultStyle string

const (
	// Transcript budgets keep prompts bounded on long histories.
	transcriptLimit    = 400
	callLineLimit      = 200
	answerMessageLimit = 250
	answerFactLimit    = 100

	// Reports longer than this get a second shortening pass.
	maxReportWords = 250

	answerSystemPrompt = "Answer concisely (≤ 80 words) based ONLY on the context below. If not in context, say you don't have that info. Plain English. No emojis."
	shortenPrompt      = "Shorten to ≤250 words. Keep EXACT same format and meaning."
)

// callKeys flags transcript lines worth surfacing separately in the
// call-prep and daily prompts: scheduling, booking, and call talk.
var callKeys = []string{
	"call", "video", "private", "stream", "record",
	"book", "booked", "confirm", "confirmed",
	"resched", "reschedule", "cancel", "canceled",
	"time", "am", "pm", "o'clock", "tomorrow", "today",
}

// ChatClient is the slice of the LLM client the summarizer needs.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, temperature float64) (string, error)
}

// Summarizer drives report generation against a chat completion model.
type Summarizer struct {
	chat  ChatClient
	model string
	loc   *time.Location
	style string
}

// New creates a summarizer using the embedded style template. loc is the
// timezone used for date labels; nil means UTC.
func New(chat ChatClient, model string, loc *time.Location) *Summarizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Summarizer{
		chat:  chat,
		model: model,
		loc:   loc,
		style: defaultStyle,
	}
}

// LoadStyleFile replaces the embedded style template with the contents of
// path. The file may use the {date} placeholder.
func (s *Summarizer) LoadStyleFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading style file: %w", err)
	}
	s.style = string(data)
	return nil
}

// DateLabel formats now in the configured timezone as D/M/YY without
// leading zeros.
func (s *Summarizer) DateLabel(now time.Time) string {
	local := now.In(s.loc)
	return fmt.Sprintf("%d/%d/%s", local.Day(), int(local.Month()), local.Format("06"))
}

// Answer responds to a free-form question using recent messages and stored
// facts as the only context.
func (s *Summarizer) Answer(ctx context.Context, question string, msgs []storage.Message, facts []string) (string, error) {
	if len(msgs) > answerMessageLimit {
		msgs = msgs[len(msgs)-answerMessageLimit:]
	}
	if len(facts) > answerFactLimit {
		facts = facts[len(facts)-answerFactLimit:]
	}

	var lines []string
	for _, m := range msgs {
		lines = append(lines, transcriptLine(m))
	}
	factBlock := "(none)"
	if len(facts) > 0 {
		var b []string
		for _, f := range facts {
			b = append(b, "- "+f)
		}
		factBlock = strings.Join(b, "\n")
	}

	userPrompt := fmt.Sprintf(`Context — recent messages:
%s

Context — stored facts:
%s

Question: %s
Give a short answer in one or two sentences.`, strings.Join(lines, "\n"), factBlock, question)

	return s.chat.Chat(ctx, s.model, []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: userPrompt},
	}, 0.2)
}

// CallPrep writes a briefing over the messages since the last call.
func (s *Summarizer) CallPrep(ctx context.Context, msgs []storage.Message, now time.Time) (string, error) {
	empty := fmt.Sprintf("Date: %s\n\n- No new messages since last call.\n\nAny privates/ calls?\n- None mentioned.", s.DateLabel(now))
	return s.report(ctx, "Here are messages since the last call (UTC):", empty, msgs, now)
}

// Daily writes the daily summary over today's messages.
func (s *Summarizer) Daily(ctx context.Context, msgs []storage.Message, now time.Time) (string, error) {
	empty := fmt.Sprintf("Date: %s\n\n- No significant messages today.\n\nAny privates/ calls?\n- None mentioned.", s.DateLabel(now))
	return s.report(ctx, "Here are today's messages (UTC):", empty, msgs, now)
}

func (s *Summarizer) report(ctx context.Context, preamble, emptyReport string, msgs []storage.Message, now time.Time) (string, error) {
	if len(msgs) == 0 {
		return emptyReport, nil
	}

	var lines, callLines []string
	for _, m := range msgs {
		line := transcriptLine(m)
		lines = append(lines, line)
		if containsCallKey(line) {
			callLines = append(callLines, line)
		}
	}
	if len(lines) > transcriptLimit {
		lines = lines[len(lines)-transcriptLimit:]
	}
	if len(callLines) > callLineLimit {
		callLines = callLines[len(callLines)-callLineLimit:]
	}

	callBlock := "(none)"
	if len(callLines) > 0 {
		callBlock = strings.Join(callLines, "\n")
	}

	style := strings.ReplaceAll(s.style, "{date}", s.DateLabel(now))
	userPrompt := fmt.Sprintf("%s\n\n%s\n\nCall-related lines only (filtered):\n%s\n\nWrite the report now, following the layout and rules exactly.",
		preamble, strings.Join(lines, "\n"), callBlock)

	out, err := s.chat.Chat(ctx, s.model, []llm.Message{
		{Role: "system", Content: style},
		{Role: "user", Content: userPrompt},
	}, 0.2)
	if err != nil {
		return "", err
	}

	if wordCount(out) > maxReportWords {
		out, err = s.chat.Chat(ctx, s.model, []llm.Message{
			{Role: "system", Content: shortenPrompt},
			{Role: "user", Content: out},
		}, 0)
		if err != nil {
			return "", err
		}
	}

	return out, nil
}

func transcriptLine(m storage.Message) string {
	who := "OTHER"
	if m.FromMe {
		who = "SELF"
	}
	return fmt.Sprintf("%s — %s: %s", m.TS, who, cleanText(m.Text))
}

func cleanText(t string) string {
	t = strings.NewReplacer("\n", " ", "\r", " ").Replace(t)
	return strings.Join(strings.Fields(t), " ")
}

func containsCallKey(line string) bool {
	low := strings.ToLower(line)
	for _, k := range callKeys {
		if strings.Contains(low, k) {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
