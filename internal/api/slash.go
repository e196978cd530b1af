package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/briefs/internal/digest"
	"github.com/kalambet/briefs/internal/slack"
	"github.com/kalambet/briefs/internal/storage"
)

const (
	// Slack expects the slash-command ack within 3 seconds, so the real
	// work runs in the background and replies in the thread.
	asyncTimeout = 2 * time.Minute

	// Lookback for /question context and the call-prep fallback when no
	// call has ever been marked.
	questionLookback    = 90 * 24 * time.Hour
	callMarkerFallback  = 14 * 24 * time.Hour
	plainFailureMessage = "Sorry, something went wrong."
)

func handleSlackCommand(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: %v", err)
			return
		}

		if !deps.SkipVerify {
			ts := r.Header.Get("X-Slack-Request-Timestamp")
			sig := r.Header.Get("X-Slack-Signature")
			if !slack.VerifySignature(deps.SigningSecret, ts, sig, body) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid form body: %v", err)
			return
		}
		command := strings.TrimSpace(form.Get("command"))
		text := strings.TrimSpace(form.Get("text"))
		userID := strings.TrimSpace(form.Get("user_id"))
		channelID := strings.TrimSpace(form.Get("channel_id"))

		latest, err := deps.Store.LatestSummaryForChannel(channelID)
		if errors.Is(err, storage.ErrNotFound) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response_type":"ephemeral","text":"I couldn't find today's summary thread here yet. Post the daily summary first."}`))
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to look up summary thread: %v", err)
			return
		}
		threadTS := latest.ThreadTS

		switch command {
		case "/update":
			go runUpdate(deps, channelID, threadTS, userID, text)
			ack(w, "Saving… will reply in thread.")
		case "/question":
			go runQuestion(deps, channelID, threadTS, text)
			ack(w, "Working… will reply in thread.")
		case "/callprep", "/call-prep":
			go runCallPrep(deps, channelID, threadTS)
			ack(w, "Preparing… will reply in thread.")
		case "/markcall":
			go runMarkCall(deps, channelID, threadTS, text)
			ack(w, "Marked… will reply in thread.")
		default:
			ack(w, fmt.Sprintf("Unknown command: %s", command))
		}
	}
}

func ack(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func postInThread(ctx context.Context, deps Deps, channelID, threadTS, text string) {
	if _, err := deps.Slack.PostMessage(ctx, channelID, threadTS, text); err != nil {
		deps.Logger.Error("thread reply failed", "channel_id", channelID, "error", err)
	}
}

func runUpdate(deps Deps, channelID, threadTS, userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()

	fact := storage.Fact{
		CreatedAt:  time.Now().UTC(),
		Author:     userID,
		Text:       text,
		Source:     "manual",
		Confidence: "high",
	}
	if err := deps.Store.InsertFact(fact); err != nil {
		deps.Logger.Error("saving fact failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, I couldn't save that fact.")
		return
	}
	postInThread(ctx, deps, channelID, threadTS, fmt.Sprintf("✔ Added fact: %s", text))
}

func runQuestion(deps Deps, channelID, threadTS, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()

	since := time.Now().UTC().Add(-questionLookback)
	msgs, err := deps.Store.MessagesSince(deps.PeerID, since)
	if err != nil {
		deps.Logger.Error("loading messages failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, I couldn't answer that.")
		return
	}
	facts, err := deps.Store.ListFacts()
	if err != nil {
		deps.Logger.Error("loading facts failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, I couldn't answer that.")
		return
	}
	factTexts := make([]string, len(facts))
	for i, f := range facts {
		factTexts[i] = f.Text
	}

	answer, err := deps.Briefer.Answer(ctx, question, msgs, factTexts)
	if err != nil {
		deps.Logger.Error("answer generation failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, I couldn't answer that.")
		return
	}
	postInThread(ctx, deps, channelID, threadTS, fmt.Sprintf("*Q:* %s\n*A:* %s", question, answer))
}

func runCallPrep(deps Deps, channelID, threadTS string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()

	since := time.Now().UTC().Add(-callMarkerFallback)
	marker, err := deps.Store.LatestCallMarker()
	switch {
	case err == nil:
		since = marker.OccurredAt
	case !errors.Is(err, storage.ErrNotFound):
		deps.Logger.Error("loading call marker failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, call prep failed.")
		return
	}

	msgs, err := deps.Store.MessagesSince(deps.PeerID, since)
	if err != nil {
		deps.Logger.Error("loading messages failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, call prep failed.")
		return
	}

	prep, err := deps.Briefer.CallPrep(ctx, msgs, time.Now())
	if err != nil {
		deps.Logger.Error("call prep generation failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, call prep failed.")
		return
	}
	postInThread(ctx, deps, channelID, threadTS, fmt.Sprintf("*Call prep (since last call)*\n%s", prep))
}

func runMarkCall(deps Deps, channelID, threadTS, note string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()

	note = strings.TrimSpace(note)
	marker := storage.CallMarker{
		OccurredAt: time.Now().UTC(),
		Source:     "manual",
		Notes:      note,
	}
	if err := deps.Store.InsertCallMarker(marker); err != nil {
		deps.Logger.Error("saving call marker failed", "error", err)
		postInThread(ctx, deps, channelID, threadTS, "Sorry, I couldn't mark the call.")
		return
	}
	msg := "✔ Marked last call as now (UTC)."
	if note != "" {
		msg += fmt.Sprintf(" Note: %s", note)
	}
	postInThread(ctx, deps, channelID, threadTS, msg)
}

// handleQuestion answers a question from retrieval hits alone, without the
// language model. Failures never leak details to the caller.
func handleQuestion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			plainFailure(w)
			return
		}
		text := r.PostFormValue("text")
		deps.Logger.Info("question received", "user", r.PostFormValue("user_name"), "text", text)

		hits := deps.Retriever.Search(r.Context(), text, deps.searchLimit())
		answer := digest.SynthesizeAnswer(text, hits, deps.Location)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(answer))
	}
}

// handleCallPrep builds the heuristic call-prep digest from the window
// since the last call-like message.
func handleCallPrep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			plainFailure(w)
			return
		}
		deps.Logger.Info("call prep requested", "user", r.PostFormValue("user_name"))

		start := deps.Retriever.LastCallAnchor(r.Context(), deps.fallbackHours())
		rows := deps.Retriever.Window(r.Context(), deps.PeerID, start)
		summary := digest.SummarizeWindow(rows)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(summary))
	}
}

func plainFailure(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(plainFailureMessage))
}
