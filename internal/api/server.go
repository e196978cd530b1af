// Package api exposes the briefing service over HTTP: Slack slash commands,
// plain-text question/call-prep endpoints, and a bearer-authed management
// surface for ingestion, facts, call markers, and summaries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/briefs/internal/retrieval"
	"github.com/kalambet/briefs/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Briefer is the slice of the summarizer the API layer needs.
type Briefer interface {
	Answer(ctx context.Context, question string, msgs []storage.Message, facts []string) (string, error)
	CallPrep(ctx context.Context, msgs []storage.Message, now time.Time) (string, error)
}

// MessagePoster abstracts posting to the team-chat platform.
type MessagePoster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)
}

type Deps struct {
	Store     *storage.Store
	Retriever *retrieval.Retriever
	Briefer   Briefer
	Slack     MessagePoster
	Token     string
	PeerID    int64
	Location  *time.Location
	Logger    *slog.Logger

	SigningSecret string
	SkipVerify    bool

	// SearchLimit and FallbackHours override the retrieval defaults when
	// positive.
	SearchLimit   int
	FallbackHours int
}

func (d Deps) searchLimit() int {
	if d.SearchLimit > 0 {
		return d.SearchLimit
	}
	return retrieval.DefaultSearchLimit
}

func (d Deps) fallbackHours() int {
	if d.FallbackHours > 0 {
		return d.FallbackHours
	}
	return retrieval.DefaultFallbackHours
}

// NewHandler builds the service router. Slack-facing and plain-text
// endpoints are public (Slack requests carry their own signature); the
// management endpoints require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/slack/command", handleSlackCommand(deps))
	r.Post("/question", handleQuestion(deps))
	r.Post("/callprep", handleCallPrep(deps))

	r.Group(func(pr chi.Router) {
		pr.Use(BearerAuth(deps.Token))
		pr.Post("/ingest", handleIngest(deps))
		pr.Get("/facts", handleListFacts(deps))
		pr.Post("/facts", handleAddFact(deps))
		pr.Post("/calls", handleMarkCall(deps))
		pr.Get("/summaries/latest", handleLatestSummary(deps))
		pr.Post("/summaries/daily", handlePostDailySummary(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type IngestMessage struct {
	MsgID  int64  `json:"msg_id"`
	TS     string `json:"ts_utc"`
	FromMe bool   `json:"from_me"`
	Text   string `json:"text"`
}

type IngestRequest struct {
	PeerID   int64           `json:"peer_id"`
	Messages []IngestMessage `json:"messages"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PeerID == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "peer_id is required")
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		msgs := make([]storage.Message, 0, len(req.Messages))
		for i, m := range req.Messages {
			if m.TS == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "messages[%d]: ts_utc is required", i)
				return
			}
			if _, err := retrieval.ParseStoredTime(m.TS); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "messages[%d]: invalid ts_utc: %v", i, err)
				return
			}
			msgs = append(msgs, storage.Message{
				PeerID: req.PeerID,
				MsgID:  m.MsgID,
				TS:     m.TS,
				FromMe: m.FromMe,
				Text:   m.Text,
			})
		}

		inserted, err := deps.Store.InsertMessages(msgs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save messages: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"received": len(msgs),
			"inserted": inserted,
		})
	}
}

func handleListFacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		facts, err := deps.Store.ListFacts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list facts: %v", err)
			return
		}
		if facts == nil {
			facts = []storage.Fact{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(facts)
	}
}

type addFactRequest struct {
	Author     string `json:"author"`
	Text       string `json:"text"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

func handleAddFact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req addFactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		fact := storage.Fact{
			CreatedAt:  time.Now().UTC(),
			Author:     req.Author,
			Text:       req.Text,
			Source:     req.Source,
			Confidence: req.Confidence,
		}
		if err := deps.Store.InsertFact(fact); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save fact: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "created"})
	}
}

type markCallRequest struct {
	OccurredAt string `json:"occurred_utc"`
	Source     string `json:"source"`
	Notes      string `json:"notes"`
}

func handleMarkCall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req markCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		occurred := time.Now().UTC()
		if req.OccurredAt != "" {
			parsed, err := retrieval.ParseStoredTime(req.OccurredAt)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid occurred_utc: %v", err)
				return
			}
			occurred = parsed
		}

		marker := storage.CallMarker{
			OccurredAt: occurred,
			Source:     req.Source,
			Notes:      req.Notes,
		}
		if err := deps.Store.InsertCallMarker(marker); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save call marker: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

func handleLatestSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		if channelID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel_id is required")
			return
		}

		sum, err := deps.Store.LatestSummaryForChannel(channelID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no summary posted to this channel yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get summary: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sum)
	}
}

func handlePostDailySummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        "post_daily_summary",
			PayloadJSON: "{}",
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     job.ID,
			"status": "queued",
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
