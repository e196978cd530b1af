package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/briefs/internal/retrieval"
	"github.com/kalambet/briefs/internal/storage"
)

const (
	testToken  = "test-token-12345"
	testPeerID = int64(42)
	testSecret = "test-signing-secret"
)

// --- mocks ---

type postedMessage struct {
	ChannelID string
	ThreadTS  string
	Text      string
}

type fakePoster struct {
	mu     sync.Mutex
	posted chan postedMessage
}

func newFakePoster() *fakePoster {
	return &fakePoster{posted: make(chan postedMessage, 8)}
}

func (p *fakePoster) PostMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted <- postedMessage{ChannelID: channelID, ThreadTS: threadTS, Text: text}
	return "1700000099.000001", nil
}

func (p *fakePoster) wait(t *testing.T) postedMessage {
	t.Helper()
	select {
	case m := <-p.posted:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for thread reply")
		return postedMessage{}
	}
}

type fakeBriefer struct {
	answerFunc   func(ctx context.Context, question string, msgs []storage.Message, facts []string) (string, error)
	callPrepFunc func(ctx context.Context, msgs []storage.Message, now time.Time) (string, error)
}

func (f *fakeBriefer) Answer(ctx context.Context, question string, msgs []storage.Message, facts []string) (string, error) {
	if f.answerFunc == nil {
		return "stub answer", nil
	}
	return f.answerFunc(ctx, question, msgs, facts)
}

func (f *fakeBriefer) CallPrep(ctx context.Context, msgs []storage.Message, now time.Time) (string, error) {
	if f.callPrepFunc == nil {
		return "stub prep", nil
	}
	return f.callPrepFunc(ctx, msgs, now)
}

// --- helpers ---

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	poster  *fakePoster
	briefer *fakeBriefer
}

func setupHandler(t *testing.T, skipVerify bool) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	poster := newFakePoster()
	briefer := &fakeBriefer{}
	handler := NewHandler(Deps{
		Store:         store,
		Retriever:     retrieval.NewRetriever(store.DB()),
		Briefer:       briefer,
		Slack:         poster,
		Token:         testToken,
		PeerID:        testPeerID,
		Location:      time.UTC,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SigningSecret: testSecret,
		SkipVerify:    skipVerify,
	})
	return testEnv{handler: handler, store: store, poster: poster, briefer: briefer}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func mustSaveSummary(t *testing.T, store *storage.Store, channelID, threadTS string) {
	t.Helper()
	err := store.SaveSummary(storage.PostedSummary{
		PostedAt:  time.Now().UTC(),
		ChannelID: channelID,
		ThreadTS:  threadTS,
		DateLabel: "1/1/26",
		Text:      "Date: 1/1/26\n\n- quiet day",
	})
	if err != nil {
		t.Fatalf("SaveSummary failed: %v", err)
	}
}

// --- tests ---

func TestHealth(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestIngest_Batch(t *testing.T) {
	env := setupHandler(t, true)

	body := `{"peer_id":42,"messages":[
		{"msg_id":1,"ts_utc":"2026-01-01T10:00:00Z","from_me":false,"text":"hi"},
		{"msg_id":2,"ts_utc":"2026-01-01T10:01:00Z","from_me":true,"text":"hello"}
	]}`
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["received"] != 2 || resp["inserted"] != 2 {
		t.Errorf("resp = %v, want received=2 inserted=2", resp)
	}

	// Re-ingesting the same batch is a no-op.
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", body, testToken))
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["inserted"] != 0 {
		t.Errorf("inserted = %d after duplicate batch, want 0", resp["inserted"])
	}

	n, err := env.store.CountMessages(testPeerID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("CountMessages = %d, want 2", n)
	}
}

func TestIngest_Validation(t *testing.T) {
	env := setupHandler(t, true)

	cases := []struct {
		name string
		body string
	}{
		{"missing peer_id", `{"messages":[{"msg_id":1,"ts_utc":"2026-01-01T10:00:00Z","text":"x"}]}`},
		{"empty messages", `{"peer_id":42,"messages":[]}`},
		{"missing ts", `{"peer_id":42,"messages":[{"msg_id":1,"text":"x"}]}`},
		{"bad ts", `{"peer_id":42,"messages":[{"msg_id":1,"ts_utc":"yesterday","text":"x"}]}`},
		{"not json", `peer_id=42`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", tc.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestIngest_RequiresAuth(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", `{}`, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", `{}`, "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestFacts_AddAndList(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/facts", `{"author":"U1","text":"prefers mornings"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/facts", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var facts []storage.Fact
	if err := json.NewDecoder(rr.Body).Decode(&facts); err != nil {
		t.Fatalf("decoding facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Text != "prefers mornings" {
		t.Errorf("facts = %+v", facts)
	}
	if facts[0].Source != "manual" || facts[0].Confidence != "high" {
		t.Errorf("defaults not applied: %+v", facts[0])
	}
}

func TestFacts_TextRequired(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/facts", `{"author":"U1"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCalls_Record(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/calls", `{"notes":"quick sync","occurred_utc":"2026-01-05T09:00:00Z"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	marker, err := env.store.LatestCallMarker()
	if err != nil {
		t.Fatalf("LatestCallMarker: %v", err)
	}
	if marker.Notes != "quick sync" {
		t.Errorf("notes = %q", marker.Notes)
	}
	if got := marker.OccurredAt.Format(storage.TimeLayout); got != "2026-01-05T09:00:00Z" {
		t.Errorf("occurred = %q", got)
	}
}

func TestLatestSummary_Endpoint(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/summaries/latest?channel_id=C1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status before post = %d, want %d", rr.Code, http.StatusNotFound)
	}

	mustSaveSummary(t, env.store, "C1", "1700000000.000100")

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/summaries/latest?channel_id=C1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var sum storage.PostedSummary
	if err := json.NewDecoder(rr.Body).Decode(&sum); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if sum.ThreadTS != "1700000000.000100" {
		t.Errorf("thread_ts = %q", sum.ThreadTS)
	}
}

func TestLatestSummary_ChannelIDRequired(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/summaries/latest", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestPostDailySummary_Enqueues(t *testing.T) {
	env := setupHandler(t, true)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/summaries/daily", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Errorf("resp = %v", resp)
	}

	job, err := env.store.ClaimNextJob([]string{"post_daily_summary"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no job claimed")
	}
	if job.ID != resp["id"] {
		t.Errorf("job.ID = %q, want %q", job.ID, resp["id"])
	}
}
