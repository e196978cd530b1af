package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("channel"); got != "C123" {
			t.Errorf("channel = %q", got)
		}
		if got := r.PostForm.Get("thread_ts"); got != "1700000000.000100" {
			t.Errorf("thread_ts = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1700000001.000200"})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("xoxb-test", srv.URL)
	ts, err := c.PostMessage(context.Background(), "C123", "1700000000.000100", "hello thread")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if ts != "1700000001.000200" {
		t.Errorf("ts = %q", ts)
	}
}

func TestPostMessageAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("t", srv.URL)
	if _, err := c.PostMessage(context.Background(), "C404", "", "x"); err == nil {
		t.Fatal("expected error for ok=false response")
	}
}

func TestFindChannelIDPaginates(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		switch r.PostForm.Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"ok":                true,
				"channels":          []map[string]string{{"id": "C1", "name": "general"}},
				"response_metadata": map[string]string{"next_cursor": "page2"},
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"ok":       true,
				"channels": []map[string]string{{"id": "C2", "name": "briefings"}},
			})
		default:
			t.Errorf("unexpected cursor %q", r.PostForm.Get("cursor"))
		}
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("t", srv.URL)
	id, err := c.FindChannelID(context.Background(), "briefings")
	if err != nil {
		t.Fatalf("FindChannelID: %v", err)
	}
	if id != "C2" {
		t.Errorf("id = %q", id)
	}
	if pages != 2 {
		t.Errorf("pages = %d, want 2", pages)
	}
}

func TestFindChannelIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "channels": []any{}})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("t", srv.URL)
	if _, err := c.FindChannelID(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestJoinChannelAlreadyMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "already_in_channel"})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("t", srv.URL)
	if err := c.JoinChannel(context.Background(), "C1"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
}

func TestJoinChannelOtherError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "is_archived"})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("t", srv.URL)
	if err := c.JoinChannel(context.Background(), "C1"); err == nil {
		t.Fatal("expected error for archived channel")
	}
}
