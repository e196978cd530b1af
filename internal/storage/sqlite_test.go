package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestInsertMessageDuplicate inserts the same (peer_id, msg_id) twice and
// verifies exactly one row remains.
func TestInsertMessageDuplicate(t *testing.T) {
	s := openTestStore(t)

	m := Message{PeerID: 1, MsgID: 1, TS: "2025-06-01T10:00:00Z", FromMe: false, Text: "hello"}

	inserted, err := s.InsertMessage(m)
	if err != nil {
		t.Fatalf("first InsertMessage: %v", err)
	}
	if !inserted {
		t.Error("first insert should report inserted=true")
	}

	m.Text = "hello again"
	inserted, err = s.InsertMessage(m)
	if err != nil {
		t.Fatalf("second InsertMessage: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should report inserted=false")
	}

	count, err := s.CountMessages(1)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row, got %d", count)
	}

	// The original row must be untouched.
	msgs, err := s.MessagesSince(1, time.Time{})
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("duplicate insert mutated the row: %+v", msgs)
	}
}

func TestInsertMessagesBatch(t *testing.T) {
	s := openTestStore(t)

	batch := []Message{
		{PeerID: 7, MsgID: 1, TS: "2025-06-01T10:00:00Z", Text: "a"},
		{PeerID: 7, MsgID: 2, TS: "2025-06-01T10:01:00Z", FromMe: true, Text: "b"},
		{PeerID: 7, MsgID: 1, TS: "2025-06-01T10:00:00Z", Text: "a dup"},
	}
	inserted, err := s.InsertMessages(batch)
	if err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", inserted)
	}
}

func TestMessagesSinceOrdering(t *testing.T) {
	s := openTestStore(t)

	ts := []string{
		"2025-06-03T10:00:00Z",
		"2025-06-01T10:00:00Z",
		"2025-06-02T10:00:00Z",
	}
	for i, stamp := range ts {
		if _, err := s.InsertMessage(Message{PeerID: 1, MsgID: int64(i + 1), TS: stamp, Text: "m"}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	since, _ := time.Parse(time.RFC3339, "2025-06-01T00:00:00Z")
	msgs, err := s.MessagesSince(1, since)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].TS < msgs[i-1].TS {
			t.Errorf("messages not ascending by timestamp: %s before %s", msgs[i-1].TS, msgs[i].TS)
		}
	}

	// Window start excludes earlier rows.
	since, _ = time.Parse(time.RFC3339, "2025-06-02T00:00:00Z")
	msgs, err = s.MessagesSince(1, since)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages at or after window start, got %d", len(msgs))
	}
}

func TestMessagesSinceScopedToPeer(t *testing.T) {
	s := openTestStore(t)

	s.InsertMessage(Message{PeerID: 1, MsgID: 1, TS: "2025-06-01T10:00:00Z", Text: "mine"})
	s.InsertMessage(Message{PeerID: 2, MsgID: 1, TS: "2025-06-01T11:00:00Z", Text: "other peer"})

	msgs, err := s.MessagesSince(1, time.Time{})
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "mine" {
		t.Errorf("expected only peer 1 messages, got %+v", msgs)
	}
}

func TestFactsInsertionOrder(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"first", "second", "third"} {
		if err := s.InsertFact(Fact{Author: "U1", Text: text}); err != nil {
			t.Fatalf("InsertFact: %v", err)
		}
	}

	facts, err := s.ListFacts()
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("expected 3 facts, got %d", len(facts))
	}
	if facts[0].Text != "first" || facts[2].Text != "third" {
		t.Errorf("facts out of insertion order: %+v", facts)
	}
	if facts[0].Source != "manual" || facts[0].Confidence != "high" {
		t.Errorf("defaults not applied: source=%q confidence=%q", facts[0].Source, facts[0].Confidence)
	}
}

func TestLatestCallMarker(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestCallMarker(); err != ErrNotFound {
		t.Errorf("empty table: expected ErrNotFound, got %v", err)
	}

	t1, _ := time.Parse(time.RFC3339, "2025-06-01T10:00:00Z")
	t2, _ := time.Parse(time.RFC3339, "2025-06-05T10:00:00Z")
	s.InsertCallMarker(CallMarker{OccurredAt: t2, Notes: "latest"})
	s.InsertCallMarker(CallMarker{OccurredAt: t1, Notes: "older"})

	c, err := s.LatestCallMarker()
	if err != nil {
		t.Fatalf("LatestCallMarker: %v", err)
	}
	if c.Notes != "latest" {
		t.Errorf("expected most recent marker by occurred_utc, got %+v", c)
	}
	if !c.OccurredAt.Equal(t2) {
		t.Errorf("occurred_at mismatch: got %v want %v", c.OccurredAt, t2)
	}
}

func TestLatestCallMarkerTieBreak(t *testing.T) {
	s := openTestStore(t)

	ts, _ := time.Parse(time.RFC3339, "2025-06-01T10:00:00Z")
	s.InsertCallMarker(CallMarker{OccurredAt: ts, Notes: "a"})
	s.InsertCallMarker(CallMarker{OccurredAt: ts, Notes: "b"})

	c, err := s.LatestCallMarker()
	if err != nil {
		t.Fatalf("LatestCallMarker: %v", err)
	}
	if c.Notes != "b" {
		t.Errorf("equal timestamps should break ties by row id, got %q", c.Notes)
	}
}

func TestLatestSummaryForChannel(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestSummaryForChannel("C123"); err != ErrNotFound {
		t.Errorf("empty table: expected ErrNotFound, got %v", err)
	}

	old := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s.SaveSummary(PostedSummary{PostedAt: old, ChannelID: "C123", ThreadTS: "1.1", DateLabel: "1/6/25", Text: "old"})
	s.SaveSummary(PostedSummary{PostedAt: old.Add(24 * time.Hour), ChannelID: "C123", ThreadTS: "2.2", DateLabel: "2/6/25", Text: "new"})
	s.SaveSummary(PostedSummary{PostedAt: old.Add(48 * time.Hour), ChannelID: "C999", ThreadTS: "9.9", DateLabel: "3/6/25", Text: "other channel"})

	sum, err := s.LatestSummaryForChannel("C123")
	if err != nil {
		t.Fatalf("LatestSummaryForChannel: %v", err)
	}
	if sum.ThreadTS != "2.2" || sum.Text != "new" {
		t.Errorf("expected newest summary for channel, got %+v", sum)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-1", Type: "post_daily_summary", PayloadJSON: `{"channel":"general"}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{"post_daily_summary"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("expected to claim job-1, got %+v", claimed)
	}
	if claimed.Status != "running" {
		t.Errorf("claimed job status = %q, want running", claimed.Status)
	}

	// Claimed jobs are not claimable again.
	again, err := s.ClaimNextJob([]string{"post_daily_summary"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job should not be re-claimed, got %+v", again)
	}

	if err := s.CompleteJob("job-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestFailJobRetriesThenFails(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-2", Type: "post_daily_summary", PayloadJSON: "{}", MaxAttempts: 2}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.FailJob("job-2", "slack down"); err != nil {
		t.Fatalf("first FailJob: %v", err)
	}
	var status string
	if err := s.db.QueryRow("SELECT status FROM jobs WHERE id = 'job-2'").Scan(&status); err != nil {
		t.Fatalf("querying status: %v", err)
	}
	if status != "pending" {
		t.Errorf("after first failure status = %q, want pending (retry scheduled)", status)
	}

	if err := s.FailJob("job-2", "slack still down"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	if err := s.db.QueryRow("SELECT status FROM jobs WHERE id = 'job-2'").Scan(&status); err != nil {
		t.Fatalf("querying status: %v", err)
	}
	if status != "failed" {
		t.Errorf("after max attempts status = %q, want failed", status)
	}
}
