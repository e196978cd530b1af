package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message is a single chat message ingested from the messaging platform.
// Rows are immutable. (PeerID, MsgID) is unique; re-ingesting the same
// upstream message is a no-op.
type Message struct {
	ID     int64  `json:"id"`
	PeerID int64  `json:"peer_id"`
	MsgID  int64  `json:"msg_id"`
	TS     string `json:"ts_utc"` // UTC timestamp as stored ("2006-01-02T15:04:05Z")
	FromMe bool   `json:"from_me"`
	Text   string `json:"text"`
}

// Fact is an append-only free-text note added via /update or the facts API.
type Fact struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	Source     string    `json:"source"`     // "manual", "dm", "call"
	Confidence string    `json:"confidence"` // "high", "medium", "low"
}

// CallMarker records that a call occurred. The most recent marker by
// occurrence time anchors the "since last call" window.
type CallMarker struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"` // "manual", "transcript"
	Notes      string    `json:"notes"`
}

// PostedSummary records a daily summary previously posted to a channel.
// The latest row per channel identifies "today's thread" to reply into.
type PostedSummary struct {
	ID        int64     `json:"id"`
	PostedAt  time.Time `json:"posted_at"`
	ChannelID string    `json:"channel_id"`
	ThreadTS  string    `json:"thread_ts"`
	DateLabel string    `json:"date_label"`
	Text      string    `json:"text"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
