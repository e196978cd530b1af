package retrieval

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/briefs/internal/storage"
)

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 200

// DefaultFallbackHours is the lookback window used when no call-like message
// can be found.
const DefaultFallbackHours = 48

// callAnchorKeywords is intentionally narrower than the general query
// expansions: it only has to spot "a call happened", not answer questions.
var callAnchorKeywords = []string{"call", "video", "private"}

// Retriever runs keyword retrieval over the messages table. All read paths
// fail soft: storage faults are logged and an empty result (or the fallback
// anchor) is returned so the calling endpoint can always produce a reply.
type Retriever struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRetriever wraps an existing database handle for message retrieval.
func NewRetriever(db *sql.DB) *Retriever {
	return &Retriever{db: db, logger: slog.Default()}
}

// Search expands query and returns messages whose text contains any expanded
// term (case-insensitive contains), most recent first, at most limit rows.
// An empty or whitespace-only query yields an empty result, not an error.
func (r *Retriever) Search(ctx context.Context, query string, limit int) []storage.Message {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	terms := ExpandQuery(query)
	if len(terms) == 0 {
		return nil
	}

	where := strings.TrimSuffix(strings.Repeat(`text LIKE ? ESCAPE '\' OR `, len(terms)), " OR ")
	args := make([]interface{}, 0, len(terms)+1)
	for _, t := range terms {
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, peer_id, msg_id, ts_utc, from_me, text
		FROM messages
		WHERE `+where+`
		ORDER BY ts_utc DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		r.logger.Error("message search failed", "query", query, "error", err)
		return nil
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		r.logger.Error("scanning search results failed", "query", query, "error", err)
		return nil
	}
	r.logger.Info("search", "terms", len(terms), "rows", len(msgs), "limit", limit)
	return msgs
}

// LastCallAnchor returns the timestamp of the most recent message that
// mentions a call, or now minus fallbackHours when none is found or the
// lookup fails. It never returns an error; the anchor is a heuristic.
func (r *Retriever) LastCallAnchor(ctx context.Context, fallbackHours int) time.Time {
	if fallbackHours <= 0 {
		fallbackHours = DefaultFallbackHours
	}
	fallback := time.Now().UTC().Add(-time.Duration(fallbackHours) * time.Hour)

	where := strings.TrimSuffix(strings.Repeat("text LIKE ? OR ", len(callAnchorKeywords)), " OR ")
	args := make([]interface{}, len(callAnchorKeywords))
	for i, k := range callAnchorKeywords {
		args[i] = "%" + k + "%"
	}

	var ts string
	err := r.db.QueryRowContext(ctx, `
		SELECT ts_utc FROM messages
		WHERE `+where+`
		ORDER BY ts_utc DESC, id DESC
		LIMIT 1`, args...).Scan(&ts)
	if err == sql.ErrNoRows {
		return fallback
	}
	if err != nil {
		r.logger.Error("last call anchor lookup failed", "error", err)
		return fallback
	}

	anchor, err := ParseStoredTime(ts)
	if err != nil {
		r.logger.Warn("unparsable anchor timestamp", "ts", ts, "error", err)
		return fallback
	}
	return anchor
}

// Window returns all of the peer's messages at or after since, oldest first.
// Storage faults degrade to an empty window.
func (r *Retriever) Window(ctx context.Context, peerID int64, since time.Time) []storage.Message {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, peer_id, msg_id, ts_utc, from_me, text
		FROM messages
		WHERE peer_id = ? AND ts_utc >= ?
		ORDER BY ts_utc ASC, id ASC`,
		peerID, since.UTC().Format(storage.TimeLayout))
	if err != nil {
		r.logger.Error("window query failed", "error", err)
		return nil
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		r.logger.Error("scanning window failed", "error", err)
		return nil
	}
	return msgs
}

// ParseStoredTime parses a persisted timestamp. Both the ISO-8601 text form
// and a numeric epoch (integer or fractional seconds) are accepted, since
// older ingestion scripts wrote both.
func ParseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

// escapeLike escapes the LIKE metacharacters so terms match literally.
// Backslash first, then % and _.
func escapeLike(t string) string {
	t = strings.ReplaceAll(t, `\`, `\\`)
	t = strings.ReplaceAll(t, `%`, `\%`)
	return strings.ReplaceAll(t, `_`, `\_`)
}

func scanMessages(rows *sql.Rows) ([]storage.Message, error) {
	var msgs []storage.Message
	for rows.Next() {
		var m storage.Message
		var fromMe int
		if err := rows.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.TS, &fromMe, &m.Text); err != nil {
			return nil, err
		}
		m.FromMe = fromMe != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
