// Package ingest runs the background worker that processes queued jobs,
// currently the daily summary post.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/briefs/internal/storage"
)

const jobTypeDailySummary = "post_daily_summary"

// JobStore abstracts the storage operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	MessagesSince(peerID int64, since time.Time) ([]storage.Message, error)
	SaveSummary(sum storage.PostedSummary) error
}

// SummaryWriter generates the daily summary text.
type SummaryWriter interface {
	Daily(ctx context.Context, msgs []storage.Message, now time.Time) (string, error)
	DateLabel(now time.Time) string
}

// ChannelPoster abstracts the team-chat client.
type ChannelPoster interface {
	FindChannelID(ctx context.Context, name string) (string, error)
	JoinChannel(ctx context.Context, channelID string) error
	PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)
}

// Worker processes post_daily_summary jobs from the SQLite job queue.
type Worker struct {
	store       JobStore
	summarizer  SummaryWriter
	slack       ChannelPoster
	channelName string
	peerID      int64
	loc         *time.Location
	poll        time.Duration
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, summarizer SummaryWriter, slack ChannelPoster, channelName string, peerID int64, loc *time.Location, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Worker{
		store:       store,
		summarizer:  summarizer,
		slack:       slack,
		channelName: channelName,
		peerID:      peerID,
		loc:         loc,
		poll:        pollInterval,
		logger:      slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{jobTypeDailySummary})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob builds the local-day summary and posts it to the channel.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	now := time.Now().In(w.loc)
	startLocal := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, w.loc)

	msgs, err := w.store.MessagesSince(w.peerID, startLocal.UTC())
	if err != nil {
		return fmt.Errorf("loading today's messages: %w", err)
	}

	summary, err := w.summarizer.Daily(ctx, msgs, now)
	if err != nil {
		return fmt.Errorf("generating summary: %w", err)
	}

	channelID, err := w.slack.FindChannelID(ctx, w.channelName)
	if err != nil {
		return fmt.Errorf("resolving channel %q: %w", w.channelName, err)
	}
	if err := w.slack.JoinChannel(ctx, channelID); err != nil {
		// The bot may already be a member via invite; posting will tell.
		w.logger.Warn("joining channel failed", "channel_id", channelID, "error", err)
	}

	ts, err := w.slack.PostMessage(ctx, channelID, "", summary)
	if err != nil {
		return fmt.Errorf("posting summary: %w", err)
	}

	sum := storage.PostedSummary{
		PostedAt:  time.Now().UTC(),
		ChannelID: channelID,
		ThreadTS:  ts,
		DateLabel: w.summarizer.DateLabel(now),
		Text:      summary,
	}
	if err := w.store.SaveSummary(sum); err != nil {
		return fmt.Errorf("recording summary: %w", err)
	}

	return nil
}
