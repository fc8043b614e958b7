// Package queue is the claim/release primitive the worker loop and pipeline
// runner use. It wraps the store repositories with claim tokens, the lease
// and metrics.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/scribeq/cmd/worker/internal/metrics"
	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

// Claim is a live claim on one video. Token is written to locked_by and
// guards every later write.
type Claim struct {
	Token     string
	Video     *models.Video
	ClaimedAt time.Time
}

// VideoID returns the claimed video's id.
func (c *Claim) VideoID() string { return c.Video.ID }

// Outcome is how a run ends. State is completed, failed or pending.
//
// RefundAttempt returns a pending video's claim to the attempt budget; a run
// stopped by shutdown did not use it.
//
// When State is completed and Transcript is set, Release persists it in the
// same transaction: a transcript without an ID is inserted, one with an ID
// (already stored before diarization) gets its speaker labels backfilled.
type Outcome struct {
	State         models.VideoState
	LastError     string
	Transcript    *models.Transcript
	RefundAttempt bool

	// Reported to the caller only.
	Stage     models.VideoState
	Err       error
	ClaimLost bool
}

// Queue implements Claim/Release/Heartbeat over the store.
type Queue struct {
	videos      *store.VideoRepository
	transcripts *store.TranscriptRepository
	workerID    string
	lease       time.Duration
	logger      *slog.Logger
}

// New creates a queue for one worker process.
func New(videos *store.VideoRepository, transcripts *store.TranscriptRepository, workerID string, lease time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		videos:      videos,
		transcripts: transcripts,
		workerID:    workerID,
		lease:       lease,
		logger:      logger.With("component", "queue", "worker_id", workerID),
	}
}

// Lease returns the claim lease duration.
func (q *Queue) Lease() time.Duration { return q.lease }

// Claim takes the oldest eligible video. ok is false when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Claim, bool, error) {
	token := q.workerID + "/" + uuid.NewString()

	video, err := q.videos.Claim(ctx, token, q.lease)
	if err != nil {
		if errors.Is(err, store.ErrNoVideoAvailable) {
			metrics.RecordClaim("empty")
			return nil, false, nil
		}
		metrics.RecordClaim("error")
		return nil, false, fmt.Errorf("claim: %w", err)
	}

	metrics.RecordClaim("claimed")
	q.logger.Info("video claimed",
		"video_id", video.ID,
		"attempt", video.AttemptCount,
		"previous_error", video.LastError.String,
	)
	return &Claim{Token: token, Video: video, ClaimedAt: time.Now()}, true, nil
}

// Heartbeat extends the lease. ErrClaimLost means another worker owns the video now.
func (q *Queue) Heartbeat(ctx context.Context, c *Claim) error {
	return q.videos.Heartbeat(ctx, c.VideoID(), c.Token)
}

// SetStage persists entry into a pipeline stage.
func (q *Queue) SetStage(ctx context.Context, c *Claim, stage models.VideoState) error {
	if err := q.videos.SetStage(ctx, c.VideoID(), c.Token, stage); err != nil {
		return err
	}
	c.Video.State = stage
	return nil
}

// SaveTranscript stores t and moves the video to diarizing atomically.
func (q *Queue) SaveTranscript(ctx context.Context, c *Claim, t *models.Transcript) error {
	if err := q.transcripts.Save(ctx, c.VideoID(), c.Token, t, models.VideoDiarizing); err != nil {
		return err
	}
	c.Video.State = models.VideoDiarizing
	return nil
}

// LoadTranscript returns the stored transcript of a video.
func (q *Queue) LoadTranscript(ctx context.Context, videoID string) (*models.Transcript, error) {
	return q.transcripts.GetByVideo(ctx, videoID)
}

// Release writes the outcome and drops the claim. A stale claim gets
// store.ErrClaimLost and changes nothing.
func (q *Queue) Release(ctx context.Context, c *Claim, o Outcome) error {
	var err error
	switch {
	case o.State == models.VideoCompleted && o.Transcript != nil && o.Transcript.ID == "":
		err = q.transcripts.Save(ctx, c.VideoID(), c.Token, o.Transcript, models.VideoCompleted)
	case o.State == models.VideoCompleted && o.Transcript != nil:
		err = q.transcripts.CompleteWithSpeakers(ctx, c.VideoID(), c.Token, o.Transcript)
	case o.State == models.VideoPending && o.RefundAttempt:
		err = q.videos.Requeue(ctx, c.VideoID(), c.Token, o.LastError)
	default:
		err = q.videos.Release(ctx, c.VideoID(), c.Token, o.State, o.LastError)
	}
	if err != nil {
		return err
	}

	c.Video.State = o.State
	if o.RefundAttempt && c.Video.AttemptCount > 0 {
		c.Video.AttemptCount--
	}
	q.logger.Info("video released",
		"video_id", c.VideoID(),
		"state", o.State,
		"held_ms", time.Since(c.ClaimedAt).Milliseconds(),
		"last_error", o.LastError,
	)
	return nil
}

// Depth counts claimable videos and updates the depth gauge.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.videos.Depth(ctx, q.lease)
	if err != nil {
		return 0, err
	}
	metrics.SetQueueDepth(n)
	return n, nil
}
