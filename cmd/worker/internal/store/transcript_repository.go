package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
)

type segmentRow struct {
	ID           string          `db:"id"`
	TranscriptID string          `db:"transcript_id"`
	OrderIndex   int             `db:"order_index"`
	StartSeconds float64         `db:"start_seconds"`
	EndSeconds   float64         `db:"end_seconds"`
	Text         string          `db:"text"`
	SpeakerLabel sql.NullString  `db:"speaker_label"`
	Confidence   sql.NullFloat64 `db:"confidence"`
}

func (s segmentRow) toModel() models.Segment {
	seg := models.Segment{
		Start:   s.StartSeconds,
		End:     s.EndSeconds,
		Text:    s.Text,
		Speaker: s.SpeakerLabel.String,
	}
	if s.Confidence.Valid {
		seg.Confidence = models.Float64Ptr(s.Confidence.Float64)
	}
	return seg
}

// TranscriptRepository persists transcripts together with the video
// transition that follows them, in one transaction.
type TranscriptRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewTranscriptRepository creates a new transcript repository.
func NewTranscriptRepository(db *sqlx.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db, now: time.Now}
}

// Save writes t and its segments and moves the video to next in the same
// transaction. next is diarizing (a stage entry) or completed (which also
// clears the lock). A previous transcript of the video is replaced. t.ID and
// t.CreatedAt are filled in on success.
func (r *TranscriptRepository) Save(ctx context.Context, videoID, token string, t *models.Transcript, next models.VideoState) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transcript transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := r.now().UTC()

	// The guarded transition goes first so a lost claim writes nothing.
	switch next {
	case models.VideoCompleted:
		err = release(ctx, tx, videoID, token, models.VideoCompleted, "", now)
	case models.VideoDiarizing:
		err = setStage(ctx, tx, videoID, token, models.VideoDiarizing, now)
	default:
		err = fmt.Errorf("invalid state after transcription %q", next)
	}
	if err != nil {
		return err
	}

	if err := deleteTranscript(ctx, tx, videoID); err != nil {
		return err
	}

	id := uuid.NewString()
	insert := `INSERT INTO transcripts (id, video_id, language, duration_seconds, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, tx.Rebind(insert), id, videoID, t.Language, t.DurationSeconds, now); err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}

	if err := insertSegments(ctx, tx, id, t.Segments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript transaction: %w", err)
	}

	t.ID = id
	t.VideoID = videoID
	t.CreatedAt = now
	return nil
}

func deleteTranscript(ctx context.Context, tx *sqlx.Tx, videoID string) error {
	segQuery := `DELETE FROM segments WHERE transcript_id IN (SELECT id FROM transcripts WHERE video_id = ?)`
	if _, err := tx.ExecContext(ctx, tx.Rebind(segQuery), videoID); err != nil {
		return fmt.Errorf("failed to delete previous segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM transcripts WHERE video_id = ?`), videoID); err != nil {
		return fmt.Errorf("failed to delete previous transcript: %w", err)
	}
	return nil
}

func insertSegments(ctx context.Context, tx *sqlx.Tx, transcriptID string, segments []models.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO segments
		(id, transcript_id, order_index, start_seconds, end_seconds, text, speaker_label, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for i, seg := range segments {
		var conf sql.NullFloat64
		if seg.Confidence != nil {
			conf = sql.NullFloat64{Float64: *seg.Confidence, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), transcriptID, i,
			seg.Start, seg.End, seg.Text, nullString(seg.Speaker), conf); err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", i, err)
		}
	}
	return nil
}

// CompleteWithSpeakers backfills speaker labels onto the stored segments of t
// (matched by order) and releases the video as completed, atomically.
func (r *TranscriptRepository) CompleteWithSpeakers(ctx context.Context, videoID, token string, t *models.Transcript) error {
	if t.ID == "" {
		return fmt.Errorf("transcript for video %s has no id", videoID)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin speaker transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := release(ctx, tx, videoID, token, models.VideoCompleted, "", r.now().UTC()); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		`UPDATE segments SET speaker_label = ? WHERE transcript_id = ? AND order_index = ?`))
	if err != nil {
		return fmt.Errorf("failed to prepare speaker update: %w", err)
	}
	defer stmt.Close()

	for i, seg := range t.Segments {
		if _, err := stmt.ExecContext(ctx, nullString(seg.Speaker), t.ID, i); err != nil {
			return fmt.Errorf("failed to update speaker of segment %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit speaker transaction: %w", err)
	}
	return nil
}

// GetByVideo loads the transcript of a video with segments in order.
func (r *TranscriptRepository) GetByVideo(ctx context.Context, videoID string) (*models.Transcript, error) {
	var t models.Transcript
	query := `SELECT id, video_id, language, duration_seconds, created_at FROM transcripts WHERE video_id = ?`
	if err := r.db.GetContext(ctx, &t, r.db.Rebind(query), videoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("failed to get transcript for video %s: %w", videoID, err)
	}

	var rows []segmentRow
	segQuery := `SELECT id, transcript_id, order_index, start_seconds, end_seconds, text, speaker_label, confidence
		FROM segments WHERE transcript_id = ? ORDER BY order_index ASC`
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(segQuery), t.ID); err != nil {
		return nil, fmt.Errorf("failed to load segments of transcript %s: %w", t.ID, err)
	}

	t.Segments = make([]models.Segment, 0, len(rows))
	for _, row := range rows {
		t.Segments = append(t.Segments, row.toModel())
	}
	return &t, nil
}
