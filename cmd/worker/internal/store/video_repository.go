package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
)

const (
	videoSelectColumns = `id, job_id, source_ref, title, state, locked_by, locked_at, attempt_count,
		last_error, created_at, updated_at, claimed_at, downloading_at, transcoding_at,
		chunking_at, transcribing_at, diarizing_at, completed_at, failed_at`

	// eligibleClause matches pending rows plus non-terminal rows whose lease expired.
	// Bind: lease cutoff.
	eligibleClause = `(state = 'pending'
		OR (state NOT IN ('pending', 'completed', 'failed')
			AND (locked_at IS NULL OR locked_at < ?)))`
)

// stageColumns maps each state to the checkpoint column written on entry.
var stageColumns = map[models.VideoState]string{
	models.VideoDownloading:  "downloading_at",
	models.VideoTranscoding:  "transcoding_at",
	models.VideoChunking:     "chunking_at",
	models.VideoTranscribing: "transcribing_at",
	models.VideoDiarizing:    "diarizing_at",
	models.VideoCompleted:    "completed_at",
	models.VideoFailed:       "failed_at",
}

// VideoRepository handles claim bookkeeping and state transitions for videos.
type VideoRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewVideoRepository creates a new video repository.
func NewVideoRepository(db *sqlx.DB) *VideoRepository {
	return &VideoRepository{db: db, now: time.Now}
}

// WithClock replaces the time source; tests use it to expire leases.
func (r *VideoRepository) WithClock(now func() time.Time) *VideoRepository {
	r.now = now
	return r
}

func (r *VideoRepository) timestamp() time.Time {
	return r.now().UTC()
}

// Claim selects and locks the oldest eligible video and marks it claimed by token.
// Returns ErrNoVideoAvailable when nothing is eligible.
func (r *VideoRepository) Claim(ctx context.Context, token string, lease time.Duration) (*models.Video, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := r.timestamp()
	cutoff := now.Add(-lease)

	id, err := r.claimSelect(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}

	if err := r.claimUpdate(ctx, tx, id, token, now, cutoff); err != nil {
		return nil, err
	}

	var video models.Video
	if err := tx.GetContext(ctx, &video, tx.Rebind(`SELECT `+videoSelectColumns+` FROM videos WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("failed to reload claimed video: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return &video, nil
}

// claimSelect picks the next eligible id. PostgreSQL skips rows another
// transaction is already examining; SQLite has a single writer.
func (r *VideoRepository) claimSelect(ctx context.Context, tx *sqlx.Tx, cutoff time.Time) (string, error) {
	query := `SELECT id FROM videos WHERE ` + eligibleClause + ` ORDER BY created_at ASC, id ASC LIMIT 1`
	if r.db.DriverName() == DriverPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var id string
	if err := tx.GetContext(ctx, &id, tx.Rebind(query), cutoff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoVideoAvailable
		}
		return "", fmt.Errorf("failed to select claimable video: %w", err)
	}
	return id, nil
}

// claimUpdate re-checks eligibility so a row that changed since the select is not taken.
func (r *VideoRepository) claimUpdate(ctx context.Context, tx *sqlx.Tx, id, token string, now, cutoff time.Time) error {
	query := `
		UPDATE videos
		SET state = 'claimed',
			locked_by = ?,
			locked_at = ?,
			claimed_at = ?,
			attempt_count = attempt_count + 1,
			updated_at = ?
		WHERE id = ? AND ` + eligibleClause

	result, err := tx.ExecContext(ctx, tx.Rebind(query), token, now, now, now, id, cutoff)
	if err != nil {
		return fmt.Errorf("failed to mark video claimed: %w", err)
	}
	return execRequireRows(result, nil, ErrNoVideoAvailable)
}

// Heartbeat refreshes locked_at for the owner only.
func (r *VideoRepository) Heartbeat(ctx context.Context, id, token string) error {
	query := `UPDATE videos SET locked_at = ? WHERE id = ? AND locked_by = ?`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), r.timestamp(), id, token)
	if err != nil {
		return fmt.Errorf("failed to heartbeat video %s: %w", id, err)
	}
	return execRequireRows(result, nil, ErrClaimLost)
}

// SetStage records entry into a working stage: state, its checkpoint column and a
// refreshed lease, all guarded by the owner token.
func (r *VideoRepository) SetStage(ctx context.Context, id, token string, stage models.VideoState) error {
	return setStage(ctx, r.db, id, token, stage, r.timestamp())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func setStage(ctx context.Context, db execer, id, token string, stage models.VideoState, now time.Time) error {
	column, ok := stageColumns[stage]
	if !ok || stage.Terminal() {
		return fmt.Errorf("invalid pipeline stage %q", stage)
	}

	query := `UPDATE videos SET state = ?, ` + column + ` = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?`
	result, err := db.ExecContext(ctx, db.Rebind(query), string(stage), now, now, now, id, token)
	if err != nil {
		return fmt.Errorf("failed to set video %s stage %s: %w", id, stage, err)
	}
	return execRequireRows(result, nil, ErrClaimLost)
}

// Release writes the run outcome and clears the lock. state must be completed,
// failed or pending. A stale token changes nothing and returns ErrClaimLost.
func (r *VideoRepository) Release(ctx context.Context, id, token string, state models.VideoState, lastError string) error {
	return release(ctx, r.db, id, token, state, lastError, r.timestamp())
}

func release(ctx context.Context, db execer, id, token string, state models.VideoState, lastError string, now time.Time) error {
	var query string
	var args []any
	switch state {
	case models.VideoCompleted, models.VideoFailed:
		query = `UPDATE videos SET state = ?, ` + stageColumns[state] + ` = ?, last_error = ?,
			locked_by = NULL, locked_at = NULL, updated_at = ?
			WHERE id = ? AND locked_by = ?`
		args = []any{string(state), now, nullString(lastError), now, id, token}
	case models.VideoPending:
		query = `UPDATE videos SET state = 'pending', last_error = ?,
			locked_by = NULL, locked_at = NULL, updated_at = ?
			WHERE id = ? AND locked_by = ?`
		args = []any{nullString(lastError), now, id, token}
	default:
		return fmt.Errorf("invalid release state %q", state)
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to release video %s: %w", id, err)
	}
	return execRequireRows(result, nil, ErrClaimLost)
}

// Requeue releases a claim back to pending and gives back the attempt the
// claim consumed. Used when the worker stops a run it did not finish.
func (r *VideoRepository) Requeue(ctx context.Context, id, token, lastError string) error {
	now := r.timestamp()
	query := `UPDATE videos SET state = 'pending', last_error = ?,
		attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END,
		locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ?`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), nullString(lastError), now, id, token)
	if err != nil {
		return fmt.Errorf("failed to requeue video %s: %w", id, err)
	}
	return execRequireRows(result, nil, ErrClaimLost)
}

// Get loads one video.
func (r *VideoRepository) Get(ctx context.Context, id string) (*models.Video, error) {
	var video models.Video
	err := r.db.GetContext(ctx, &video, r.db.Rebind(`SELECT `+videoSelectColumns+` FROM videos WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video %s: %w", id, err)
	}
	return &video, nil
}

// Depth counts videos a Claim could take right now.
func (r *VideoRepository) Depth(ctx context.Context, lease time.Duration) (int, error) {
	var n int
	cutoff := r.timestamp().Add(-lease)
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM videos WHERE `+eligibleClause), cutoff); err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}

// CountByState returns the number of videos in each state.
func (r *VideoRepository) CountByState(ctx context.Context) (map[models.VideoState]int, error) {
	var rows []struct {
		State models.VideoState `db:"state"`
		N     int               `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM videos GROUP BY state`); err != nil {
		return nil, fmt.Errorf("failed to count videos by state: %w", err)
	}

	counts := make(map[models.VideoState]int, len(models.AllVideoStates))
	for _, s := range models.AllVideoStates {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.State] = row.N
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
