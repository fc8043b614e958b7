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

// JobRepository creates single-video jobs for operators. Channel expansion is
// done by another service that writes videos directly.
type JobRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	JobID   string
	VideoID string
	Created bool
}

// Enqueue inserts a single-kind job and its one pending video. Submitting a URL
// that already has a job is a no-op that returns the existing ids.
func (r *JobRepository) Enqueue(ctx context.Context, url, title string) (*EnqueueResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	existing, err := r.findByURL(ctx, tx, url)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := r.now().UTC()
	res := &EnqueueResult{JobID: uuid.NewString(), VideoID: uuid.NewString(), Created: true}

	jobQuery := `INSERT INTO jobs (id, url, kind, state, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, tx.Rebind(jobQuery),
		res.JobID, url, string(models.JobSingle), string(models.JobExpanded), now); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	videoQuery := `INSERT INTO videos (id, job_id, source_ref, title, state, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)`
	if _, err := tx.ExecContext(ctx, tx.Rebind(videoQuery),
		res.VideoID, res.JobID, url, title, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert video: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}
	return res, nil
}

func (r *JobRepository) findByURL(ctx context.Context, tx *sqlx.Tx, url string) (*EnqueueResult, error) {
	var row struct {
		JobID   string         `db:"job_id"`
		VideoID sql.NullString `db:"video_id"`
	}
	query := `SELECT j.id AS job_id, v.id AS video_id
		FROM jobs j LEFT JOIN videos v ON v.job_id = j.id
		WHERE j.url = ?
		ORDER BY v.created_at ASC
		LIMIT 1`
	if err := tx.GetContext(ctx, &row, tx.Rebind(query), url); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up job by url: %w", err)
	}
	return &EnqueueResult{JobID: row.JobID, VideoID: row.VideoID.String}, nil
}

// Get loads one job.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, r.db.Rebind(`SELECT id, url, kind, state, created_at FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}
