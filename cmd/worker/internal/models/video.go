package models

import (
	"database/sql"
	"time"
)

// VideoState 表示视频在处理流水线中的状态。
type VideoState string

const (
	VideoPending      VideoState = "pending"
	VideoClaimed      VideoState = "claimed"
	VideoDownloading  VideoState = "downloading"
	VideoTranscoding  VideoState = "transcoding"
	VideoChunking     VideoState = "chunking"
	VideoTranscribing VideoState = "transcribing"
	VideoDiarizing    VideoState = "diarizing"
	VideoCompleted    VideoState = "completed"
	VideoFailed       VideoState = "failed"
)

// PipelineStages lists the working states in execution order.
var PipelineStages = []VideoState{
	VideoDownloading,
	VideoTranscoding,
	VideoChunking,
	VideoTranscribing,
	VideoDiarizing,
}

// Terminal reports whether no further transition is possible.
func (s VideoState) Terminal() bool {
	return s == VideoCompleted || s == VideoFailed
}

// StageIndex returns the position of s in PipelineStages, or -1.
func StageIndex(s VideoState) int {
	for i, st := range PipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}

// AllVideoStates is used by status reporting to print zero counts too.
var AllVideoStates = []VideoState{
	VideoPending, VideoClaimed, VideoDownloading, VideoTranscoding, VideoChunking,
	VideoTranscribing, VideoDiarizing, VideoCompleted, VideoFailed,
}

// Video 视频行，流水线处理的基本单元
type Video struct {
	ID           string         `db:"id" json:"id"`
	JobID        string         `db:"job_id" json:"job_id"`
	SourceRef    string         `db:"source_ref" json:"source_ref"`
	Title        string         `db:"title" json:"title"`
	State        VideoState     `db:"state" json:"state"`
	LockedBy     sql.NullString `db:"locked_by" json:"-"`
	LockedAt     sql.NullTime   `db:"locked_at" json:"-"`
	AttemptCount int            `db:"attempt_count" json:"attempt_count"`
	LastError    sql.NullString `db:"last_error" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`

	ClaimedAt      sql.NullTime `db:"claimed_at" json:"-"`
	DownloadingAt  sql.NullTime `db:"downloading_at" json:"-"`
	TranscodingAt  sql.NullTime `db:"transcoding_at" json:"-"`
	ChunkingAt     sql.NullTime `db:"chunking_at" json:"-"`
	TranscribingAt sql.NullTime `db:"transcribing_at" json:"-"`
	DiarizingAt    sql.NullTime `db:"diarizing_at" json:"-"`
	CompletedAt    sql.NullTime `db:"completed_at" json:"-"`
	FailedAt       sql.NullTime `db:"failed_at" json:"-"`
}

// StageReachedAt returns the checkpoint timestamp recorded for a working stage.
func (v *Video) StageReachedAt(s VideoState) sql.NullTime {
	switch s {
	case VideoDownloading:
		return v.DownloadingAt
	case VideoTranscoding:
		return v.TranscodingAt
	case VideoChunking:
		return v.ChunkingAt
	case VideoTranscribing:
		return v.TranscribingAt
	case VideoDiarizing:
		return v.DiarizingAt
	default:
		return sql.NullTime{}
	}
}

// FurthestStage returns the latest working stage with a recorded checkpoint.
// ok is false for a video that never started a stage.
func (v *Video) FurthestStage() (VideoState, bool) {
	for i := len(PipelineStages) - 1; i >= 0; i-- {
		if v.StageReachedAt(PipelineStages[i]).Valid {
			return PipelineStages[i], true
		}
	}
	return "", false
}
