package models

import "time"

// Segment 转写片段，时间单位为秒
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Duration returns End-Start, never negative.
func (s Segment) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Transcript 每个视频一份，合并成功后创建
type Transcript struct {
	ID              string    `db:"id" json:"id"`
	VideoID         string    `db:"video_id" json:"video_id"`
	Language        string    `db:"language" json:"language,omitempty"`
	DurationSeconds float64   `db:"duration_seconds" json:"duration_seconds"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`

	Segments []Segment `db:"-" json:"segments"`
}

// Float64Ptr is a small helper for optional confidences.
func Float64Ptr(v float64) *float64 { return &v }
