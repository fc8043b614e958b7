package models

import "time"

// JobKind 任务类型
type JobKind string

const (
	JobSingle  JobKind = "single"
	JobChannel JobKind = "channel"
)

// JobState 任务状态，只会向前推进
type JobState string

const (
	JobPending   JobState = "pending"
	JobExpanding JobState = "expanding"
	JobExpanded  JobState = "expanded"
	JobFailed    JobState = "failed"
)

// Job 用户提交的一个 URL
type Job struct {
	ID        string    `db:"id" json:"id"`
	URL       string    `db:"url" json:"url"`
	Kind      JobKind   `db:"kind" json:"kind"`
	State     JobState  `db:"state" json:"state"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
