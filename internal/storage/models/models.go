package models

import "time"

type Conversation struct {
	ID                string
	SessionID         string
	Query             string
	Intent            string
	Response          string
	ModelCalls        int
	ToolCalls         int
	IterationLimitHit bool
	Status            string
	Error             string
	LatencyMS         int64
	CreatedAt         time.Time
}

const (
	ConversationOK    = "ok"
	ConversationError = "error"
)

type JobKind string

const (
	JobTextToVideo  JobKind = "text_to_video"
	JobImageToVideo JobKind = "image_to_video"
	JobSong         JobKind = "song"
	JobSingleAvatar JobKind = "single_avatar"
	JobMultiAvatar  JobKind = "multi_avatar"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type MediaJob struct {
	ID          string
	Kind        JobKind
	Status      JobStatus
	Params      string
	OutputPath  string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
