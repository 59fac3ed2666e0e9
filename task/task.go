package task

import (
	"time"
)

type Type string

const (
	TypeExport        Type = "export"
	TypeTranscription Type = "transcription"
	TypeThumbnail     Type = "thumbnail"
	TypeWaveform      Type = "waveform"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Finished reports whether the job has stopped running, including failures.
func (s Status) Finished() bool {
	return s.Terminal() || s == StatusFailed
}

type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing"
	PhaseProcessing Phase = "processing"
	PhaseEncoding   Phase = "encoding"
	PhaseFinalizing Phase = "finalizing"
)

const DefaultMaxRetries = 3

type Job struct {
	ID            string      `json:"id"`
	Type          Type        `json:"type"`
	Status        Status      `json:"status"`
	Progress      float64     `json:"progress"`
	Phase         Phase       `json:"phase,omitempty"`
	Operation     string      `json:"currentOperation,omitempty"`
	TimeRemaining *float64    `json:"timeRemaining,omitempty"` // seconds
	RetryCount    int         `json:"retryCount"`
	MaxRetries    int         `json:"maxRetries"`
	Error         string      `json:"error,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	CancelledAt   *time.Time  `json:"cancelledAt,omitempty"`

	version uint64
}

// finishedAt is the stamp the TTL counts from.
func (j *Job) finishedAt() *time.Time {
	if j.Status == StatusCancelled {
		return j.CancelledAt
	}
	return j.CompletedAt
}

// Update is a partial mutation; nil fields are left alone.
type Update struct {
	Status        *Status
	Progress      *float64
	Phase         *Phase
	Operation     *string
	TimeRemaining *float64
	Result        interface{}
	Error         *string
}

// Filter narrows List; zero fields match everything.
type Filter struct {
	Type   Type
	Status Status
}

func StatusPtr(s Status) *Status { return &s }
func PhasePtr(p Phase) *Phase    { return &p }
func Float(f float64) *float64   { return &f }
func String(s string) *string    { return &s }
