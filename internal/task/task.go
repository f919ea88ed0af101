package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Weight maps a priority to its claim-ordering rank. Higher weight is
// claimed first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

type Type string

const (
	TypeTranscribe Type = "transcribe"
)

const DefaultMaxRetries = 3

type CallbackKind string

const (
	CallbackHTTP     CallbackKind = "http"
	CallbackFunction CallbackKind = "function"
	CallbackEvent    CallbackKind = "event"
	CallbackNone     CallbackKind = "none"
)

// Callback names the destination that receives the task once it reaches a
// terminal status. URL is set for http callbacks, Name for function callbacks.
type Callback struct {
	Kind CallbackKind `json:"kind"`
	URL  string       `json:"url,omitempty"`
	Name string       `json:"name,omitempty"`
}

type TranscribeParams struct {
	Language           string `json:"language,omitempty"`
	SpeakerDiarization bool   `json:"speaker_diarization"`
	EmotionRecognition bool   `json:"emotion_recognition"`
	FilterDirtyWords   bool   `json:"filter_dirty_words"`
}

// Params carries the task-type-specific options. Exactly the field matching
// Config.Type must be set; adding a task type means adding a field here and
// registering a processor, the scheduler stays untouched.
type Params struct {
	Transcribe *TranscribeParams `json:"transcribe,omitempty"`
}

// Config is the immutable request contract. Only RetryCount and Priority
// change after creation.
type Config struct {
	Type       Type     `json:"task_type"`
	InputPath  string   `json:"input_path"`
	Callback   Callback `json:"callback"`
	Params     Params   `json:"params"`
	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	// Timeout bounds the processing phase, in seconds. Zero means no bound.
	Timeout int64 `json:"timeout,omitempty"`
}

type Segment struct {
	Text    string  `json:"text"`
	Speaker int     `json:"speaker,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

type AudioInfo struct {
	Duration   float64 `json:"duration"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sample_rate"`
	Language   string  `json:"language,omitempty"`
	Speakers   []int   `json:"speakers,omitempty"`
}

// Result is the transcript produced by the engine for a completed task.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Audio    AudioInfo `json:"audio"`
}

// Error records why a task ended failed or timed out.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Task struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Config      Config     `json:"config"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       *Error     `json:"error,omitempty"`
}

// New builds a pending task from a config. Stores persist exactly what this
// returns so every backend creates identical rows.
func New(cfg Config) *Task {
	now := time.Now().UTC()
	cfg.RetryCount = 0
	return &Task{
		ID:        "task-" + uuid.New().String(),
		Status:    StatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Deadline returns the instant the processing phase must finish by, given
// when the task was claimed. ok is false when no timeout is configured.
func (t *Task) Deadline() (deadline time.Time, ok bool) {
	if t.Config.Timeout <= 0 || t.StartedAt == nil {
		return time.Time{}, false
	}
	return t.StartedAt.Add(time.Duration(t.Config.Timeout) * time.Second), true
}

// Stats counts tasks per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timed_out"`
}

func (s *Stats) Add(st Status, n int) {
	switch st {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusTimedOut:
		s.TimedOut += n
	}
}
