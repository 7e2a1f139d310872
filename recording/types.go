// Package recording runs one capture end to end: resolve the stream,
// prepare storage, capture, commit, and report. Every step after storage is
// prepared is paired with cleanup so a failed attempt never leaves a stray
// temp file behind.
package recording

import (
	"time"
)

// State is the lifecycle of one recording attempt.
type State string

const (
	StatePending   State = "pending"
	StateRecording State = "recording"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Command asks the orchestrator to capture one programme.
type Command struct {
	JobID       string
	ServiceKind string
	StationID   string
	ProgramID   string
	ProgramName string
	StartAt     time.Time
	EndAt       time.Time
	TimeFree    bool
	OnDemand    bool
	StartDelay  time.Duration
	EndDelay    time.Duration
}

// ProgramInfo describes what is being captured.
type ProgramInfo struct {
	ServiceKind string    `json:"service_kind"`
	ProgramID   string    `json:"program_id"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle,omitempty"`
	StationID   string    `json:"station_id"`
	StationName string    `json:"station_name,omitempty"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	Performer   string    `json:"performer,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Options are the capture settings resolved for a command.
type Options struct {
	ServiceKind string        `json:"service_kind"`
	TimeFree    bool          `json:"time_free"`
	OnDemand    bool          `json:"on_demand"`
	StartDelay  time.Duration `json:"start_delay"`
	EndDelay    time.Duration `json:"end_delay"`
}

// MediaPath locates a capture in the work area and its final destination.
type MediaPath struct {
	TempPath     string `json:"temp_path"`
	FinalPath    string `json:"final_path"`
	RelativePath string `json:"relative_path"`
}

// SourceResult is what a source resolves a command into.
type SourceResult struct {
	StreamURL string
	Headers   map[string]string
	Program   ProgramInfo
	Options   Options
}

// Recording is one persisted capture attempt.
type Recording struct {
	ID            string
	ScheduleJobID string
	Program       ProgramInfo
	Path          MediaPath
	Options       Options
	State         State
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Result is the outcome of Orchestrator.Record. Err carries the underlying
// cause for classification; ErrorMessage is the text shown to people.
type Result struct {
	Success      bool
	RecordingID  string
	ErrorMessage string
	Err          error
}

// StateChangedEvent is published whenever an attempt changes state.
type StateChangedEvent struct {
	RecordingID  string    `json:"recording_id"`
	JobID        string    `json:"job_id,omitempty"`
	State        State     `json:"state"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToastEvent is a short user-facing notice.
type ToastEvent struct {
	Message string    `json:"message"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}
