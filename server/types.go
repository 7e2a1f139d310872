package server

import (
	"time"

	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100

	// ShutdownTimeout is how long Stop waits for in-flight requests
	ShutdownTimeout = 30 * time.Second

	// maxRequestBody caps JSON request bodies
	maxRequestBody = 64 << 10
)

// ServerState is the server lifecycle state.
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WebSocket message types.
const (
	MessageRecordingState = "recording_state"
	MessageToast          = "toast"
	MessageJobNotice      = "job_notice"
)

// Message is the envelope of every WebSocket message.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JobRequest is the payload of POST /api/jobs. It is also the record format
// of job import files, hence the toml and yaml tags.
type JobRequest struct {
	ID                string    `json:"id,omitempty" toml:"id" yaml:"id"`
	ServiceKind       string    `json:"service_kind" toml:"service_kind" yaml:"service_kind"`
	StationID         string    `json:"station_id" toml:"station_id" yaml:"station_id"`
	ProgramID         string    `json:"program_id" toml:"program_id" yaml:"program_id"`
	Title             string    `json:"title" toml:"title" yaml:"title"`
	StartAt           time.Time `json:"start_at" toml:"start_at" yaml:"start_at"`
	EndAt             time.Time `json:"end_at" toml:"end_at" yaml:"end_at"`
	Mode              string    `json:"mode,omitempty" toml:"mode" yaml:"mode"`
	StartDelaySeconds *int      `json:"start_delay_seconds,omitempty" toml:"start_delay_seconds" yaml:"start_delay_seconds"`
	EndDelaySeconds   *int      `json:"end_delay_seconds,omitempty" toml:"end_delay_seconds" yaml:"end_delay_seconds"`
}

// ToJob converts the request into an unsaved job. Mode is left as given;
// Scheduler.Schedule parses and validates it.
func (r JobRequest) ToJob() *schedule.Job {
	job := &schedule.Job{
		ID:          r.ID,
		ServiceKind: r.ServiceKind,
		StationID:   r.StationID,
		ProgramID:   r.ProgramID,
		Title:       r.Title,
		StartAt:     r.StartAt.UTC(),
		EndAt:       r.EndAt.UTC(),
		Mode:        schedule.Mode(r.Mode),
	}
	if r.StartDelaySeconds != nil {
		d := time.Duration(*r.StartDelaySeconds) * time.Second
		job.StartDelay = &d
	}
	if r.EndDelaySeconds != nil {
		d := time.Duration(*r.EndDelaySeconds) * time.Second
		job.EndDelay = &d
	}
	return job
}

// JobResponse is the API view of a job.
type JobResponse struct {
	ID                string     `json:"id"`
	ServiceKind       string     `json:"service_kind"`
	StationID         string     `json:"station_id"`
	ProgramID         string     `json:"program_id"`
	Title             string     `json:"title"`
	StartAt           time.Time  `json:"start_at"`
	EndAt             time.Time  `json:"end_at"`
	Mode              string     `json:"mode"`
	StartDelaySeconds *float64   `json:"start_delay_seconds,omitempty"`
	EndDelaySeconds   *float64   `json:"end_delay_seconds,omitempty"`
	State             string     `json:"state"`
	PrepareStartAt    time.Time  `json:"prepare_start_at"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	ActualStartAt     *time.Time `json:"actual_start_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastErrorCode     string     `json:"last_error_code,omitempty"`
	LastErrorDetail   string     `json:"last_error_detail,omitempty"`
	RetryCount        int        `json:"retry_count"`
	Enabled           bool       `json:"enabled"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewJobResponse converts a job for output.
func NewJobResponse(j *schedule.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		ServiceKind:     j.ServiceKind,
		StationID:       j.StationID,
		ProgramID:       j.ProgramID,
		Title:           j.Title,
		StartAt:         j.StartAt,
		EndAt:           j.EndAt,
		Mode:            string(j.Mode),
		State:           string(j.State),
		PrepareStartAt:  j.PrepareStartAt,
		QueuedAt:        j.QueuedAt,
		ActualStartAt:   j.ActualStartAt,
		CompletedAt:     j.CompletedAt,
		LastErrorCode:   string(j.LastErrorCode),
		LastErrorDetail: j.LastErrorDetail,
		RetryCount:      j.RetryCount,
		Enabled:         j.Enabled,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.StartDelay != nil {
		s := j.StartDelay.Seconds()
		resp.StartDelaySeconds = &s
	}
	if j.EndDelay != nil {
		s := j.EndDelay.Seconds()
		resp.EndDelaySeconds = &s
	}
	return resp
}

// CancelResponse is returned by DELETE /api/jobs/{id}.
type CancelResponse struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

// RecordingResponse is the API view of a recording attempt.
type RecordingResponse struct {
	ID           string                `json:"id"`
	JobID        string                `json:"job_id,omitempty"`
	Program      recording.ProgramInfo `json:"program"`
	TimeFree     bool                  `json:"time_free"`
	OnDemand     bool                  `json:"on_demand"`
	FinalPath    string                `json:"final_path,omitempty"`
	RelativePath string                `json:"relative_path,omitempty"`
	State        string                `json:"state"`
	ErrorMessage string                `json:"error_message,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewRecordingResponse converts a recording attempt for output.
func NewRecordingResponse(r *recording.Recording) RecordingResponse {
	return RecordingResponse{
		ID:           r.ID,
		JobID:        r.ScheduleJobID,
		Program:      r.Program,
		TimeFree:     r.Options.TimeFree,
		OnDemand:     r.Options.OnDemand,
		FinalPath:    r.Path.FinalPath,
		RelativePath: r.Path.RelativePath,
		State:        string(r.State),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	State     string                 `json:"server_state"`
	Version   string                 `json:"version"`
	Clients   int                    `json:"clients"`
	Running   int                    `json:"running"`
	Scheduler map[string]interface{} `json:"scheduler,omitempty"`
}
