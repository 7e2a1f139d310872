// Package schedule owns the persisted recording job state machine: when a
// job fires, who may claim it, how it advances, and how interrupted work is
// recovered after a restart.
package schedule

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/onair/errors"
)

// State is the persisted lifecycle state of a job.
type State string

// Job states, in lifecycle order. A successful job is deleted after
// finalizing; failed and cancelled rows stay for inspection.
const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StatePreparing  State = "preparing"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var stateRank = map[State]int{
	StatePending:    0,
	StateQueued:     1,
	StatePreparing:  2,
	StateRecording:  3,
	StateFinalizing: 4,
	StateFailed:     5,
	StateCancelled:  5,
}

// Rank orders states along the lifecycle. Unknown states rank -1.
func (s State) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateCancelled
}

// IsInFlight reports whether a dispatcher owned the job when it was last seen.
func (s State) IsInFlight() bool {
	switch s {
	case StateQueued, StatePreparing, StateRecording, StateFinalizing:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// InFlightStates are the states StartupRecovery inspects.
var InFlightStates = []State{StateQueued, StatePreparing, StateRecording, StateFinalizing}

// CanTransition reports whether from → to is a legal move: one step forward,
// or a jump from any live state to a terminal one.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	return to.Rank() == from.Rank()+1
}

// Mode selects how the fire time is derived.
type Mode string

const (
	ModeRealtime  Mode = "realtime"  // live capture across the broadcast window
	ModeTimeFree  Mode = "timefree"  // catch-up capture once the window is archived
	ModeImmediate Mode = "immediate" // start now
	ModeOnDemand  Mode = "ondemand"  // on-demand episode, start now
)

// ParseMode accepts the canonical names plus a few spellings used in
// import files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realtime", "live", "":
		return ModeRealtime, nil
	case "timefree", "time-free", "time_free":
		return ModeTimeFree, nil
	case "immediate", "now":
		return ModeImmediate, nil
	case "ondemand", "on-demand", "on_demand":
		return ModeOnDemand, nil
	}
	return "", errors.NewInvalidRequestError("unknown recording mode %q", s)
}

// ErrorCode is the closed failure taxonomy stored on failed jobs.
type ErrorCode string

const (
	CodeNone                   ErrorCode = ""
	CodeAuthFailed             ErrorCode = "AuthFailed"
	CodeSourceUnavailable      ErrorCode = "SourceUnavailable"
	CodeCaptureFailed          ErrorCode = "CaptureFailed"
	CodeDiskFull               ErrorCode = "DiskFull"
	CodeIOError                ErrorCode = "IoError"
	CodeFinalizeFailed         ErrorCode = "FinalizeFailed"
	CodeStartupRecoveryTimeout ErrorCode = "StartupRecoveryTimeout"
	CodeCancelled              ErrorCode = "Cancelled"
	CodeUnknown                ErrorCode = "Unknown"
)

// Timing constants of the fire-time table.
const (
	// PrepareLead is how long before the fire time a job becomes due.
	PrepareLead = 10 * time.Second
	// RealtimeLead starts live captures a little early.
	RealtimeLead = time.Second
	// TimeFreeAvailability is how long after broadcast end an archive is fetchable.
	TimeFreeAvailability = 3 * time.Minute
	// DefaultRecoveryTimeout bounds how stale an interrupted job may be and still resume.
	DefaultRecoveryTimeout = 2 * time.Hour
)

// Margins are the global start and end padding applied when a job carries no
// override.
type Margins struct {
	StartDelay time.Duration
	EndDelay   time.Duration
}

// Job is one persisted recording job.
type Job struct {
	ID          string
	ServiceKind string
	StationID   string
	ProgramID   string
	Title       string
	StartAt     time.Time
	EndAt       time.Time
	Mode        Mode

	// Optional per-job overrides of Margins
	StartDelay *time.Duration
	EndDelay   *time.Duration

	State          State
	PrepareStartAt time.Time
	QueuedAt       *time.Time
	ActualStartAt  *time.Time
	CompletedAt    *time.Time

	LastErrorCode   ErrorCode
	LastErrorDetail string
	RetryCount      int
	Enabled         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJobID returns a time-ordered UUIDv7 string.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks the fields a caller must supply.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ServiceKind) == "" {
		return errors.NewInvalidRequestError("service kind is required")
	}
	if strings.TrimSpace(j.ProgramID) == "" {
		return errors.NewInvalidRequestError("program id is required")
	}
	if j.StartAt.IsZero() || j.EndAt.IsZero() {
		return errors.NewInvalidRequestError("start and end are required")
	}
	if !j.EndAt.After(j.StartAt) {
		return errors.NewInvalidRequestError("end %s is not after start %s",
			j.EndAt.Format(time.RFC3339), j.StartAt.Format(time.RFC3339))
	}
	if _, err := ParseMode(string(j.Mode)); err != nil {
		return err
	}
	if j.StartDelay != nil && *j.StartDelay < 0 {
		return errors.NewInvalidRequestError("start delay must not be negative")
	}
	if j.EndDelay != nil && *j.EndDelay < 0 {
		return errors.NewInvalidRequestError("end delay must not be negative")
	}
	return nil
}

// EffectiveMargins applies the job's overrides on top of the defaults.
func (j *Job) EffectiveMargins(defaults Margins) Margins {
	m := defaults
	if j.StartDelay != nil {
		m.StartDelay = *j.StartDelay
	}
	if j.EndDelay != nil {
		m.EndDelay = *j.EndDelay
	}
	return m
}

// FireAt is the instant capture should begin.
//
//	realtime             StartAt − startDelay − 1s
//	timefree             EndAt + 3min, or now once that has passed
//	immediate, ondemand  now
func (j *Job) FireAt(defaults Margins, now time.Time) time.Time {
	switch j.Mode {
	case ModeTimeFree:
		at := j.EndAt.Add(TimeFreeAvailability)
		if at.Before(now) {
			return now
		}
		return at
	case ModeImmediate, ModeOnDemand:
		return now
	default:
		m := j.EffectiveMargins(defaults)
		return j.StartAt.Add(-m.StartDelay).Add(-RealtimeLead)
	}
}

// PrepareAt is FireAt − PrepareLead, the instant the job becomes due.
func (j *Job) PrepareAt(defaults Margins, now time.Time) time.Time {
	return j.FireAt(defaults, now).Add(-PrepareLead)
}

// CaptureDuration is how long a realtime capture runs when started at
// startedAt: until EndAt plus the end margin. Zero means unbounded.
func (j *Job) CaptureDuration(defaults Margins, startedAt time.Time) time.Duration {
	if j.Mode != ModeRealtime {
		return 0
	}
	end := j.EndAt.Add(j.EffectiveMargins(defaults).EndDelay)
	d := end.Sub(startedAt)
	if d < time.Second {
		return time.Second
	}
	return d
}
