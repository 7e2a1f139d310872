package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/onair/db"
	"github.com/teranos/onair/errors"
)

// TimeLayout is the persisted timestamp format shared with the recordings
// table.
const TimeLayout = db.TimeLayout

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp, also accepting plain RFC3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Store handles persistence of recording jobs. Every state change is a
// conditional update on (id, state): zero affected rows means another actor
// got there first.
type Store struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewStore creates a new schedule store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, timeNow: time.Now}
}

const jobColumns = `
	id, service_kind, station_id, program_id, title, start_at, end_at, mode,
	start_delay_ms, end_delay_ms, state, prepare_start_at, queued_at,
	actual_start_at, completed_at, last_error_code, last_error_detail,
	retry_count, enabled, created_at, updated_at`

// Upsert inserts job or replaces the row with the same id. The row is reset
// to a clean pending state: lifecycle timestamps and error fields are
// cleared and the job is re-enabled. A row a dispatcher currently owns is
// left untouched and ErrConflict is returned.
func (s *Store) Upsert(ctx context.Context, job *Job) error {
	now := FormatTime(s.timeNow())
	query := `
		INSERT INTO schedule_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, '', '', 0, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			service_kind      = excluded.service_kind,
			station_id        = excluded.station_id,
			program_id        = excluded.program_id,
			title             = excluded.title,
			start_at          = excluded.start_at,
			end_at            = excluded.end_at,
			mode              = excluded.mode,
			start_delay_ms    = excluded.start_delay_ms,
			end_delay_ms      = excluded.end_delay_ms,
			state             = excluded.state,
			prepare_start_at  = excluded.prepare_start_at,
			queued_at         = NULL,
			actual_start_at   = NULL,
			completed_at      = NULL,
			last_error_code   = '',
			last_error_detail = '',
			enabled           = 1,
			updated_at        = excluded.updated_at
		WHERE schedule_jobs.state NOT IN ('queued', 'preparing', 'recording', 'finalizing')
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.ServiceKind,
		job.StationID,
		job.ProgramID,
		job.Title,
		FormatTime(job.StartAt),
		FormatTime(job.EndAt),
		string(job.Mode),
		durationMS(job.StartDelay),
		durationMS(job.EndDelay),
		string(StatePending),
		FormatTime(job.PrepareStartAt),
		now,
		now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert job %s", job.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.WithHint(
			errors.Wrapf(errors.ErrConflict, "job %s is in flight", job.ID),
			"cancel the job before rescheduling it")
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM schedule_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListFilter narrows List.
type ListFilter struct {
	States          []State
	IncludeDisabled bool
	Limit           int
}

// List returns jobs ordered by prepare_start_at.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if !f.IncludeDisabled {
		where = append(where, "enabled = 1")
	}
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, st := range f.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + jobColumns + ` FROM schedule_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY prepare_start_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

// ListDue returns up to limit enabled pending jobs whose prepare time has
// arrived, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM schedule_jobs
		WHERE enabled = 1 AND state = ? AND prepare_start_at <= ?
		ORDER BY prepare_start_at ASC, id ASC
		LIMIT ?`
	jobs, err := s.queryJobs(ctx, query, string(StatePending), FormatTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	return jobs, nil
}

// ListInterrupted returns enabled jobs left in an in-flight state.
func (s *Store) ListInterrupted(ctx context.Context) ([]*Job, error) {
	jobs, err := s.List(ctx, ListFilter{States: InFlightStates})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interrupted jobs")
	}
	return jobs, nil
}

// NextPrepareAt returns the earliest prepare time among enabled pending jobs,
// or nil when there are none.
func (s *Store) NextPrepareAt(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(prepare_start_at) FROM schedule_jobs WHERE enabled = 1 AND state = ?`,
		string(StatePending),
	).Scan(&next)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next prepare time")
	}
	if !next.Valid {
		return nil, nil
	}
	t, err := ParseTime(next.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse prepare_start_at %q", next.String)
	}
	return &t, nil
}

// Transition moves a job from → to if it is still in from. It reports
// whether this caller won. Entering queued stamps queued_at, entering
// recording stamps actual_start_at and entering finalizing stamps
// completed_at.
func (s *Store) Transition(ctx context.Context, id string, from, to State) (bool, error) {
	if !CanTransition(from, to) || to.IsTerminal() {
		return false, errors.WithDetailf(
			errors.NewInvalidRequestError("illegal transition %s -> %s", from, to),
			"job=%s", id)
	}

	now := FormatTime(s.timeNow())
	set := "state = ?, updated_at = ?"
	args := []interface{}{string(to), now}

	switch to {
	case StateQueued:
		set += ", queued_at = ?"
		args = append(args, now)
	case StateRecording:
		set += ", actual_start_at = ?"
		args = append(args, now)
	case StateFinalizing:
		set += ", completed_at = ?"
		args = append(args, now)
	}
	args = append(args, id, string(from))

	return s.execConditional(ctx,
		`UPDATE schedule_jobs SET `+set+` WHERE id = ? AND state = ?`,
		args,
		"transition job %s %s -> %s", id, from, to)
}

// Claim is the pending → queued transition the scan loop uses.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	return s.Transition(ctx, id, StatePending, StateQueued)
}

// MarkTerminal moves a job from → failed or cancelled, disables it, records
// the failure and bumps the retry count.
func (s *Store) MarkTerminal(ctx context.Context, id string, from, to State, code ErrorCode, detail string) (bool, error) {
	if !to.IsTerminal() || !CanTransition(from, to) {
		return false, errors.NewInvalidRequestError("illegal terminal transition %s -> %s", from, to)
	}

	return s.execConditional(ctx, `
		UPDATE schedule_jobs
		SET state = ?, enabled = 0, retry_count = retry_count + 1,
		    last_error_code = ?, last_error_detail = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		[]interface{}{string(to), string(code), detail, FormatTime(s.timeNow()), id, string(from)},
		"mark job %s %s -> %s", id, from, to)
}

// ResetToPending returns an interrupted job to pending with a fresh prepare
// time. Used only by startup recovery.
func (s *Store) ResetToPending(ctx context.Context, id string, from State, prepareAt time.Time) (bool, error) {
	if !from.IsInFlight() {
		return false, errors.NewInvalidRequestError("cannot reset job in state %s", from)
	}

	return s.execConditional(ctx, `
		UPDATE schedule_jobs
		SET state = ?, prepare_start_at = ?, queued_at = NULL,
		    actual_start_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		[]interface{}{string(StatePending), FormatTime(prepareAt), FormatTime(s.timeNow()), id, string(from)},
		"reset job %s from %s", id, from)
}

// Delete removes a job row. Only finalizing rows are removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	ok, err := s.execConditional(ctx,
		`DELETE FROM schedule_jobs WHERE id = ? AND state = ?`,
		[]interface{}{id, string(StateFinalizing)},
		"delete job %s", id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("finalizing job %s", id)
	}
	return nil
}

// Purge removes a job row whatever its state. Used by the CLI to clear
// failed and cancelled jobs.
func (s *Store) Purge(ctx context.Context, id string) error {
	ok, err := s.execConditional(ctx,
		`DELETE FROM schedule_jobs WHERE id = ? AND state IN (?, ?)`,
		[]interface{}{id, string(StateFailed), string(StateCancelled)},
		"purge job %s", id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("terminal job %s", id)
	}
	return nil
}

// CountByState returns the number of rows in each state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM schedule_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[State(st)] = n
	}
	return counts, rows.Err()
}

func (s *Store) execConditional(ctx context.Context, query string, args []interface{}, format string, fargs ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to "+format, fargs...)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var mode, state, code string
	var startAt, endAt, prepareAt, createdAt, updatedAt string
	var queuedAt, actualStartAt, completedAt sql.NullString
	var startDelayMS, endDelayMS sql.NullInt64
	var enabled int

	err := row.Scan(
		&job.ID,
		&job.ServiceKind,
		&job.StationID,
		&job.ProgramID,
		&job.Title,
		&startAt,
		&endAt,
		&mode,
		&startDelayMS,
		&endDelayMS,
		&state,
		&prepareAt,
		&queuedAt,
		&actualStartAt,
		&completedAt,
		&code,
		&job.LastErrorDetail,
		&job.RetryCount,
		&enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Mode = Mode(mode)
	job.State = State(state)
	job.LastErrorCode = ErrorCode(code)
	job.Enabled = enabled != 0
	job.StartDelay = msDuration(startDelayMS)
	job.EndDelay = msDuration(endDelayMS)

	// Parse timestamps (a parse failure indicates corruption or schema mismatch)
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"start_at", startAt, &job.StartAt},
		{"end_at", endAt, &job.EndAt},
		{"prepare_start_at", prepareAt, &job.PrepareStartAt},
		{"created_at", createdAt, &job.CreatedAt},
		{"updated_at", updatedAt, &job.UpdatedAt},
	} {
		t, err := ParseTime(f.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s for job %s", f.name, job.ID)
		}
		*f.dst = t
	}

	for _, f := range []struct {
		name string
		raw  sql.NullString
		dst  **time.Time
	}{
		{"queued_at", queuedAt, &job.QueuedAt},
		{"actual_start_at", actualStartAt, &job.ActualStartAt},
		{"completed_at", completedAt, &job.CompletedAt},
	} {
		if !f.raw.Valid {
			continue
		}
		t, err := ParseTime(f.raw.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s for job %s", f.name, job.ID)
		}
		*f.dst = &t
	}

	return &job, nil
}

func durationMS(d *time.Duration) interface{} {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

func msDuration(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Millisecond
	return &d
}
