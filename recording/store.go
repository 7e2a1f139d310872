package recording

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/onair/db"
	"github.com/teranos/onair/errors"
)

// Store is the SQLite Repository for recording attempts.
type Store struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewStore creates a recording store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, timeNow: time.Now}
}

const recordingColumns = `
	id, schedule_job_id, service_kind, program_id, station_id, title,
	start_at, end_at, time_free, on_demand, start_delay_ms, end_delay_ms,
	temp_path, final_path, relative_path, state, error_message,
	created_at, updated_at`

// Create inserts rec and returns its new id.
func (s *Store) Create(ctx context.Context, rec *Recording) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate recording id")
	}
	state := rec.State
	if state == "" {
		state = StatePending
	}
	now := s.timeNow().UTC().Format(db.TimeLayout)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings (`+recordingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		rec.ScheduleJobID,
		firstNonEmpty(rec.Options.ServiceKind, rec.Program.ServiceKind),
		rec.Program.ProgramID,
		rec.Program.StationID,
		rec.Program.Title,
		rec.Program.StartAt.UTC().Format(db.TimeLayout),
		rec.Program.EndAt.UTC().Format(db.TimeLayout),
		boolInt(rec.Options.TimeFree),
		boolInt(rec.Options.OnDemand),
		rec.Options.StartDelay.Milliseconds(),
		rec.Options.EndDelay.Milliseconds(),
		rec.Path.TempPath,
		rec.Path.FinalPath,
		rec.Path.RelativePath,
		string(state),
		rec.ErrorMessage,
		now,
		now,
	)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create recording for program %s", rec.Program.ProgramID)
	}
	return id.String(), nil
}

// UpdateState sets the attempt state and error message.
func (s *Store) UpdateState(ctx context.Context, id string, state State, errorMessage string) error {
	return s.updateOne(ctx, id,
		`UPDATE recordings SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(state), errorMessage, s.timeNow().UTC().Format(db.TimeLayout), id)
}

// UpdateFilePath records where the committed file ended up.
func (s *Store) UpdateFilePath(ctx context.Context, id string, path MediaPath) error {
	return s.updateOne(ctx, id,
		`UPDATE recordings SET temp_path = ?, final_path = ?, relative_path = ?, updated_at = ? WHERE id = ?`,
		path.TempPath, path.FinalPath, path.RelativePath, s.timeNow().UTC().Format(db.TimeLayout), id)
}

// AbortInterrupted marks attempts a crashed process left pending or
// recording as aborted. It returns how many rows changed.
func (s *Store) AbortInterrupted(ctx context.Context, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET state = ?, error_message = ?, updated_at = ?
		WHERE state IN (?, ?)`,
		string(StateAborted), reason, s.timeNow().UTC().Format(db.TimeLayout),
		string(StatePending), string(StateRecording))
	if err != nil {
		return 0, errors.Wrap(err, "failed to abort interrupted recordings")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// Get retrieves one attempt.
func (s *Store) Get(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("recording %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get recording %s", id)
	}
	return rec, nil
}

// List returns the most recent attempts first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings ORDER BY created_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recordings")
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recording")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByJob returns every attempt made for a job, oldest first.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]*Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE schedule_job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list recordings for job %s", jobID)
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recording")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) updateOne(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update recording %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("recording %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row rowScanner) (*Recording, error) {
	var rec Recording
	var startAt, endAt, createdAt, updatedAt, state, serviceKind string
	var timeFree, onDemand int
	var startDelayMS, endDelayMS sql.NullInt64

	err := row.Scan(
		&rec.ID,
		&rec.ScheduleJobID,
		&serviceKind,
		&rec.Program.ProgramID,
		&rec.Program.StationID,
		&rec.Program.Title,
		&startAt,
		&endAt,
		&timeFree,
		&onDemand,
		&startDelayMS,
		&endDelayMS,
		&rec.Path.TempPath,
		&rec.Path.FinalPath,
		&rec.Path.RelativePath,
		&state,
		&rec.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Program.ServiceKind = serviceKind
	rec.Options = Options{
		ServiceKind: serviceKind,
		TimeFree:    timeFree != 0,
		OnDemand:    onDemand != 0,
		StartDelay:  time.Duration(startDelayMS.Int64) * time.Millisecond,
		EndDelay:    time.Duration(endDelayMS.Int64) * time.Millisecond,
	}

	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{startAt, &rec.Program.StartAt},
		{endAt, &rec.Program.EndAt},
		{createdAt, &rec.CreatedAt},
		{updatedAt, &rec.UpdatedAt},
	} {
		t, err := time.Parse(db.TimeLayout, f.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse timestamp %q for recording %s", f.raw, rec.ID)
		}
		*f.dst = t
	}

	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// CountByState returns the number of attempts in each state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM recordings GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count recordings")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan recording count")
		}
		counts[State(st)] = n
	}
	return counts, rows.Err()
}
