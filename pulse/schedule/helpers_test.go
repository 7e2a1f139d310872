package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	qtest "github.com/teranos/onair/internal/testing"
	"github.com/teranos/onair/recording"
)

// baseTime is a fixed instant every test clock starts from.
var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestDB(t *testing.T) *sql.DB {
	return qtest.CreateTestDB(t)
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// newTestStore returns a store whose clock is fixed at baseTime.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(createTestDB(t))
	s.timeNow = func() time.Time { return baseTime }
	return s
}

func testJob(id string, mode Mode) *Job {
	return &Job{
		ID:             id,
		ServiceKind:    "radiko",
		StationID:      "TBS",
		ProgramID:      "prog-" + id,
		Title:          "Show " + id,
		StartAt:        baseTime.Add(time.Hour),
		EndAt:          baseTime.Add(2 * time.Hour),
		Mode:           mode,
		State:          StatePending,
		PrepareStartAt: baseTime.Add(-time.Minute),
		Enabled:        true,
	}
}

// insertJob upserts job and then walks it to state through legal
// transitions.
func insertJob(t *testing.T, s *Store, job *Job, state State) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, job))

	path := []State{StatePending, StateQueued, StatePreparing, StateRecording, StateFinalizing}
	for i := 1; i < len(path) && path[i-1] != state; i++ {
		ok, err := s.Transition(ctx, job.ID, path[i-1], path[i])
		require.NoError(t, err)
		require.True(t, ok)
	}
	job.State = state
}

// fakeRecorder scripts Record and remembers the store state it saw.
type fakeRecorder struct {
	mu       sync.Mutex
	store    *Store
	result   recording.Result
	block    bool
	started  chan struct{}
	commands []recording.Command
	seen     []State
}

func (r *fakeRecorder) Record(ctx context.Context, cmd recording.Command) recording.Result {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	if r.store != nil {
		if job, err := r.store.Get(context.Background(), cmd.JobID); err == nil {
			r.seen = append(r.seen, job.State)
		}
	}
	started := r.started
	r.mu.Unlock()

	if started != nil {
		close(started)
	}
	if r.block {
		<-ctx.Done()
		return recording.Result{
			RecordingID:  "rec-1",
			ErrorMessage: "recording was cancelled",
			Err:          ctx.Err(),
		}
	}
	return r.result
}

type captureNotifier struct {
	mu      sync.Mutex
	notices []JobNotice
}

func (n *captureNotifier) NotifyJob(_ context.Context, notice JobNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *captureNotifier) all() []JobNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]JobNotice(nil), n.notices...)
}

// noSleep makes the dispatcher fire immediately.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
