package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/internal/util"
)

func TestStateRanksFollowLifecycle(t *testing.T) {
	order := []State{StatePending, StateQueued, StatePreparing, StateRecording, StateFinalizing}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should rank after %s", order[i], order[i-1])
	}
	assert.Greater(t, StateFailed.Rank(), StateFinalizing.Rank())
	assert.Equal(t, StateFailed.Rank(), StateCancelled.Rank())
	assert.Equal(t, -1, State("paused").Rank())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateQueued, true},
		{StateQueued, StatePreparing, true},
		{StatePreparing, StateRecording, true},
		{StateRecording, StateFinalizing, true},
		{StatePending, StatePreparing, false},
		{StateRecording, StateQueued, false},
		{StateQueued, StateCancelled, true},
		{StateRecording, StateFailed, true},
		{StateFailed, StatePending, false},
		{StateCancelled, StateFailed, false},
		{State("bogus"), StateQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransitionNeverMovesBackward(t *testing.T) {
	all := []State{StatePending, StateQueued, StatePreparing, StateRecording, StateFinalizing, StateFailed, StateCancelled}
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				assert.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
			}
		}
	}
}

func TestFireAt(t *testing.T) {
	T := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	defaults := Margins{StartDelay: 5 * time.Second, EndDelay: 30 * time.Second}

	t.Run("realtime subtracts start delay and lead", func(t *testing.T) {
		job := &Job{Mode: ModeRealtime, StartAt: T, EndAt: T.Add(time.Hour)}
		assert.Equal(t, T.Add(-6*time.Second), job.FireAt(defaults, T.Add(-time.Hour)))
		assert.Equal(t, T.Add(-16*time.Second), job.PrepareAt(defaults, T.Add(-time.Hour)))
	})

	t.Run("realtime honours per-job override", func(t *testing.T) {
		job := &Job{Mode: ModeRealtime, StartAt: T, EndAt: T.Add(time.Hour), StartDelay: util.Ptr(20 * time.Second)}
		assert.Equal(t, T.Add(-21*time.Second), job.FireAt(defaults, T.Add(-time.Hour)))
	})

	t.Run("timefree waits for availability", func(t *testing.T) {
		job := &Job{Mode: ModeTimeFree, StartAt: T.Add(-time.Hour), EndAt: T}
		assert.Equal(t, T.Add(3*time.Minute), job.FireAt(defaults, T))
	})

	t.Run("timefree clamps to now once available", func(t *testing.T) {
		job := &Job{Mode: ModeTimeFree, StartAt: T.Add(-time.Hour), EndAt: T}
		now := T.Add(time.Hour)
		assert.Equal(t, now, job.FireAt(defaults, now))
	})

	for _, mode := range []Mode{ModeImmediate, ModeOnDemand} {
		t.Run(string(mode)+" fires now", func(t *testing.T) {
			job := &Job{Mode: mode, StartAt: T, EndAt: T.Add(time.Hour)}
			now := time.Now()
			assert.WithinDuration(t, now, job.FireAt(defaults, now), time.Millisecond)
			assert.Equal(t, now.Add(-PrepareLead), job.PrepareAt(defaults, now))
		})
	}
}

func TestCaptureDuration(t *testing.T) {
	T := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	defaults := Margins{EndDelay: 30 * time.Second}
	job := &Job{Mode: ModeRealtime, StartAt: T, EndAt: T.Add(time.Hour)}

	assert.Equal(t, time.Hour+30*time.Second, job.CaptureDuration(defaults, T))
	assert.Equal(t, time.Second, job.CaptureDuration(defaults, T.Add(2*time.Hour)), "late start still records a sliver")

	job.Mode = ModeTimeFree
	assert.Zero(t, job.CaptureDuration(defaults, T))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":          ModeRealtime,
		"live":      ModeRealtime,
		"TimeFree":  ModeTimeFree,
		"time-free": ModeTimeFree,
		"now":       ModeImmediate,
		"on_demand": ModeOnDemand,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("weekly")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Job {
		return &Job{
			ServiceKind: "radiko",
			ProgramID:   "p1",
			StartAt:     baseTime,
			EndAt:       baseTime.Add(time.Hour),
			Mode:        ModeRealtime,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing service", func(j *Job) { j.ServiceKind = " " }},
		{"missing program", func(j *Job) { j.ProgramID = "" }},
		{"zero start", func(j *Job) { j.StartAt = time.Time{} }},
		{"end before start", func(j *Job) { j.EndAt = j.StartAt.Add(-time.Minute) }},
		{"bad mode", func(j *Job) { j.Mode = "weekly" }},
		{"negative delay", func(j *Job) { j.EndDelay = util.Ptr(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := valid()
			tt.mutate(j)
			assert.True(t, errors.IsInvalidRequestError(j.Validate()))
		})
	}
}

func TestNewJobIDIsTimeOrdered(t *testing.T) {
	a := NewJobID()
	time.Sleep(2 * time.Millisecond)
	b := NewJobID()
	assert.Less(t, a, b)
	assert.Len(t, a, 36)
}

func TestLiveMargins(t *testing.T) {
	var nilMargins *LiveMargins
	assert.Equal(t, Margins{}, nilMargins.Get())

	m := NewLiveMargins(Margins{StartDelay: time.Second})
	m.Set(Margins{StartDelay: 3 * time.Second, EndDelay: time.Minute})
	assert.Equal(t, 3*time.Second, m.Get().StartDelay)
}

func TestWakeupCoalesces(t *testing.T) {
	w := NewWakeup()
	w.Signal()
	w.Signal()
	w.Signal()

	<-w.C()
	select {
	case <-w.C():
		t.Fatal("signals should coalesce into one wake")
	default:
	}

	var nilWakeup *Wakeup
	nilWakeup.Signal()
	assert.Nil(t, nilWakeup.C())
}
