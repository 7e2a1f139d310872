package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/cancel"
	"github.com/teranos/onair/recording"
)

// Recorder runs one capture. *recording.Orchestrator implements it.
type Recorder interface {
	Record(ctx context.Context, cmd recording.Command) recording.Result
}

// Notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// JobNotice tells listeners something happened to a job outside the normal
// recording state events.
type JobNotice struct {
	JobID   string    `json:"job_id"`
	Title   string    `json:"title"`
	Level   string    `json:"level"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier receives job notices. Failures are logged and ignored.
type Notifier interface {
	NotifyJob(ctx context.Context, notice JobNotice) error
}

// NoopNotifier discards notices.
type NoopNotifier struct{}

func (NoopNotifier) NotifyJob(context.Context, JobNotice) error { return nil }

// Dispatcher drives claimed jobs through preparing, recording and
// finalizing. Each job runs on its own goroutine; the dispatcher never runs
// the same job id twice at once.
type Dispatcher struct {
	store    *Store
	recorder Recorder
	registry *cancel.Registry
	notifier Notifier
	margins  *LiveMargins

	ctx      context.Context
	timeNow  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]*Job
}

// NewDispatcher creates a dispatcher. When ctx is cancelled, captures are
// interrupted and their jobs are left in place for startup recovery.
func NewDispatcher(ctx context.Context, store *Store, recorder Recorder, registry *cancel.Registry, margins *LiveMargins, log *zap.SugaredLogger) *Dispatcher {
	if registry == nil {
		registry = cancel.NewRegistry()
	}
	if margins == nil {
		margins = NewLiveMargins(Margins{})
	}
	return &Dispatcher{
		store:    store,
		recorder: recorder,
		registry: registry,
		notifier: NoopNotifier{},
		margins:  margins,
		ctx:      ctx,
		timeNow:  time.Now,
		sleep:    sleepContext,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		running:  make(map[string]*Job),
	}
}

// SetNotifier replaces the notice sink. nil restores the no-op sink.
func (d *Dispatcher) SetNotifier(n Notifier) {
	if n == nil {
		n = NoopNotifier{}
	}
	d.notifier = n
}

// Dispatch starts job, which must already be queued. It returns false when
// the job is already running here or the dispatcher is shutting down.
func (d *Dispatcher) Dispatch(job *Job) bool {
	if d.ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	if _, ok := d.running[job.ID]; ok {
		d.mu.Unlock()
		d.pulseLog.Debugw("Job already running", logger.FieldJobID, job.ID)
		return false
	}
	d.running[job.ID] = job
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(job)
	return true
}

// Running returns the jobs currently owned by this dispatcher, ordered by
// start time.
func (d *Dispatcher) Running() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs := make([]Job, 0, len(d.running))
	for _, j := range d.running {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].StartAt.Equal(jobs[b].StartAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].StartAt.Before(jobs[b].StartAt)
	})
	return jobs
}

// IsRunning reports whether id is owned by this dispatcher.
func (d *Dispatcher) IsRunning(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

// Wait blocks until every dispatched job has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
	d.wg.Done()
}

// run owns one job until it leaves the in-flight states. Store writes use a
// context that survives shutdown so a finished capture is always recorded.
func (d *Dispatcher) run(job *Job) {
	defer d.release(job.ID)

	bk := context.WithoutCancel(d.ctx)
	log := d.pulseLog.With(
		logger.FieldJobID, job.ID,
		logger.FieldProgram, job.ProgramID,
		logger.FieldMode, job.Mode,
	)
	current := StateQueued

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Dispatcher panic", logger.FieldState, current, "panic", r)
			if !current.IsTerminal() {
				d.markTerminal(bk, log, job, current, StateFailed, CodeUnknown, fmt.Sprintf("panic: %v", r))
			}
		}
	}()

	if !d.advance(bk, log, job.ID, current, StatePreparing) {
		return
	}
	current = StatePreparing

	captureCtx, cancelCapture := context.WithCancel(d.ctx)
	defer cancelCapture()
	d.registry.Register(job.ID, cancelCapture)
	defer d.registry.Unregister(job.ID)

	margins := d.margins.Get()
	fireAt := job.FireAt(margins, d.timeNow())
	log.Infow("Preparing job", logger.FieldFireAt, FormatTime(fireAt))

	if err := d.sleep(captureCtx, fireAt.Sub(d.timeNow())); err != nil {
		if d.ctx.Err() != nil {
			log.Infow("Shutdown before fire time, leaving job for recovery")
			return
		}
		d.markTerminal(bk, log, job, current, StateCancelled, CodeCancelled, "cancelled before capture started")
		return
	}

	if !d.advance(bk, log, job.ID, current, StateRecording) {
		return
	}
	current = StateRecording

	log.Infow("Recording started", logger.FieldStation, job.StationID)
	startedAt := d.timeNow()
	result := d.recorder.Record(captureCtx, d.command(job, margins))
	elapsed := d.timeNow().Sub(startedAt)

	if result.Success {
		if !d.advance(bk, log, job.ID, current, StateFinalizing) {
			return
		}
		current = StateFinalizing

		if err := d.store.Delete(bk, job.ID); err != nil {
			log.Warnw("Recording finished but job row was not removed",
				logger.FieldRecordingID, result.RecordingID,
				logger.FieldError, err.Error())
			d.notify(bk, log, JobNotice{
				JobID:   job.ID,
				Title:   job.Title,
				Level:   NoticeWarning,
				Message: "recording finished but the job could not be removed",
			})
			return
		}
		log.Infow("Job completed",
			logger.FieldRecordingID, result.RecordingID,
			logger.FieldDurationMS, elapsed.Milliseconds())
		return
	}

	if d.ctx.Err() != nil {
		log.Infow("Shutdown interrupted capture, leaving job for recovery",
			logger.FieldRecordingID, result.RecordingID)
		return
	}

	err := result.Err
	if err == nil {
		err = errors.New(result.ErrorMessage)
	}
	code := ClassifyError(err)
	to := StateFailed
	if code == CodeCancelled {
		to = StateCancelled
	}
	if d.markTerminal(bk, log, job, current, to, code, ErrorDetail(err)) {
		level := NoticeError
		if to == StateCancelled {
			level = NoticeInfo
		}
		d.notify(bk, log, JobNotice{
			JobID:   job.ID,
			Title:   job.Title,
			Level:   level,
			Code:    code,
			Message: result.ErrorMessage,
		})
	}
}

// advance performs one forward transition and reports whether the job is
// still ours.
func (d *Dispatcher) advance(ctx context.Context, log *zap.SugaredLogger, id string, from, to State) bool {
	ok, err := d.store.Transition(ctx, id, from, to)
	if err != nil {
		log.Errorw("Transition failed",
			logger.FieldFrom, from,
			logger.FieldTo, to,
			logger.FieldError, err.Error())
		return false
	}
	if !ok {
		log.Infow("Job changed underneath dispatcher, abandoning",
			logger.FieldFrom, from,
			logger.FieldTo, to)
		return false
	}
	log.Debugw("Job advanced", logger.FieldFrom, from, logger.FieldTo, to)
	return true
}

func (d *Dispatcher) markTerminal(ctx context.Context, log *zap.SugaredLogger, job *Job, from, to State, code ErrorCode, detail string) bool {
	ok, err := d.store.MarkTerminal(ctx, job.ID, from, to, code, detail)
	if err != nil {
		log.Errorw("Failed to record job outcome",
			logger.FieldTo, to,
			logger.FieldErrorCode, code,
			logger.FieldError, err.Error())
		return false
	}
	if !ok {
		log.Infow("Job outcome already recorded elsewhere", logger.FieldFrom, from, logger.FieldTo, to)
		return false
	}
	log.Warnw("Job ended", logger.FieldState, to, logger.FieldErrorCode, code, "detail", detail)
	return true
}

func (d *Dispatcher) notify(ctx context.Context, log *zap.SugaredLogger, n JobNotice) {
	n.At = d.timeNow().UTC()
	if err := d.notifier.NotifyJob(ctx, n); err != nil {
		log.Warnw("Failed to deliver job notice", logger.FieldError, err.Error())
	}
}

// command builds the capture request with the job's effective margins.
func (d *Dispatcher) command(job *Job, defaults Margins) recording.Command {
	m := job.EffectiveMargins(defaults)
	return recording.Command{
		JobID:       job.ID,
		ServiceKind: job.ServiceKind,
		StationID:   job.StationID,
		ProgramID:   job.ProgramID,
		ProgramName: job.Title,
		StartAt:     job.StartAt,
		EndAt:       job.EndAt,
		TimeFree:    job.Mode == ModeTimeFree,
		OnDemand:    job.Mode == ModeOnDemand,
		StartDelay:  m.StartDelay,
		EndDelay:    m.EndDelay,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
