package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/db"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/cancel"
)

// Config gathers the scheduler knobs.
type Config struct {
	Ticker          TickerConfig
	RecoveryTimeout time.Duration
	// RecoveryRetry is the pause between failed startup recovery attempts
	RecoveryRetry time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Ticker:          DefaultTickerConfig(),
		RecoveryTimeout: DefaultRecoveryTimeout,
		RecoveryRetry:   30 * time.Second,
	}
}

// CancelOutcome says how a cancellation took effect.
type CancelOutcome string

const (
	// CancelSignalled means a running capture was told to stop; the
	// dispatcher records the terminal state when it unwinds.
	CancelSignalled CancelOutcome = "signalled"
	// CancelMarked means the job had not started capturing and was marked
	// cancelled directly.
	CancelMarked CancelOutcome = "marked"
)

// cancelAttempts bounds how often Cancel re-reads a job that keeps moving.
const cancelAttempts = 3

// Scheduler ties the store, scan loop, dispatcher and startup recovery
// together behind Schedule and Cancel.
type Scheduler struct {
	store      *Store
	dispatcher *Dispatcher
	ticker     *Ticker
	wakeup     *Wakeup
	registry   *cancel.Registry
	margins    *LiveMargins
	aborter    OrphanAborter
	cfg        Config

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger
	timeNow  func() time.Time

	mu        sync.Mutex
	started   bool
	recovered bool
}

// NewScheduler wires a scheduler. Nothing runs until Start.
func NewScheduler(ctx context.Context, store *Store, recorder Recorder, registry *cancel.Registry, margins *LiveMargins, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if registry == nil {
		registry = cancel.NewRegistry()
	}
	if margins == nil {
		margins = NewLiveMargins(Margins{})
	}
	if cfg.RecoveryRetry <= 0 {
		cfg.RecoveryRetry = DefaultConfig().RecoveryRetry
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}

	schedCtx, cancelFn := context.WithCancel(ctx)
	wakeup := NewWakeup()
	dispatcher := NewDispatcher(schedCtx, store, recorder, registry, margins, log)

	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		ticker:     NewTickerWithContext(schedCtx, store, dispatcher, wakeup, cfg.Ticker, log),
		wakeup:     wakeup,
		registry:   registry,
		margins:    margins,
		cfg:        cfg,
		ctx:        schedCtx,
		cancel:     cancelFn,
		pulseLog:   logger.AddPulseSymbol(log),
		timeNow:    time.Now,
	}
}

// SetNotifier routes job notices to n.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.dispatcher.SetNotifier(n)
}

// SetOrphanAborter lets startup recovery close out interrupted recording
// attempts as well.
func (s *Scheduler) SetOrphanAborter(a OrphanAborter) {
	s.aborter = a
}

// Dispatcher exposes the running-job view.
func (s *Scheduler) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Ticker exposes scan loop statistics.
func (s *Scheduler) Ticker() *Ticker {
	return s.ticker
}

// Cancellable counts captures that can currently be signalled.
func (s *Scheduler) Cancellable() int {
	return s.registry.Len()
}

// Margins is the live global margin holder.
func (s *Scheduler) Margins() *LiveMargins {
	return s.margins
}

// Start runs startup recovery, retrying until it succeeds, and then starts
// the scan loop. It returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.recoverUntilDone() {
			return
		}
		s.ticker.Start()
	}()
}

func (s *Scheduler) recoverUntilDone() bool {
	for {
		cfg := RecoveryConfig{Timeout: s.cfg.RecoveryTimeout, Margins: s.margins.Get()}
		_, err := Recover(s.ctx, s.store, s.aborter, cfg, s.timeNow(), s.pulseLog)
		if err == nil {
			s.mu.Lock()
			s.recovered = true
			s.mu.Unlock()
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}
		if db.IsDatabaseClosed(err) {
			s.pulseLog.Infow("Database closed, startup recovery abandoned")
			return false
		}
		s.pulseLog.Errorw("Startup recovery failed, retrying",
			logger.FieldError, err.Error(),
			logger.FieldDelay, s.cfg.RecoveryRetry)
		if sleepContext(s.ctx, s.cfg.RecoveryRetry) != nil {
			return false
		}
	}
}

// Recovered reports whether startup recovery has completed.
func (s *Scheduler) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Stop halts scanning, interrupts running captures and waits for every
// dispatched job to return. Interrupted jobs stay in place for recovery.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.ticker.Stop()
	s.dispatcher.Wait()
	s.pulseLog.Infow("Scheduler stopped")
}

// Schedule validates and persists job as pending, computing its prepare
// time, and wakes the scan loop. A blank id is filled with a new one.
func (s *Scheduler) Schedule(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, errors.NewInvalidRequestError("job is required")
	}
	if job.Mode == "" {
		job.Mode = ModeRealtime
	}
	mode, err := ParseMode(string(job.Mode))
	if err != nil {
		return nil, err
	}
	job.Mode = mode
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}

	job.State = StatePending
	job.Enabled = true
	job.PrepareStartAt = job.PrepareAt(s.margins.Get(), s.timeNow())

	if err := s.store.Upsert(ctx, job); err != nil {
		return nil, err
	}
	s.wakeup.Signal()

	s.pulseLog.Infow("Job scheduled",
		logger.FieldJobID, job.ID,
		logger.FieldProgram, job.ProgramID,
		logger.FieldMode, job.Mode,
		logger.FieldPrepareAt, FormatTime(job.PrepareStartAt))
	return job, nil
}

// Cancel stops a job. A running capture is signalled through the
// cancellation registry; a job that has not started capturing is marked
// cancelled in the store. Terminal jobs yield ErrConflict.
func (s *Scheduler) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	if s.registry.Cancel(id) {
		s.pulseLog.Infow("Cancellation signalled", logger.FieldJobID, id)
		return CancelSignalled, nil
	}

	for i := 0; i < cancelAttempts; i++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return "", err
		}

		switch {
		case job.State.IsTerminal():
			return "", errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, job.State)
		case job.State == StateRecording || job.State == StateFinalizing:
			// Owned by a dispatcher that has not registered yet or has
			// already unregistered
			if s.registry.Cancel(id) {
				return CancelSignalled, nil
			}
			return "", errors.WithHint(
				errors.Wrapf(errors.ErrConflict, "job %s is %s and not cancellable here", id, job.State),
				"the capture may be running in another process")
		}

		ok, err := s.store.MarkTerminal(ctx, id, job.State, StateCancelled, CodeCancelled, "cancelled by request")
		if err != nil {
			return "", err
		}
		if ok {
			s.registry.Cancel(id)
			s.pulseLog.Infow("Job cancelled", logger.FieldJobID, id, logger.FieldFrom, job.State)
			return CancelMarked, nil
		}
	}

	return "", errors.Wrapf(errors.ErrConflict, "job %s kept changing state", id)
}
