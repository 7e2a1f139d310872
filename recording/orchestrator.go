package recording

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
)

// User-facing failure messages.
const (
	msgUnsupportedService = "unsupported service"
	msgTimeFreeFailed     = "time-free chunk download failed"
	msgOnDemandFailed     = "on-demand recording failed"
	msgCaptureFailed      = "recording failed"
	msgCancelled          = "recording was cancelled"
	msgUnexpected         = "recording failed with an unexpected error"
)

// Orchestrator runs the capture pipeline for one command.
type Orchestrator struct {
	sources  []Source
	storage  Storage
	capturer Capturer
	repo     Repository
	states   StatePublisher
	toasts   ToastPublisher
	logger   *zap.SugaredLogger
	timeNow  func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStatePublisher sets where attempt state changes are published.
func WithStatePublisher(p StatePublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.states = p
		}
	}
}

// WithToastPublisher sets where completion notices are published.
func WithToastPublisher(p ToastPublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.toasts = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = logger.AddRecordSymbol(l)
		}
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.timeNow = now
	}
}

// NewOrchestrator wires the pipeline. Sources are tried in order.
func NewOrchestrator(sources []Source, storage Storage, capturer Capturer, repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources:  sources,
		storage:  storage,
		capturer: capturer,
		repo:     repo,
		states:   NoopPublisher{},
		toasts:   NoopPublisher{},
		logger:   zap.NewNop().Sugar(),
		timeNow:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// attempt carries the per-call state the cleanup and bookkeeping steps need.
type attempt struct {
	o           *Orchestrator
	ctx         context.Context
	bookkeeping context.Context
	cmd         Command
	log         *zap.SugaredLogger
	recordingID string
	path        *MediaPath
	committed   bool
}

// Record runs the pipeline for cmd. It never panics on collaborator
// failures and always reports the outcome in the returned Result.
func (o *Orchestrator) Record(ctx context.Context, cmd Command) Result {
	log := o.logger.With(
		logger.FieldJobID, cmd.JobID,
		logger.FieldService, cmd.ServiceKind,
		logger.FieldProgram, cmd.ProgramID,
	)

	source := o.sourceFor(cmd.ServiceKind)
	if source == nil {
		log.Warnw("No source handles service kind")
		return Result{
			ErrorMessage: msgUnsupportedService,
			Err:          errors.Wrapf(errors.ErrUnsupportedService, "service kind %q", cmd.ServiceKind),
		}
	}

	a := &attempt{
		o:           o,
		ctx:         ctx,
		bookkeeping: context.WithoutCancel(ctx),
		cmd:         cmd,
		log:         log,
	}
	defer a.cleanupTemp()

	result := a.run(source)
	if result.Success {
		log.Infow("Recording completed", logger.FieldRecordingID, result.RecordingID)
	}
	return result
}

func (o *Orchestrator) sourceFor(kind string) Source {
	for _, s := range o.sources {
		if s.CanHandle(kind) {
			return s
		}
	}
	return nil
}

func (a *attempt) run(source Source) Result {
	src, err := source.Prepare(a.ctx, a.cmd)
	if err != nil {
		return a.fail(errors.Wrap(err, "prepare source"))
	}

	path, err := a.o.storage.Prepare(a.ctx, src.Program)
	if err != nil {
		return a.fail(errors.Wrap(err, "prepare storage"))
	}
	a.path = &path

	id, err := a.o.repo.Create(a.bookkeeping, &Recording{
		ScheduleJobID: a.cmd.JobID,
		Program:       src.Program,
		Path:          path,
		Options:       src.Options,
		State:         StatePending,
	})
	if err != nil {
		return a.fail(errors.Wrap(err, "create recording"))
	}
	a.recordingID = id
	a.log = a.log.With(logger.FieldRecordingID, id)
	a.updateState(StateRecording, "")

	ok, err := a.o.capturer.Record(a.ctx, src, path)
	if err != nil {
		return a.fail(errors.Wrap(err, "capture"))
	}
	if !ok {
		if a.ctx.Err() != nil {
			return a.fail(errors.Wrap(a.ctx.Err(), "capture"))
		}
		msg := captureFailureMessage(a.cmd)
		a.updateState(StateFailed, msg)
		return Result{
			RecordingID:  id,
			ErrorMessage: msg,
			Err:          errors.Wrap(errors.ErrCaptureFailed, msg),
		}
	}

	committed, err := a.o.storage.Commit(a.bookkeeping, path)
	if err != nil {
		return a.fail(errors.Mark(errors.Wrap(err, "commit"), errors.ErrFinalizeFailed))
	}
	a.committed = true
	a.path = &committed

	if err := a.o.repo.UpdateFilePath(a.bookkeeping, id, committed); err != nil {
		return a.fail(errors.Mark(errors.Wrap(err, "record final path"), errors.ErrFinalizeFailed))
	}
	a.updateState(StateCompleted, "")
	a.publishToast(a.cmd.ProgramName+" recording completed", true)

	return Result{Success: true, RecordingID: id}
}

// fail records err on the attempt and turns it into a failed Result.
// Cancellation is reported separately from other failures.
func (a *attempt) fail(err error) Result {
	if errors.Is(err, context.Canceled) || a.ctx.Err() != nil {
		a.log.Warnw("Recording cancelled", logger.FieldError, err.Error())
		a.updateState(StateFailed, msgCancelled)
		if !errors.Is(err, context.Canceled) {
			err = errors.WithSecondaryError(errors.Wrap(context.Canceled, msgCancelled), err)
		}
		return Result{RecordingID: a.recordingID, ErrorMessage: msgCancelled, Err: err}
	}

	msg := err.Error()
	if isDomainError(err) {
		a.log.Warnw("Recording failed", logger.FieldError, msg)
	} else {
		a.log.Errorw("Recording failed unexpectedly", logger.FieldError, msg)
		msg = msgUnexpected + ": " + msg
	}
	a.updateState(StateFailed, msg)
	return Result{RecordingID: a.recordingID, ErrorMessage: msg, Err: err}
}

// updateState persists and publishes a state change. Failures are logged and
// never interrupt the pipeline.
func (a *attempt) updateState(state State, message string) {
	if a.recordingID == "" {
		return
	}

	if err := a.o.repo.UpdateState(a.bookkeeping, a.recordingID, state, message); err != nil {
		a.log.Errorw("Failed to update recording state",
			logger.FieldState, state,
			logger.FieldError, err.Error())
		return
	}

	event := StateChangedEvent{
		RecordingID:  a.recordingID,
		JobID:        a.cmd.JobID,
		State:        state,
		ErrorMessage: message,
		UpdatedAt:    a.o.timeNow().UTC(),
	}
	if err := a.o.states.PublishState(a.bookkeeping, event); err != nil {
		a.log.Warnw("Failed to publish recording state",
			logger.FieldState, state,
			logger.FieldError, err.Error())
	}
}

func (a *attempt) publishToast(message string, success bool) {
	event := ToastEvent{Message: message, Success: success, At: a.o.timeNow().UTC()}
	if err := a.o.toasts.PublishToast(a.bookkeeping, event); err != nil {
		a.log.Warnw("Failed to publish toast", logger.FieldError, err.Error())
	}
}

// cleanupTemp removes the temp file of an attempt that never committed.
func (a *attempt) cleanupTemp() {
	if a.path == nil || a.committed {
		return
	}
	if err := a.o.storage.CleanupTemp(a.bookkeeping, *a.path); err != nil {
		a.log.Errorw("Failed to clean up temp file",
			logger.FieldPath, a.path.TempPath,
			logger.FieldError, err.Error())
	}
}

func captureFailureMessage(cmd Command) string {
	switch {
	case cmd.TimeFree:
		return msgTimeFreeFailed
	case cmd.OnDemand:
		return msgOnDemandFailed
	default:
		return msgCaptureFailed
	}
}

func isDomainError(err error) bool {
	return errors.IsAny(err,
		errors.ErrAuthFailed,
		errors.ErrSourceUnavailable,
		errors.ErrCaptureFailed,
		errors.ErrDiskFull,
		errors.ErrIO,
		errors.ErrFinalizeFailed,
		errors.ErrUnsupportedService,
		errors.ErrNotFound,
		errors.ErrInvalidRequest,
	)
}
