package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
)

// OrphanAborter closes out recording attempts a crashed process left open.
// *recording.Store implements it.
type OrphanAborter interface {
	AbortInterrupted(ctx context.Context, reason string) (int, error)
}

// RecoveryConfig tunes startup recovery.
type RecoveryConfig struct {
	// Timeout is how long past its start a job may be and still resume
	Timeout time.Duration
	Margins Margins
}

// RecoveryReport summarises one recovery pass.
type RecoveryReport struct {
	Resumed  int // reset to pending
	TimedOut int // marked failed with StartupRecoveryTimeout
	Lost     int // changed by someone else mid-recovery
	Aborted  int // orphaned recording attempts closed out
}

const orphanReason = "interrupted by process restart"

// Recover runs once before the scan loop starts. Jobs left in an in-flight
// state are failed when their start is older than cfg.Timeout, and otherwise
// returned to pending with a prepare time no earlier than now.
func Recover(ctx context.Context, store *Store, aborter OrphanAborter, cfg RecoveryConfig, now time.Time, log *zap.SugaredLogger) (RecoveryReport, error) {
	var report RecoveryReport
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRecoveryTimeout
	}
	recLog := logger.AddPulseOpenSymbol(log)

	if aborter != nil {
		n, err := aborter.AbortInterrupted(ctx, orphanReason)
		if err != nil {
			return report, errors.Wrap(err, "failed to abort orphaned recordings")
		}
		report.Aborted = n
	}

	jobs, err := store.ListInterrupted(ctx)
	if err != nil {
		return report, err
	}

	for _, job := range jobs {
		jlog := recLog.With(logger.FieldJobID, job.ID, logger.FieldState, job.State)

		if now.Sub(job.StartAt) > cfg.Timeout {
			ok, err := store.MarkTerminal(ctx, job.ID, job.State, StateFailed, CodeStartupRecoveryTimeout,
				"interrupted "+now.Sub(job.StartAt).Round(time.Minute).String()+" after start")
			if err != nil {
				return report, errors.Wrapf(err, "failed to time out job %s", job.ID)
			}
			if !ok {
				report.Lost++
				continue
			}
			report.TimedOut++
			jlog.Warnw("Interrupted job too old to resume", logger.FieldStartTime, FormatTime(job.StartAt))
			continue
		}

		prepareAt := job.PrepareAt(cfg.Margins, now)
		if prepareAt.Before(now) {
			prepareAt = now
		}
		ok, err := store.ResetToPending(ctx, job.ID, job.State, prepareAt)
		if err != nil {
			return report, errors.Wrapf(err, "failed to reset job %s", job.ID)
		}
		if !ok {
			report.Lost++
			continue
		}
		report.Resumed++
		jlog.Infow("Interrupted job resumed", logger.FieldPrepareAt, FormatTime(prepareAt))
	}

	if len(jobs) > 0 || report.Aborted > 0 {
		recLog.Infow("Startup recovery finished",
			"resumed", report.Resumed,
			"timed_out", report.TimedOut,
			"lost", report.Lost,
			"aborted", report.Aborted)
	}
	return report, nil
}
