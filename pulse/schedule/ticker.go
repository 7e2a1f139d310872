package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/db"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
)

// JobDispatcher accepts claimed jobs. *Dispatcher implements it.
type JobDispatcher interface {
	Dispatch(job *Job) bool
}

// Ticker is the scan loop: it claims due jobs and hands them to the
// dispatcher. It wakes on a fixed interval, at the next known prepare time,
// or when signalled through Wakeup.
type Ticker struct {
	store        *Store
	dispatcher   JobDispatcher
	wakeup       *Wakeup
	interval     time.Duration
	batchSize    int
	errorBackoff time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *zap.SugaredLogger
	pulseLog     *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	timeNow      func() time.Time

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	dispatched      int64
	scanErrors      int64
	nextPrepareAt   *time.Time
}

// TickerConfig contains configuration for the scan loop
type TickerConfig struct {
	Interval     time.Duration // Periodic scan interval (default: 30 seconds)
	BatchSize    int           // Due jobs fetched per query (default: 20)
	ErrorBackoff time.Duration // Pause after a failed scan (default: 5 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:     30 * time.Second,
		BatchSize:    20,
		ErrorBackoff: 5 * time.Second,
	}
}

func (c TickerConfig) withDefaults() TickerConfig {
	d := DefaultTickerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	return c
}

// NewTicker creates a scan loop bound to context.Background().
func NewTicker(store *Store, dispatcher JobDispatcher, wakeup *Wakeup, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, dispatcher, wakeup, cfg, log)
}

// NewTickerWithContext creates a scan loop with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, dispatcher JobDispatcher, wakeup *Wakeup, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	cfg = cfg.withDefaults()
	tickerCtx, cancel := context.WithCancel(ctx)
	if wakeup == nil {
		wakeup = NewWakeup()
	}

	return &Ticker{
		store:        store,
		dispatcher:   dispatcher,
		wakeup:       wakeup,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		errorBackoff: cfg.ErrorBackoff,
		ctx:          tickerCtx,
		cancel:       cancel,
		logger:       log,
		pulseLog:     logger.AddPulseSymbol(log),
		timeNow:      time.Now,
	}
}

// Start begins the scan loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Scan loop started",
		"interval", t.interval,
		logger.FieldBatchSize, t.batchSize)
}

// Stop halts the loop and waits for the current scan to finish.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Scan loop stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		now := t.timeNow()
		t.mu.Lock()
		t.lastTickAt = now
		t.ticksSinceStart++
		t.mu.Unlock()

		next, err := t.scan(now)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if db.IsDatabaseClosed(err) {
				t.pulseLog.Infow("Database closed, scan loop exiting")
				return
			}
			t.mu.Lock()
			t.scanErrors++
			t.mu.Unlock()
			t.pulseLog.Warnw("Scan failed, backing off",
				logger.FieldError, err.Error(),
				logger.FieldDelay, t.errorBackoff)
			if sleepContext(t.ctx, t.errorBackoff) != nil {
				return
			}
			continue
		}

		// One-shot timer for a prepare time that falls before the next tick
		var timer *time.Timer
		var timerC <-chan time.Time
		if next != nil {
			if wait := next.Sub(t.timeNow()); wait < t.interval {
				if wait < 0 {
					wait = 0
				}
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
		}

		stopped := t.wait(ticker.C, timerC)
		if timer != nil {
			timer.Stop()
		}
		if stopped {
			return
		}
	}
}

// wait blocks until the next reason to scan. It reports true on shutdown.
func (t *Ticker) wait(tick, prepare <-chan time.Time) bool {
	select {
	case <-t.ctx.Done():
		return true
	case <-tick:
	case <-prepare:
	case <-t.wakeup.C():
		t.pulseLog.Debugw("Scan woken early")
	}
	return false
}

// scan claims and dispatches every due job, batch by batch, and returns the
// next prepare time still ahead.
func (t *Ticker) scan(now time.Time) (*time.Time, error) {
	for {
		select {
		case <-t.ctx.Done():
			return nil, t.ctx.Err()
		default:
		}

		jobs, err := t.store.ListDue(t.ctx, now, t.batchSize)
		if err != nil {
			return nil, err
		}

		for _, job := range jobs {
			if err := t.claimAndDispatch(job); err != nil {
				return nil, err
			}
		}

		if len(jobs) < t.batchSize {
			break
		}
	}

	next, err := t.store.NextPrepareAt(t.ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.nextPrepareAt = next
	t.mu.Unlock()
	return next, nil
}

func (t *Ticker) claimAndDispatch(job *Job) error {
	won, err := t.store.Claim(t.ctx, job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to claim job %s", job.ID)
	}
	if !won {
		t.pulseLog.Debugw("Claim lost", logger.FieldJobID, job.ID)
		return nil
	}

	job.State = StateQueued
	if !t.dispatcher.Dispatch(job) {
		// Left queued; startup recovery resets it on the next start
		t.pulseLog.Warnw("Dispatcher refused claimed job", logger.FieldJobID, job.ID)
		return nil
	}

	t.mu.Lock()
	t.dispatched++
	t.mu.Unlock()
	t.pulseLog.Infow("Job dispatched",
		logger.FieldJobID, job.ID,
		logger.FieldProgram, job.ProgramID,
		logger.FieldMode, job.Mode,
		logger.FieldPrepareAt, FormatTime(job.PrepareStartAt))
	return nil
}

// GetStats returns scan loop statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
		"dispatched":        t.dispatched,
		"scan_errors":       t.scanErrors,
	}
	if t.nextPrepareAt != nil {
		stats["next_prepare_at"] = *t.nextPrepareAt
	}
	return stats
}
