// Package retry runs external calls with a small bounded retry budget.
//
// Only transient failures are retried: network errors, timeouts that did not
// come from the caller's own context, and errors explicitly marked with
// *TransientError. A cancelled caller context always ends the loop at once.
package retry

import (
	"context"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
)

// Defaults used when a Policy field is left zero.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultMaxDelay     = 1000 * time.Millisecond
)

// Policy holds the retry budget for one class of external calls.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	logger *zap.SugaredLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy with zero fields replaced by the defaults.
func NewPolicy(maxAttempts int, initialDelay, maxDelay time.Duration, log *zap.SugaredLogger) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		logger:       logger.AddPulseSymbol(log),
		sleep:        sleepContext,
	}
}

// DefaultPolicy returns the 3 attempt, 200ms to 1s policy.
func DefaultPolicy(log *zap.SugaredLogger) *Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultInitialDelay, DefaultMaxDelay, log)
}

// TransientError marks a failure that is worth another attempt.
type TransientError struct {
	Op         string
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return e.Op + " request failed: " + strconv.Itoa(e.StatusCode)
	}
	return e.Op + " failed transiently"
}

// Execute runs op until it succeeds, fails permanently, or the attempt budget
// is spent. The error of the final attempt is returned as is.
func (p *Policy) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxAttempts || !IsTransient(ctx, err) {
			return zero, err
		}

		p.logger.Warnw("Transient failure, retrying",
			logger.FieldOperation, name,
			logger.FieldAttempt, attempt,
			logger.FieldDelay, delay.String(),
			logger.FieldError, err.Error(),
		)

		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// IsTransient reports whether err deserves another attempt. Anything observed
// after the caller's own context ended is final.
func IsTransient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
