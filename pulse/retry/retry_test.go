package retry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
)

// recordingSleep captures requested delays without sleeping
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestPolicy(attempts int) (*Policy, *recordingSleep) {
	p := NewPolicy(attempts, 200*time.Millisecond, time.Second, zap.NewNop().Sugar())
	rec := &recordingSleep{}
	p.sleep = rec.sleep
	return p, rec
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0, 0, nil)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	p, rec := newTestPolicy(3)

	calls := 0
	err := p.Execute(context.Background(), "programme lookup", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Op: "programme lookup", StatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)
}

func TestExecute_DelayCapsAtMax(t *testing.T) {
	p, rec := newTestPolicy(6)

	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		return &TransientError{Op: "op"}
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, rec.delays)
}

func TestExecute_FinalErrorPropagates(t *testing.T) {
	p, _ := newTestPolicy(3)

	calls := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return &TransientError{Op: "op", StatusCode: 500 + calls}
	})

	var te *TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 503, te.StatusCode, "last attempt's error is returned")
	assert.Equal(t, 3, calls)
}

func TestExecute_PermanentErrorNotRetried(t *testing.T) {
	p, rec := newTestPolicy(3)

	calls := 0
	permanent := errors.New("malformed programme payload")
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestExecute_CallerCancellationNotRetried(t *testing.T) {
	p, _ := newTestPolicy(3)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Execute(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.Wrap(context.Canceled, "request aborted")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	p, _ := newTestPolicy(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := p.Execute(ctx, "op", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestExecute_InternalTimeoutIsRetried(t *testing.T) {
	p, _ := newTestPolicy(2)

	calls := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.Wrap(context.DeadlineExceeded, "per-request timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ReturnsValue(t *testing.T) {
	p, _ := newTestPolicy(3)

	calls := 0
	v, err := Do(context.Background(), p, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return "stream.m3u8", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "stream.m3u8", v)
}

func TestIsTransient(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, IsTransient(ctx, &TransientError{Op: "x"}))
	assert.True(t, IsTransient(ctx, &net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.False(t, IsTransient(ctx, errors.New("bad json")))
	assert.False(t, IsTransient(ctx, context.Canceled))
	assert.False(t, IsTransient(cancelled, &TransientError{Op: "x"}))
	assert.False(t, IsTransient(ctx, nil))
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		assert.False(t, IsTransientStatus(code), "status %d", code)
	}
}

func TestSendWithRetry(t *testing.T) {
	t.Run("retries transient statuses and sets user agent", func(t *testing.T) {
		var hits int32
		var mu sync.Mutex
		var agents []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			agents = append(agents, r.Header.Get("User-Agent"))
			mu.Unlock()
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		p, rec := newTestPolicy(3)
		resp, err := SendWithRetry(context.Background(), p, srv.Client(), "lookup",
			func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			}, "onair/test")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
		assert.Len(t, rec.delays, 2)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"onair/test", "onair/test", "onair/test"}, agents)
	})

	t.Run("keeps caller user agent", func(t *testing.T) {
		agent := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent <- r.Header.Get("User-Agent")
		}))
		defer srv.Close()

		p, _ := newTestPolicy(3)
		resp, err := SendWithRetry(context.Background(), p, srv.Client(), "lookup",
			func(ctx context.Context) (*http.Request, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
				if err != nil {
					return nil, err
				}
				req.Header.Set("User-Agent", "custom")
				return req, nil
			}, "onair/test")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "custom", <-agent)
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		p, _ := newTestPolicy(3)
		resp, err := SendWithRetry(context.Background(), p, srv.Client(), "lookup",
			func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			}, "")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("exhausted budget surfaces transient error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p, _ := newTestPolicy(2)
		_, err := SendWithRetry(context.Background(), p, srv.Client(), "lookup",
			func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			}, "")
		var te *TransientError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	})
}

func TestExecute_RealDelays(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	p := DefaultPolicy(nil)
	var stamps []time.Time
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return &TransientError{Op: "op"}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 200*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 400*time.Millisecond)
}
