package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/pulse/pacer"
	"github.com/teranos/onair/pulse/retry"
	"github.com/teranos/onair/recording"
)

func testCommand() recording.Command {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return recording.Command{
		JobID:       "job-1",
		ServiceKind: "radiko",
		StationID:   "TBS",
		ProgramID:   "prog-1",
		ProgramName: "Morning Show",
		StartAt:     start,
		EndAt:       start.Add(time.Hour),
		TimeFree:    true,
		EndDelay:    5 * time.Second,
	}
}

func newTestSource(t *testing.T, url string) *HTTPSource {
	t.Helper()
	log := zap.NewNop().Sugar()
	policy := retry.NewPolicy(3, time.Millisecond, 2*time.Millisecond, log)
	src, err := NewHTTPSource(Config{
		BaseURL:      url,
		ServiceKinds: []string{"Radiko", "radiru"},
		UserAgent:    "onair-test",
		Timeout:      5 * time.Second,
	}, policy, pacer.New(0, 0), log)
	require.NoError(t, err)
	return src
}

func TestNewHTTPSourceValidation(t *testing.T) {
	log := zap.NewNop().Sugar()

	_, err := NewHTTPSource(Config{ServiceKinds: []string{"radiko"}}, nil, nil, log)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewHTTPSource(Config{BaseURL: "ftp://resolver"}, nil, nil, log)
	assert.Error(t, err)

	_, err = NewHTTPSource(Config{BaseURL: "http://resolver"}, nil, nil, log)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCanHandle(t *testing.T) {
	src := newTestSource(t, "http://resolver.test")
	assert.True(t, src.CanHandle("radiko"))
	assert.True(t, src.CanHandle("RADIRU"))
	assert.False(t, src.CanHandle("nhk"))
}

func TestPrepareResolvesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/programs/radiko/prog-1", r.URL.Path)
		assert.Equal(t, "onair-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"stream_url": "https://cdn.example.com/prog-1.m3u8",
			"headers": {"X-Radiko-AuthToken": "tok"},
			"program": {"title": "Morning Show Special", "station_id": "TBS", "performer": "Host"}
		}`))
	}))
	defer server.Close()

	src := newTestSource(t, server.URL+"/api/")
	result, err := src.Prepare(context.Background(), testCommand())
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/prog-1.m3u8", result.StreamURL)
	assert.Equal(t, "tok", result.Headers["X-Radiko-AuthToken"])
	assert.Equal(t, "Morning Show Special", result.Program.Title)
	assert.Equal(t, "prog-1", result.Program.ProgramID, "gaps are filled from the command")
	assert.Equal(t, "Host", result.Program.Performer)
	assert.True(t, result.Program.StartAt.Equal(testCommand().StartAt))
	assert.True(t, result.Options.TimeFree)
	assert.Equal(t, 5*time.Second, result.Options.EndDelay)
}

func TestPrepareMapsStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, errors.ErrAuthFailed},
		{"forbidden", http.StatusForbidden, errors.ErrAuthFailed},
		{"not found", http.StatusNotFound, errors.ErrSourceUnavailable},
		{"gone", http.StatusGone, errors.ErrSourceUnavailable},
		{"outage after retries", http.StatusServiceUnavailable, errors.ErrSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newTestSource(t, server.URL).Prepare(context.Background(), testCommand())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestPrepareRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"stream_url": "https://cdn.example.com/a.m3u8"}`))
	}))
	defer server.Close()

	result, err := newTestSource(t, server.URL).Prepare(context.Background(), testCommand())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "Morning Show", result.Program.Title)
}

func TestPrepareRejectsBadPayloads(t *testing.T) {
	bodies := map[string]string{
		"not json":     `<html>`,
		"no stream":    `{"program": {}}`,
		"file stream":  `{"stream_url": "file:///etc/passwd"}`,
		"creds in url": `{"stream_url": "https://u:p@cdn.example.com/a.m3u8"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := newTestSource(t, server.URL).Prepare(context.Background(), testCommand())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrSourceUnavailable))
		})
	}
}

func TestPrepareHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestSource(t, "http://resolver.test").Prepare(ctx, testCommand())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
