package capture

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/recording"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testSource() *recording.SourceResult {
	return &recording.SourceResult{
		StreamURL: "https://cdn.example.com/live.m3u8",
		Headers:   map[string]string{"X-Token": "abc", "Area": "JP13"},
		Program: recording.ProgramInfo{
			ProgramID: "prog-1",
			StartAt:   now,
			EndAt:     now.Add(30 * time.Minute),
		},
		Options: recording.Options{EndDelay: 10 * time.Second},
	}
}

func newTestFFmpeg(t *testing.T, cfg Config) *FFmpeg {
	t.Helper()
	f, err := NewFFmpeg(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	f.timeNow = func() time.Time { return now }
	return f
}

func TestArgsRealtime(t *testing.T) {
	f := newTestFFmpeg(t, Config{ExtraArgs: `-metadata "title=Morning Show"`})
	args := f.Args(testSource(), recording.MediaPath{TempPath: "/work/a.m4a"})

	assert.Equal(t, []string{
		"-y", "-loglevel", "error",
		"-headers", "Area: JP13\r\nX-Token: abc\r\n",
		"-i", "https://cdn.example.com/live.m3u8",
		"-t", "1810",
		"-vn", "-c", "copy",
		"-metadata", "title=Morning Show",
		"/work/a.m4a",
	}, args)
}

func TestArgsTimeFreeHasNoDuration(t *testing.T) {
	f := newTestFFmpeg(t, Config{})
	src := testSource()
	src.Options.TimeFree = true
	src.Headers = nil

	args := f.Args(src, recording.MediaPath{TempPath: "/work/a.m4a"})
	assert.NotContains(t, args, "-t")
	assert.NotContains(t, args, "-headers")
}

func TestArgsLateStartRecordsAtLeastOneSecond(t *testing.T) {
	f := newTestFFmpeg(t, Config{})
	f.timeNow = func() time.Time { return now.Add(2 * time.Hour) }

	args := f.Args(testSource(), recording.MediaPath{TempPath: "/work/a.m4a"})
	assert.Contains(t, args, "1")
}

func TestNewFFmpegRejectsBadArgs(t *testing.T) {
	_, err := NewFFmpeg(Config{ExtraArgs: `-metadata "unterminated`}, zap.NewNop().Sugar())
	assert.True(t, errors.IsInvalidRequestError(err))
}

// fakeFFmpeg writes a shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRecordSuccess(t *testing.T) {
	// The output path is the last argument
	bin := fakeFFmpeg(t, `for a; do out="$a"; done; printf data > "$out"`)
	f := newTestFFmpeg(t, Config{Path: bin})
	out := filepath.Join(t.TempDir(), "a.m4a")

	ok, err := f.Record(context.Background(), testSource(), recording.MediaPath{TempPath: out})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordNonZeroExit(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Server returned 403 Forbidden" >&2; exit 1`)
	f := newTestFFmpeg(t, Config{Path: bin})

	ok, err := f.Record(context.Background(), testSource(), recording.MediaPath{TempPath: filepath.Join(t.TempDir(), "a.m4a")})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordEmptyOutput(t *testing.T) {
	bin := fakeFFmpeg(t, `exit 0`)
	f := newTestFFmpeg(t, Config{Path: bin})

	ok, err := f.Record(context.Background(), testSource(), recording.MediaPath{TempPath: filepath.Join(t.TempDir(), "a.m4a")})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordMissingBinary(t *testing.T) {
	f := newTestFFmpeg(t, Config{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")})

	ok, err := f.Record(context.Background(), testSource(), recording.MediaPath{TempPath: "/work/a.m4a"})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrCaptureFailed))
}

func TestRecordCancelled(t *testing.T) {
	bin := fakeFFmpeg(t, `sleep 30`)
	f := newTestFFmpeg(t, Config{Path: bin})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok, err := f.Record(ctx, testSource(), recording.MediaPath{TempPath: filepath.Join(t.TempDir(), "a.m4a")})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 5}
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	assert.Equal(t, "world", b.String())
}
