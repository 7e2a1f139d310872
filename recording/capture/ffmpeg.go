// Package capture writes resolved streams to disk with ffmpeg.
package capture

import (
	"context"
	"math"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/recording"
)

// stderrTail is how much ffmpeg stderr is kept for the log.
const stderrTail = 4 << 10

// Config locates the ffmpeg binary.
type Config struct {
	Path string
	// ExtraArgs are inserted before the output path, shell-quoted
	ExtraArgs string
}

// FFmpeg is a recording.Capturer.
type FFmpeg struct {
	path    string
	extra   []string
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewFFmpeg parses cfg. An empty path means "ffmpeg" from PATH.
func NewFFmpeg(cfg Config, log *zap.SugaredLogger) (*FFmpeg, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "ffmpeg"
	}
	extra, err := shellquote.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "ffmpeg args %q: %v", cfg.ExtraArgs, err)
	}
	return &FFmpeg{
		path:    path,
		extra:   extra,
		logger:  logger.AddRecordSymbol(log),
		timeNow: time.Now,
	}, nil
}

// Args builds the ffmpeg argument list for one capture.
func (f *FFmpeg) Args(src *recording.SourceResult, path recording.MediaPath) []string {
	args := []string{"-y", "-loglevel", "error"}

	if len(src.Headers) > 0 {
		keys := make([]string, 0, len(src.Headers))
		for k := range src.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(src.Headers[k])
			b.WriteString("\r\n")
		}
		args = append(args, "-headers", b.String())
	}

	args = append(args, "-i", src.StreamURL)
	if d := f.duration(src); d > 0 {
		args = append(args, "-t", strconv.Itoa(d))
	}
	args = append(args, "-vn", "-c", "copy")
	args = append(args, f.extra...)
	return append(args, path.TempPath)
}

// duration is the realtime capture length in whole seconds, or 0 for
// captures that run until the stream ends.
func (f *FFmpeg) duration(src *recording.SourceResult) int {
	if src.Options.TimeFree || src.Options.OnDemand || src.Program.EndAt.IsZero() {
		return 0
	}
	end := src.Program.EndAt.Add(src.Options.EndDelay)
	secs := int(math.Ceil(end.Sub(f.timeNow()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Record runs ffmpeg to completion. A non-zero exit or an empty output file
// is reported as (false, nil); a cancelled ctx as (false, ctx.Err()).
func (f *FFmpeg) Record(ctx context.Context, src *recording.SourceResult, path recording.MediaPath) (bool, error) {
	args := f.Args(src, path)
	log := f.logger.With(logger.FieldProgram, src.Program.ProgramID, logger.FieldPath, path.TempPath)

	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := f.timeNow()
	log.Infow("ffmpeg started", "args", len(args))
	err := cmd.Run()
	elapsed := f.timeNow().Sub(start)

	if ctx.Err() != nil {
		log.Infow("ffmpeg stopped by cancellation", logger.FieldDurationMS, elapsed.Milliseconds())
		return false, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Warnw("ffmpeg exited with failure",
				logger.FieldStatus, exitErr.ExitCode(),
				"stderr", stderr.String(),
				logger.FieldDurationMS, elapsed.Milliseconds())
			return false, nil
		}
		return false, errors.Wrapf(errors.ErrCaptureFailed, "start %s: %v", f.path, err)
	}

	info, statErr := os.Stat(path.TempPath)
	if statErr != nil || info.Size() == 0 {
		log.Warnw("ffmpeg produced no output", "stderr", stderr.String())
		return false, nil
	}

	log.Infow("ffmpeg finished",
		logger.FieldSize, info.Size(),
		logger.FieldDurationMS, elapsed.Milliseconds())
	return true, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
