package schedule

import (
	"context"
	"strings"

	"github.com/teranos/onair/errors"
)

// sentinelCodes maps structured failure categories onto job error codes.
// They are checked before any message heuristic.
var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{errors.ErrAuthFailed, CodeAuthFailed},
	{errors.ErrSourceUnavailable, CodeSourceUnavailable},
	{errors.ErrUnsupportedService, CodeSourceUnavailable},
	{errors.ErrDiskFull, CodeDiskFull},
	{errors.ErrCaptureFailed, CodeCaptureFailed},
	{errors.ErrIO, CodeIOError},
	{errors.ErrFinalizeFailed, CodeFinalizeFailed},
}

// ClassifyError maps a capture failure onto the job error taxonomy.
// Cancellation wins, then structured sentinels, then keywords in the
// lower-cased message.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return CodeCancelled
	case containsAny(msg, "auth", "login", "unauthorized", "forbidden"):
		return CodeAuthFailed
	case containsAny(msg, "ffmpeg", "capture"):
		return CodeCaptureFailed
	case containsAny(msg, "disk full", "no space", "capacity"):
		return CodeDiskFull
	case containsAny(msg, "i/o", "input/output", "permission denied", "read-only"):
		return CodeIOError
	case containsAny(msg, "source", "playlist", "stream", "m3u8"):
		return CodeSourceUnavailable
	case containsAny(msg, "finalize", "commit"):
		return CodeFinalizeFailed
	default:
		return CodeUnknown
	}
}

// ErrorDetail renders err for last_error_detail: the message followed by any
// attached details.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	if extra := errors.FlattenDetails(err); extra != "" {
		detail += " (" + strings.ReplaceAll(extra, "\n", "; ") + ")"
	}
	return detail
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
