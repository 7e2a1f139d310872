package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortTruncatesCommit(t *testing.T) {
	assert.Equal(t, "abcdef1", Info{CommitHash: "abcdef123456"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestStringAndUserAgent(t *testing.T) {
	info := Info{Version: "1.2.0", CommitHash: "abcdef123456", BuildTime: "2026-03-01", GoVersion: "go1.24", Platform: "linux/amd64"}
	assert.True(t, strings.HasPrefix(info.String(), "onair 1.2.0 (commit abcdef1"))
	assert.Equal(t, "onair/1.2.0", info.UserAgent())
}
