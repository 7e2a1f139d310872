package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestWatcher(t *testing.T, path string) (*ConfigWatcher, *atomic.Int32) {
	t.Helper()
	w, err := NewConfigWatcher([]string{path}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	w.load = func() (*Config, error) { return LoadFromFile(path) }

	var reloads atomic.Int32
	w.OnReload(func(cfg *Config) error {
		reloads.Add(1)
		return nil
	})
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w, &reloads
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 100\n"), 0644))

	w, reloads := newTestWatcher(t, path)

	var got atomic.Int32
	w.OnReload(func(cfg *Config) error {
		got.Store(int32(cfg.Pacer.IntervalMS))
		return nil
	})

	// A burst of writes collapses into one reload
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 400\n"), 0644))
	}

	assert.Eventually(t, func() bool { return got.Load() == 400 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestWatcherSkipsOwnWriteAndBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 100\n"), 0644))

	w, reloads := newTestWatcher(t, path)

	w.MarkOwnWrite()
	require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 200\n"), 0644))
	require.NoError(t, os.WriteFile(path+".back1", []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())
}

func TestWatcherKeepsGoingAfterBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 100\n"), 0644))

	_, reloads := newTestWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())

	require.NoError(t, os.WriteFile(path, []byte("[pacer]\ninterval_ms = 300\n"), 0644))
	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewConfigWatcherNeedsAWatchableDir(t *testing.T) {
	_, err := NewConfigWatcher([]string{"/does/not/exist/am.toml"}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestGlobalWatcher(t *testing.T) {
	assert.Nil(t, GetGlobalWatcher())
	path := filepath.Join(t.TempDir(), "am.toml")
	w, err := NewConfigWatcher([]string{path}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer w.Stop()

	SetGlobalWatcher(w)
	defer SetGlobalWatcher(nil)
	assert.Same(t, w, GetGlobalWatcher())
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back2"))
	assert.False(t, isBackupFile("/x/am.toml"))
}
