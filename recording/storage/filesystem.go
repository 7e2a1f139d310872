// Package storage places captures on disk and, optionally, mirrors them to
// an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/internal/util"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/recording"
)

const (
	defaultExtension = ".m4a"
	workDirName      = ".work"
	nameTimeLayout   = "20060102150405"
	// maxSuffix bounds the " (n)" search for a free final name
	maxSuffix = 999
)

// Config locates the recording directories.
type Config struct {
	RecordDir string
	// TempDir defaults to <RecordDir>/.work
	TempDir   string
	Extension string
	MinFreeMB uint64
	// Location is used for the timestamp in final file names. Defaults to
	// time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.TempDir == "" {
		c.TempDir = filepath.Join(c.RecordDir, workDirName)
	}
	if c.Extension == "" {
		c.Extension = defaultExtension
	}
	if !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Filesystem is a recording.Storage backed by local directories.
type Filesystem struct {
	cfg       Config
	logger    *zap.SugaredLogger
	freeBytes func(ctx context.Context, dir string) (uint64, error)
}

// NewFilesystem validates cfg. Directories are created lazily.
func NewFilesystem(cfg Config, log *zap.SugaredLogger) (*Filesystem, error) {
	if strings.TrimSpace(cfg.RecordDir) == "" {
		return nil, errors.NewInvalidRequestError("record directory is required")
	}
	return &Filesystem{
		cfg:       cfg.withDefaults(),
		logger:    logger.AddRecordSymbol(log),
		freeBytes: diskFree,
	}, nil
}

func diskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Prepare checks free space and reserves a temp path and a final path for
// program. Nothing is written yet.
func (f *Filesystem) Prepare(ctx context.Context, program recording.ProgramInfo) (recording.MediaPath, error) {
	if err := os.MkdirAll(f.cfg.TempDir, 0o755); err != nil {
		return recording.MediaPath{}, markIO(errors.Wrapf(err, "create work directory %s", f.cfg.TempDir))
	}

	if f.cfg.MinFreeMB > 0 {
		free, err := f.freeBytes(ctx, f.cfg.TempDir)
		if err != nil {
			return recording.MediaPath{}, errors.Mark(errors.Wrapf(err, "check free space on %s", f.cfg.TempDir), errors.ErrIO)
		}
		if need := f.cfg.MinFreeMB << 20; free < need {
			return recording.MediaPath{}, errors.Wrapf(errors.ErrDiskFull,
				"%d MB free on %s, need %d MB", free>>20, f.cfg.TempDir, f.cfg.MinFreeMB)
		}
	}

	temp := filepath.Join(f.cfg.TempDir,
		util.SafeFileName(program.ProgramID)+"_"+uuid.NewString()+f.cfg.Extension)

	station := util.SafeFileName(program.StationID)
	start := program.StartAt
	if start.IsZero() {
		start = time.Now()
	}
	name := start.In(f.cfg.Location).Format(nameTimeLayout) + "_" + util.SafeFileName(program.Title) + f.cfg.Extension
	final := filepath.Join(f.cfg.RecordDir, station, name)

	return recording.MediaPath{
		TempPath:     temp,
		FinalPath:    final,
		RelativePath: f.relative(final),
	}, nil
}

// Commit moves the temp file to its final place, choosing a " (n)" suffix
// when the name is taken. The returned path reflects where the file landed.
func (f *Filesystem) Commit(ctx context.Context, path recording.MediaPath) (recording.MediaPath, error) {
	if _, err := os.Stat(path.TempPath); err != nil {
		return path, markIO(errors.Wrapf(err, "temp file %s", path.TempPath))
	}
	if err := os.MkdirAll(filepath.Dir(path.FinalPath), 0o755); err != nil {
		return path, markIO(errors.Wrapf(err, "create directory for %s", path.FinalPath))
	}

	final, err := freeName(path.FinalPath)
	if err != nil {
		return path, err
	}

	if err := os.Rename(path.TempPath, final); err != nil {
		f.logger.Debugw("Rename failed, copying instead", logger.FieldPath, final, logger.FieldError, err.Error())
		if err := moveByCopy(path.TempPath, final); err != nil {
			return path, markIO(errors.Wrapf(err, "move %s to %s", path.TempPath, final))
		}
	}

	path.FinalPath = final
	path.RelativePath = f.relative(final)
	f.logger.Infow("Recording committed", logger.FieldPath, path.RelativePath)
	return path, nil
}

// CleanupTemp removes the temp file. A missing file is not an error.
func (f *Filesystem) CleanupTemp(ctx context.Context, path recording.MediaPath) error {
	if path.TempPath == "" {
		return nil
	}
	if err := os.Remove(path.TempPath); err != nil && !os.IsNotExist(err) {
		return markIO(errors.Wrapf(err, "remove %s", path.TempPath))
	}
	return nil
}

func (f *Filesystem) relative(final string) string {
	rel, err := filepath.Rel(f.cfg.RecordDir, final)
	if err != nil {
		return filepath.ToSlash(filepath.Base(final))
	}
	return filepath.ToSlash(rel)
}

func freeName(final string) (string, error) {
	if _, err := os.Stat(final); os.IsNotExist(err) {
		return final, nil
	}
	ext := filepath.Ext(final)
	base := strings.TrimSuffix(final, ext)
	for n := 1; n <= maxSuffix; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", errors.Mark(errors.Newf("no free name for %s", final), errors.ErrIO)
}

// moveByCopy handles renames across devices.
func moveByCopy(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// markIO tags err as ErrDiskFull when the filesystem ran out of space and as
// ErrIO otherwise.
func markIO(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errors.Mark(err, errors.ErrDiskFull)
	}
	return errors.Mark(err, errors.ErrIO)
}
