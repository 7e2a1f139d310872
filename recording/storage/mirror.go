package storage

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/recording"
)

// MirrorConfig holds the S3-compatible endpoint settings.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectClient is the part of *minio.Client the mirror uses.
type ObjectClient interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// NewMinioClient creates a client for cfg.Endpoint.
func NewMinioClient(cfg MirrorConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewInvalidRequestError("mirror endpoint is required")
	}
	// minio-go expects host:port
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}
	return client, nil
}

// Mirror wraps a Storage and uploads every committed file. Upload failures
// are logged; the local commit still stands.
type Mirror struct {
	recording.Storage
	client  ObjectClient
	bucket  string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewMirror wraps inner.
func NewMirror(inner recording.Storage, client ObjectClient, bucket string, log *zap.SugaredLogger) *Mirror {
	return &Mirror{
		Storage: inner,
		client:  client,
		bucket:  bucket,
		timeout: 30 * time.Minute,
		logger:  logger.AddMirrorSymbol(log),
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrap(err, "failed to check bucket existence")
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create bucket %s", m.bucket)
	}
	m.logger.Infow("Mirror bucket created", "bucket", m.bucket)
	return nil
}

// Commit commits locally, then uploads the final file under its relative
// path.
func (m *Mirror) Commit(ctx context.Context, path recording.MediaPath) (recording.MediaPath, error) {
	committed, err := m.Storage.Commit(ctx, path)
	if err != nil {
		return committed, err
	}

	upCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	info, err := m.client.FPutObject(upCtx, m.bucket, committed.RelativePath, committed.FinalPath, minio.PutObjectOptions{
		ContentType: contentType(committed.FinalPath),
	})
	if err != nil {
		m.logger.Warnw("Mirror upload failed",
			logger.FieldPath, committed.RelativePath,
			logger.FieldError, err.Error())
		return committed, nil
	}

	m.logger.Infow("Recording mirrored",
		logger.FieldPath, committed.RelativePath,
		logger.FieldSize, info.Size,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return committed, nil
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
