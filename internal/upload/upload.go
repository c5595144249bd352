// Package upload stores message attachments in an S3 compatible bucket.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/yarsha/internal/config"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// ChunkSize returns the read chunk used when streaming a file of size
// bytes. Larger files read in larger chunks. Unknown sizes (< 0) use the
// largest chunk.
func ChunkSize(size int64) int {
	switch {
	case size < 0:
		return 4 * MiB
	case size < 1*MiB:
		return 64 * KiB
	case size < 10*MiB:
		return 256 * KiB
	case size < 100*MiB:
		return 1 * MiB
	case size < 500*MiB:
		return 2 * MiB
	default:
		return 4 * MiB
	}
}

// objectStore is the part of *minio.Client the uploader uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration, params url.Values) (*url.URL, error)
}

// S3Uploader implements mutation.Uploader on top of minio.
type S3Uploader struct {
	client objectStore
	bucket string
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	ensured bool
}

var _ mutation.Uploader = (*S3Uploader)(nil)

// ErrDisabled is returned by New when uploads are not configured.
var ErrDisabled = errors.New("upload: disabled")

// New connects to the configured bucket endpoint. It does not touch the
// network until the first upload.
func New(cfg config.Upload, logger *zap.Logger) (*S3Uploader, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, ErrDisabled
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("upload client: %w", err)
	}
	return newUploader(cl, cfg, logger), nil
}

func newUploader(client objectStore, cfg config.Upload, logger *zap.Logger) *S3Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.ReadURLTTL.Duration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

func (u *S3Uploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ensured {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		u.logger.Info("created media bucket", zap.String("bucket", u.bucket))
	}
	u.ensured = true
	return nil
}

// key builds <prefix>/<yyyy>/<mm>/<uuid><ext>.
func (u *S3Uploader) key(name string) string {
	now := u.now().UTC()
	k := path.Join(fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), uuid.NewString()+strings.ToLower(path.Ext(name)))
	if u.prefix != "" {
		k = u.prefix + "/" + k
	}
	return k
}

// Upload streams f into the bucket and returns a presigned read URL.
func (u *S3Uploader) Upload(ctx context.Context, f mutation.File) (store.Media, error) {
	if f.Body == nil {
		return store.Media{}, errors.New("upload: empty body")
	}
	if err := u.ensureBucket(ctx); err != nil {
		return store.Media{}, fmt.Errorf("ensure bucket %s: %w", u.bucket, err)
	}

	contentType := f.MimeType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(f.Name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size := f.Size
	if size <= 0 {
		size = -1
	}

	key := u.key(f.Name)
	body := bufio.NewReaderSize(f.Body, ChunkSize(size))
	info, err := u.client.PutObject(ctx, u.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return store.Media{}, fmt.Errorf("put %s: %w", key, err)
	}
	readURL, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.ttl, nil)
	if err != nil {
		return store.Media{}, fmt.Errorf("presign %s: %w", key, err)
	}

	stored := info.Size
	if stored <= 0 {
		stored = f.Size
	}
	u.logger.Debug("uploaded attachment", zap.String("key", key), zap.Int64("size", stored))
	return store.Media{
		FilePath: key,
		URL:      readURL.String(),
		MimeType: contentType,
		Size:     stored,
	}, nil
}
