// Package storage uploads finished book artifacts to an S3-compatible object
// store. Objects are keyed under a per-run prefix so retries and resumes
// never collide across runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/retry"
)

// Uploader stores local files and returns stable object references.
// Tests substitute an in-memory fake.
type Uploader interface {
	Upload(ctx context.Context, key, localPath, dedupKey string) (string, error)
	UploadAll(ctx context.Context, prefix string, files map[string]string, dedupKey string) (map[string]string, error)
}

// Store is the MinIO-backed Uploader.
type Store struct {
	client *minio.Client
	bucket string

	ensureOnce sync.Once
	ensureErr  error
}

// NewStore creates an object store client from config.
func NewStore(cfg config.StorageConfig) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist. Runs once per Store.
func (s *Store) EnsureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.ensureErr = retry.Transient(fmt.Errorf("bucket check failed: %w", err))
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.ensureErr = retry.Transient(fmt.Errorf("bucket creation failed: %w", err))
		}
	})
	return s.ensureErr
}

// Upload stores one local file at key and returns its object reference. When
// an object with the same key already carries the same dedup marker, the
// upload is skipped: a retried attempt that already landed must not write a
// duplicate.
func (s *Store) Upload(ctx context.Context, key, localPath, dedupKey string) (string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)

	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		if stat.UserMetadata["Dedup-Key"] == dedupKey {
			return ref, nil
		}
	} else {
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code != "NoSuchKey" {
			return "", retry.Transient(fmt.Errorf("object stat failed: %w", err))
		}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat artifact %s: %w", localPath, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType:  contentTypeFor(localPath),
		UserMetadata: map[string]string{"Dedup-Key": dedupKey},
	})
	if err != nil {
		return "", retry.Transient(fmt.Errorf("upload of %s failed: %w", key, err))
	}
	return ref, nil
}

// UploadAll uploads the named files in parallel under prefix. files maps an
// artifact name to its local path; the result maps the same names to object
// references. Partial failure fails the whole call so a retry re-covers
// every file, with per-file dedup skipping the ones that landed.
func (s *Store) UploadAll(ctx context.Context, prefix string, files map[string]string, dedupKey string) (map[string]string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	refs := make(map[string]string, len(files))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		localPath := files[name]
		key := prefix + "/" + filepath.Base(localPath)
		g.Go(func() error {
			ref, err := s.Upload(gCtx, key, localPath, dedupKey)
			if err != nil {
				return err
			}
			mu.Lock()
			refs[name] = ref
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".epub":
		return "application/epub+zip"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
