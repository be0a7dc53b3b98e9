// Package archive stores document snapshots in an S3-compatible bucket.
// Every save overwrites <document>/latest.json and appends a timestamped
// copy under <document>/history/.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const contentType = "application/json"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

type Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
	logger *zap.Logger
}

// New connects to the bucket's endpoint and creates the bucket if needed.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		client: client,
		bucket: opts.Bucket,
		now:    time.Now,
		logger: logger.Named("archive").With(zap.String("bucket", opts.Bucket)),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another relay instance may have created it in the meantime.
		if exists, checkErr := s.client.BucketExists(ctx, s.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("bucket created")
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, document string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, latestKey(document), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", document, err)
	}
	defer object.Close()

	state, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", document, err)
	}
	return state, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, document string, state []byte) error {
	for _, key := range []string{latestKey(document), historyKey(document, s.now())} {
		if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(state), int64(len(state)), minio.PutObjectOptions{
			ContentType: contentType,
		}); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	s.logger.Debug("snapshot archived", zap.String("document", document), zap.Int("bytes", len(state)))
	return nil
}

// History lists the archived snapshot keys of document, oldest first.
func (s *Store) History(ctx context.Context, document string) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    historyPrefix(document),
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list history %s: %w", document, object.Err)
		}
		keys = append(keys, object.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func latestKey(document string) string {
	return url.PathEscape(document) + "/latest.json"
}

func historyPrefix(document string) string {
	return url.PathEscape(document) + "/history/"
}

// historyKey sorts lexically in save order.
func historyKey(document string, at time.Time) string {
	return historyPrefix(document) + at.UTC().Format("20060102T150405.000000000Z") + ".json"
}
