package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

var ErrStorageWrite = errors.New("storage write failed")

// hashMetaKey is the user metadata key carrying an object's content hash
const hashMetaKey = "Content-Xxh3"

// metadataDir holds the metadata documents below each feature
const metadataDir = "metadata"

// Object is an uploaded object
type Object struct {
	Key     string
	Size    int64
	Hash    string
	Skipped bool // identical content was already stored
}

// Store publishes scene outputs to an S3-compatible bucket
type Store struct {
	client  *minio.Client
	bucket  string
	prefix  string
	retries int
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a store for the configured bucket
func New(cfg config.StorageConfig, log zerolog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	retries := cfg.WriteRetries
	if retries < 1 {
		retries = 1
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		retries: retries,
		log:     log.With().Str("component", "storage").Logger(),
		sleep:   sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureBucket creates the bucket when it does not exist
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.log.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// ObjectKey returns the key of an output file of a region
func (s *Store) ObjectKey(region regions.Region, file string) string {
	return ObjectKey(s.prefix, region, file)
}

// MetadataKey returns the key of a metadata document of a region
func (s *Store) MetadataKey(region regions.Region, file string) string {
	return MetadataKey(s.prefix, region, file)
}

// ObjectKey lays out outputs as {prefix}/{name}/{location}/{file}
func ObjectKey(prefix string, region regions.Region, file string) string {
	return path.Join(prefix, region.Name, region.Location, path.Base(file))
}

// MetadataKey lays out metadata documents as {prefix}/{name}/{location}/metadata/{file}
func MetadataKey(prefix string, region regions.Region, file string) string {
	return path.Join(prefix, region.Name, region.Location, metadataDir, path.Base(file))
}

// Exists reports whether an object is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		metrics.StorageOperations.WithLabelValues("stat", "success").Inc()
		return true, nil
	}
	if isNotFound(err) {
		metrics.StorageOperations.WithLabelValues("stat", "success").Inc()
		return false, nil
	}
	metrics.StorageOperations.WithLabelValues("stat", "failure").Inc()
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// PutFile uploads a local file. An object already holding the same content
// is left alone. Transient failures are retried; when every attempt fails
// the error wraps ErrStorageWrite.
func (s *Store) PutFile(ctx context.Context, key, localPath, contentType string) (*Object, error) {
	hash, size, err := HashFile(localPath)
	if err != nil {
		return nil, err
	}
	obj := &Object{Key: key, Size: size, Hash: hash}

	if info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		if storedHash(info.UserMetadata) == hash && info.Size == size {
			metrics.StorageOperations.WithLabelValues("put", "skipped").Inc()
			obj.Skipped = true
			return obj, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return nil, err
			}
		}
		lastErr = s.upload(ctx, key, localPath, contentType, hash)
		if lastErr == nil {
			metrics.StorageOperations.WithLabelValues("put", "success").Inc()
			s.log.Debug().Str("key", key).Str("size", humanize.Bytes(uint64(size))).Msg("object stored")
			return obj, nil
		}
		metrics.StorageOperations.WithLabelValues("put", "failure").Inc()
		s.log.Warn().Err(lastErr).Str("key", key).Int("attempt", attempt+1).Msg("upload failed")
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrStorageWrite, key, s.retries, lastErr)
}

func (s *Store) upload(ctx context.Context, key, localPath, contentType, hash string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, f, st.Size(), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{hashMetaKey: hash},
	})
	return err
}

// Remove deletes an object; a missing object is not an error
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	metrics.StorageOperations.WithLabelValues("remove", metrics.Status(err)).Inc()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// List returns every key below {prefix}/{sub}
func (s *Store) List(ctx context.Context, sub string) ([]string, error) {
	root := path.Join(s.prefix, sub)
	if root == "." {
		root = ""
	}
	if root != "" {
		root += "/"
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: root, Recursive: true}) {
		if obj.Err != nil {
			metrics.StorageOperations.WithLabelValues("list", "failure").Inc()
			return nil, fmt.Errorf("failed to list %s: %w", root, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	metrics.StorageOperations.WithLabelValues("list", "success").Inc()
	return keys, nil
}

// Get reads a whole object into memory
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("get", "failure").Inc()
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	metrics.StorageOperations.WithLabelValues("get", metrics.Status(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// HashFile returns the xxh3 hash of a file as hex and its size
func HashFile(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", localPath, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

func storedHash(meta map[string]string) string {
	for k, v := range meta {
		if strings.EqualFold(k, hashMetaKey) || strings.EqualFold(k, "X-Amz-Meta-"+hashMetaKey) {
			return v
		}
	}
	return ""
}

// ContentType returns the content type used for an output file
func ContentType(file string) string {
	switch strings.ToLower(path.Ext(file)) {
	case ".tif", ".tiff":
		return "image/tiff"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
