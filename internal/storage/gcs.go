package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

var _ Storage = (*GCSStorage)(nil)

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "mse")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

// Write writes data to GCS
func (s *GCSStorage) Write(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(key))
	w := obj.NewWriter(ctx)

	w.ContentType = ContentType(key)
	w.CacheControl = CacheControl(key)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, key string) ([]byte, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(key))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	return data, nil
}

// Delete deletes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(key))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(key))
	_, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists the objects directly under dir
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	sort.Strings(files)

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.baseDir == "" {
		return key
	}
	if key == "" {
		return s.baseDir
	}
	return s.baseDir + "/" + key
}
