// Package gcs provides a content store backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, so one bucket can host
	// several harvest roots.
	Prefix string
}

// Store persists artifacts in a GCS bucket. Object creation is atomic
// on the service side: an object is visible only once fully written.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Write uploads data to the configured bucket.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Read downloads the object at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read error takes precedence
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists reports whether the object at path is present.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	key, err := s.key(path)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("object attrs: %w", err)
	}
	return true, nil
}

// Delete removes the object at path. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// EnsureContainer is a no-op: GCS has a flat namespace and object paths
// imply their containers.
func (s *Store) EnsureContainer(_ context.Context, _ string) error {
	return nil
}

func (s *Store) key(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path must not contain traversal segments")
	}
	if s.prefix == "" {
		return path, nil
	}
	return s.prefix + "/" + path, nil
}
