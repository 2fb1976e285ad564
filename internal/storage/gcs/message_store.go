// Package gcs mirrors saved group messages to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// MessageStore writes message files to a configured GCS bucket.
type MessageStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed message store.
func New(client *storage.Client, cfg Config) (*MessageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &MessageStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// SaveMessages uploads the messages as a JSON array and returns a gs:// URI.
func (s *MessageStore) SaveMessages(ctx context.Context, savePath string, messages []scraper.Message) (string, error) {
	if messages == nil {
		messages = []scraper.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	return s.PutObject(ctx, ObjectName(s.prefix, savePath), "application/json", bytes.NewReader(data))
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *MessageStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// ObjectName maps a local save path to an object name under prefix.
func ObjectName(prefix, savePath string) string {
	clean := strings.TrimLeft(filepath.ToSlash(filepath.Clean(savePath)), "/")
	for strings.HasPrefix(clean, "../") {
		clean = strings.TrimPrefix(clean, "../")
	}
	if clean == "." || clean == ".." {
		clean = ""
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return clean
	}
	return path.Join(prefix, clean)
}
