// Package local persists group messages on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Config captures the parameters for the local message store.
type Config struct {
	// BaseDir roots relative save paths. Empty means the working directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// MessageStore writes each group's messages as a JSON array, replacing the
// previous file atomically.
type MessageStore struct {
	baseDir string
}

// New creates a local message store. A configured base directory is created
// if missing and must be writable.
func New(cfg Config) (*MessageStore, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return &MessageStore{}, nil
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &MessageStore{baseDir: baseDir}, nil
}

// SaveMessages writes messages to path and returns a file:// URI. A nil
// slice is written as an empty array.
func (s *MessageStore) SaveMessages(ctx context.Context, path string, messages []scraper.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if messages == nil {
		messages = []scraper.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	if err := writeAtomic(fullPath, data); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(fullPath)
	if err != nil {
		abs = fullPath
	}
	return "file://" + abs, nil
}

func (s *MessageStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.baseDir == "" {
		return filepath.Clean(path), nil
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// writeAtomic writes through a temp file in the target directory that is
// fsynced and renamed over path, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o640, renameio.WithTempDir(dir)); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
