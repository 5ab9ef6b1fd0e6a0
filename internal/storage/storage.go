package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage persists original message artifacts keyed by (tenant, message_id).
// Access control for downloads is a policy decision of the API/billing layer,
// not the pipeline.
type Storage interface {
	// Save stores data and returns the storage key.
	Save(tenant, messageID, filename string, data []byte) (string, error)
	// Get retrieves an artifact by key.
	Get(key string) ([]byte, error)
	// Delete removes an artifact.
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Save writes the artifact under tenant/messageID/filename.
func (l *LocalStorage) Save(tenant, messageID, filename string, data []byte) (string, error) {
	key := filepath.Join(sanitize(tenant), sanitize(messageID), sanitize(filename))
	path := filepath.Join(l.basePath, key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return key, nil
}

// Get retrieves an artifact by key.
func (l *LocalStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Delete removes an artifact.
func (l *LocalStorage) Delete(key string) error {
	if err := os.Remove(filepath.Join(l.basePath, key)); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// sanitize keeps keys flat: message IDs contain characters like "<>/" that
// must not escape the storage root.
func sanitize(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"<", "",
		">", "",
		":", "_",
		"..", "_",
	)
	out := replacer.Replace(s)
	if out == "" {
		out = "_"
	}
	return out
}
