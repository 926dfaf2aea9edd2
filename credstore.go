package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CredentialStore manages the per-user credential directories under the
// sessions root. The directory contents are opaque pairing state owned by
// the socket layer; this store only creates, checks and deletes them.
type CredentialStore struct {
	root string
}

func NewCredentialStore(root string) (*CredentialStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &CredentialStore{root: root}, nil
}

func (c *CredentialStore) Path(userID string) string {
	return filepath.Join(c.root, strings.TrimSpace(userID))
}

// Ensure creates the user's credential directory and returns its path.
func (c *CredentialStore) Ensure(userID string) (string, error) {
	dir := c.Path(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}
	return dir, nil
}

func (c *CredentialStore) Exists(userID string) bool {
	info, err := os.Stat(c.Path(userID))
	return err == nil && info.IsDir()
}

// Delete removes the user's pairing state. Irrecoverable; the next connect
// requires a fresh QR scan.
func (c *CredentialStore) Delete(userID string) error {
	return os.RemoveAll(c.Path(userID))
}

// List returns every user id with persisted credentials.
func (c *CredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
