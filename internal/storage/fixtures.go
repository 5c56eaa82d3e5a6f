package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fixtures is the YAML layout read by FileStore.
type Fixtures struct {
	Users    []UserRow    `yaml:"users"`
	Triggers []TriggerRow `yaml:"triggers"`
}

// FileStore serves triggers and users from a YAML file for offline
// matching and tests.
type FileStore struct {
	path string

	mu   sync.RWMutex
	data Fixtures
}

// OpenFile reads the fixtures at path.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.read(); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewFileStore serves in-memory fixtures.
func NewFileStore(data Fixtures) *FileStore {
	return &FileStore{data: data}
}

// Replace swaps the in-memory fixtures; the next reload sees them.
func (fs *FileStore) Replace(data Fixtures) {
	fs.mu.Lock()
	fs.data = data
	fs.mu.Unlock()
}

func (fs *FileStore) read() error {
	f, err := os.Open(fs.path)
	if err != nil {
		return fmt.Errorf("failed to open fixtures %s: %w", fs.path, err)
	}
	defer f.Close()

	var data Fixtures
	if err := yaml.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode fixtures %s: %w", fs.path, err)
	}
	fs.mu.Lock()
	fs.data = data
	fs.mu.Unlock()
	return nil
}

// LoadTriggers re-reads the file when it backs the store, so reloads pick
// up edits.
func (fs *FileStore) LoadTriggers(_ context.Context) ([]TriggerRow, error) {
	if fs.path != "" {
		if err := fs.read(); err != nil {
			return nil, err
		}
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]TriggerRow, 0, len(fs.data.Triggers))
	for _, t := range fs.data.Triggers {
		if !t.Disabled && len(t.Actions) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (fs *FileStore) LoadUsers(_ context.Context) ([]UserRow, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]UserRow(nil), fs.data.Users...), nil
}

func (fs *FileStore) GetUser(_ context.Context, id string) (UserRow, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, u := range fs.data.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return UserRow{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
}
