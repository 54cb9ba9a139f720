package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists raw timer state by key.
type Store interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, data []byte) error
	Delete(key string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Load(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// JSONFileStore keeps every timer in a single JSON object on disk.
type JSONFileStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONFileStore creates a JSONFileStore writing to path. The file is
// created on first save.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

// read must be called with mu held. A corrupt file reads as empty.
func (j *JSONFileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}
	m := map[string]json.RawMessage{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("timer file is corrupt, starting empty", "path", j.path, "error", err)
		return map[string]json.RawMessage{}, nil
	}
	return m, nil
}

// write must be called with mu held.
func (j *JSONFileStore) write(m map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal timers: %w", err)
	}
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, j.path)
}

func (j *JSONFileStore) Load(key string) ([]byte, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.read()
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (j *JSONFileStore) Save(key string, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.read()
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("timer %s: invalid JSON", key)
	}
	m[key] = json.RawMessage(data)
	return j.write(m)
}

func (j *JSONFileStore) Delete(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.read()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return j.write(m)
}
