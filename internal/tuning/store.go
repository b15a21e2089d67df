package tuning

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/nn-gpu/fixtures"
)

// ErrReadOnly is returned by Set on stores that cannot be written.
var ErrReadOnly = errors.New("tuning store is read-only")

// Store is a persistent key/value tier. Keys are shape signatures and values
// encoded TuningParameters. Entries are performance hints only, so
// concurrent writers resolve last-writer-wins.
type Store interface {
	Get(signature string) (value string, ok bool, err error)
	Set(signature, value string) error
	All() (map[string]string, error)
}

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]string
	readOnly bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Get(signature string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[signature]
	return v, ok, nil
}

func (s *MemoryStore) Set(signature, value string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[signature] = value
	return nil
}

func (s *MemoryStore) All() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

// Defaults returns the compiled-in table of curated entries.
func Defaults() (*MemoryStore, error) {
	entries := make(map[string]string)
	if err := yaml.Unmarshal(fixtures.TuningDefaults, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse default tuning table: %w", err)
	}
	return &MemoryStore{entries: entries, readOnly: true}, nil
}

// FileStore persists entries as a flat YAML map. Every Set rewrites the file
// through a temporary file and a rename, so readers never see a partial
// table.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) read() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning store: %w", err)
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse tuning store %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *FileStore) Get(signature string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := entries[signature]
	return v, ok, nil
}

func (s *FileStore) Set(signature, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[signature] = value
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode tuning store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tuning store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tuning-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary tuning store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write tuning store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write tuning store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace tuning store: %w", err)
	}
	return nil
}

func (s *FileStore) All() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}
