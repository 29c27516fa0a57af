package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360/semgate/errors"
)

// Store persists breaker records so an open breaker survives a restart.
type Store interface {
	Load(ctx context.Context) (map[string]State, error)
	Save(ctx context.Context, st State) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Load(_ context.Context) (map[string]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Service] = st
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore keeps every record in one JSON file, rewritten through a temporary
// file and a rename so a crash never leaves a truncated file behind.
type FileStore struct {
	path   string
	mu     sync.Mutex
	states map[string]State
}

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, states: make(map[string]State)}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (map[string]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]State{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "Load", "read state file")
	}

	states := make(map[string]State)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &states); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%s: %w: %v", s.path, errors.ErrDataCorrupted, err),
				"FileStore", "Load", "decode state file")
		}
	}

	s.states = states
	out := make(map[string]State, len(states))
	for k, v := range states {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Service] = st
	return s.write()
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[key]; !ok {
		return nil
	}
	delete(s.states, key)
	return s.write()
}

func (s *FileStore) Close() error { return nil }

// write replaces the file atomically. Caller holds s.mu.
func (s *FileStore) write() error {
	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "FileStore", "write", "encode state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "create state directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "FileStore", "write", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "FileStore", "write", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "rename temp file")
	}
	return nil
}
