package relaymail

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend stores independently readable records by key. Load returns
// (nil, nil) when the record has never been saved.
type StateBackend interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

type stateBackendCloser interface {
	Close() error
}

// stateBackendLocker is implemented by backends that allow a single writer.
type stateBackendLocker interface {
	Lock() error
}

// JSONDirStateBackend keeps one file per record under Dir. Writes go through
// a temp file and a rename so readers never see a partial record.
type JSONDirStateBackend struct {
	Dir string

	lockOnce sync.Once
	lockErr  error
	unlock   func() error
}

func NewJSONDirStateBackend(dir string) *JSONDirStateBackend {
	return &JSONDirStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONDirStateBackend) Load(key string) ([]byte, error) {
	if b == nil || b.Dir == "" {
		return nil, nil
	}
	path, err := b.recordPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONDirStateBackend) Save(key string, data []byte) error {
	if b == nil || b.Dir == "" {
		return nil
	}
	path, err := b.recordPath(key)
	if err != nil {
		return err
	}
	if err := b.ensureLocked(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *JSONDirStateBackend) Close() error {
	if b == nil || b.unlock == nil {
		return nil
	}
	return b.unlock()
}

// Lock takes the directory lock ahead of the first write. It fails with
// ErrBackendLocked while another writer holds the directory.
func (b *JSONDirStateBackend) Lock() error {
	if b == nil || b.Dir == "" {
		return nil
	}
	return b.ensureLocked()
}

// ensureLocked takes the directory lock on first write and keeps it until
// Close.
func (b *JSONDirStateBackend) ensureLocked() error {
	b.lockOnce.Do(func() {
		if err := os.MkdirAll(b.Dir, 0o755); err != nil {
			b.lockErr = err
			return
		}
		b.unlock, b.lockErr = lockDir(b.Dir)
	})
	return b.lockErr
}

func (b *JSONDirStateBackend) recordPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", ErrInvalidInput
	}
	return filepath.Join(b.Dir, key+".json"), nil
}

type InMemoryStateBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{records: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.records[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *InMemoryStateBackend) Save(key string, data []byte) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.records == nil {
		b.records = map[string][]byte{}
	}
	b.records[key] = append([]byte(nil), data...)
	return nil
}
