// Package file persists a session as a single JSON object on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// ErrCorrupt reports a session file that is not a JSON object of strings.
var ErrCorrupt = errors.New("session file is corrupt")

// Store reads and rewrites the whole file on every call, so separate
// processes sharing the path observe each other's writes on their next read.
//
// Reads of a corrupt file fail with ErrCorrupt. Writes replace it, so a
// later Login or Logout heals the file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used to report a replaced corrupt file.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a store backed by path. The file and its directory are created
// lazily on the first write.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, err := s.loadForWrite()
	if err != nil {
		return err
	}
	data[key] = value
	return s.save(data)
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, changed, err := s.loadForWrite()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := data[k]; ok {
			delete(data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save(data)
}

func (s *Store) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	data := map[string]string{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	if data == nil {
		data = map[string]string{}
	}
	return data, nil
}

// loadForWrite is load, except that a corrupt file reads as empty. corrupt
// tells the caller the file must be rewritten even if nothing else changed.
func (s *Store) loadForWrite() (data map[string]string, corrupt bool, err error) {
	data, err = s.load()
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn("replacing corrupt session file", zap.String("path", s.path), zap.Error(err))
		return map[string]string{}, true, nil
	}
	return data, false, err
}

func (s *Store) save(data map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
