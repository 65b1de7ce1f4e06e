// Package persist implements the atomic, rename-based JSON persistence
// layer described in spec §4.8: one file per key, corrupt files are
// renamed aside rather than silently dropped, and every store is
// bypassed entirely in backtest mode for performance.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalforge/engine/pkg/engineerr"
)

// Store is a generic per-key atomic JSON file store. Each key maps to
// one file under root/<key-path>.json. Writers fsync before rename so
// a reader always observes either the full old content or the full new
// content (spec invariant 8.4).
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	root   string
}

// NewStore creates a store rooted at root. It does not touch the
// filesystem; the directory is not created here.
func NewStore(logger *zap.Logger, root string) *Store {
	return &Store{logger: logger, root: root}
}

func (s *Store) path(keyParts ...string) string {
	parts := append([]string{s.root}, keyParts...)
	return filepath.Join(parts...) + ".json"
}

// Write atomically serializes v to the file identified by keyParts.
func (s *Store) Write(v any, keyParts ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(keyParts...)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &engineerr.PersistenceError{Path: path, Err: err}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return &engineerr.PersistenceError{Path: path, Err: err}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	return nil
}

// Read loads the file identified by keyParts into v. It returns
// (false, nil) if the file is absent. A parse error self-heals: the
// corrupt file is renamed to "<name>.corrupt-<unixnano>" (never
// silently deleted, per Design Notes) and treated as absent.
func (s *Store) Read(v any, keyParts ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(keyParts...)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &engineerr.PersistenceError{Path: path, Err: err}
	}

	if err := json.Unmarshal(data, v); err != nil {
		corrupt := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			s.logger.Warn("failed to quarantine corrupt persistence file",
				zap.String("path", path), zap.Error(renameErr))
		} else {
			s.logger.Warn("quarantined corrupt persistence file",
				zap.String("path", path), zap.String("movedTo", corrupt))
		}
		return false, nil
	}
	return true, nil
}

// Delete removes the file identified by keyParts, if present.
func (s *Store) Delete(keyParts ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(keyParts...)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &engineerr.PersistenceError{Path: path, Err: err}
	}
	return nil
}
