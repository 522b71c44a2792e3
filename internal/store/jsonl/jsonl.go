// Package jsonl keeps a rotated JSON lines copy of the transition audit
// trail for log shippers.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentsh/jailhttpd/internal/store"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
)

// Store appends one JSON object per transition and rotates the file to
// path.1 .. path.N once it reaches the size limit.
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

var _ store.TransitionStore = (*Store)(nil)

func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	return newStore(path, int64(maxSizeMB)<<20, maxBackups)
}

func newStore(path string, maxBytes int64, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, errors.New("jsonl: empty path")
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("jsonl: create directory: %w", err)
	}
	s := &Store{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Append(_ context.Context, rec store.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jsonl: encode %s: %w", rec.RequestID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("jsonl: store closed")
	}
	if s.size >= s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("jsonl: write %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *Store) Query(context.Context, store.Query) ([]store.Record, error) {
	return nil, errors.New("jsonl: queries are served by the sqlite store")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("jsonl: open %s: %w", s.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonl: stat %s: %w", s.path, err)
	}
	s.file, s.size = f, st.Size()
	return nil
}

// rotateLocked shifts path.i to path.i+1, dropping the oldest backup, and
// reopens an empty file at path.
func (s *Store) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("jsonl: close for rotation: %w", err)
	}
	s.file = nil

	oldest := backupName(s.path, s.maxBackups)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("jsonl: remove %s: %w", oldest, err)
	}
	for i := s.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(backupName(s.path, i), backupName(s.path, i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("jsonl: shift backup %d: %w", i, err)
		}
	}
	if err := os.Rename(s.path, backupName(s.path, 1)); err != nil {
		return fmt.Errorf("jsonl: rotate %s: %w", s.path, err)
	}
	return s.openLocked()
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}
