// Package marker persists the pid of the last started engine so a restarted
// daemon can still find and stop it.
package marker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

const fileMode = 0o644

// Store is a single pid file at a fixed path.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Write atomically replaces the marker with pid.
func (s *Store) Write(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("marker: refusing to record pid %d", pid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("marker dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, []byte(strconv.Itoa(pid)+"\n"), fileMode); err != nil {
		return fmt.Errorf("marker write %s: %w", s.path, err)
	}
	return nil
}

// Read returns the recorded pid. ok is false when the file is missing,
// unparsable, or names a pid <= 1.
func (s *Store) Read() (pid int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() (int, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return 0, false
	}
	return pid, true
}

// Remove deletes the marker. A missing file is not an error.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove()
}

// RemoveIf deletes the marker only while it still names pid, so a stale stop
// never erases the record of a newer child.
func (s *Store) RemoveIf(pid int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.read()
	if ok && current != pid {
		return false, nil
	}
	if err := s.remove(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("marker remove %s: %w", s.path, err)
	}
	return nil
}
