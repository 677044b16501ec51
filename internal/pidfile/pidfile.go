// Package pidfile records a daemon's PID and refuses to start a second copy
// while the recorded process is still alive.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when another live process owns the file.
var ErrRunning = errors.New("process is already running")

// Pidfile represents a PID file
type Pidfile struct {
	path  string
	owned bool
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Acquire writes the current PID. A file left behind by a dead process is
// replaced; one owned by a live process yields ErrRunning.
func (p *Pidfile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	if pid, err := p.Read(); err == nil && pid != os.Getpid() {
		if running, _ := isProcessRunning(pid); running {
			return fmt.Errorf("%w: pid %d (%s)", ErrRunning, pid, p.path)
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install pidfile: %w", err)
	}
	p.owned = true
	return nil
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	return pid, nil
}

// Release removes the file if this process wrote it.
func (p *Pidfile) Release() error {
	if !p.owned {
		return nil
	}
	p.owned = false
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}
