// Package lock implements the exclusive single-writer file lock
// described in §4.2/§5. No repo in the retrieval pack implements an
// on-disk advisory lock, so this is built directly from the stdlib
// os.OpenFile(O_EXCL) idiom rather than a teacher pattern; see DESIGN.md.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// FileLock is a PID-file-based exclusive lock: Acquire fails immediately
// (does not block) if the file exists and its recorded PID is still
// alive, matching the "fail closed, never wait" requirement of §5.
type FileLock struct {
	path string
	file *os.File
}

// New returns a FileLock bound to path. The file is not touched until
// Acquire is called.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire creates path exclusively, recording the current PID. If the
// file already exists and belongs to a live process, Acquire returns an
// error without blocking. If it exists but the recorded process is
// dead (stale lock from an unclean shutdown), the stale file is removed
// and acquisition retried once.
func (l *FileLock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("lock: create %s: %w", l.path, err)
		}
		if stale, staleErr := l.isStale(); staleErr == nil && stale {
			if rmErr := os.Remove(l.path); rmErr != nil {
				return fmt.Errorf("lock: remove stale lock %s: %w", l.path, rmErr)
			}
			f, err = os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("lock: %s held by another instance", l.path)
			}
		} else {
			return fmt.Errorf("lock: %s held by another instance", l.path)
		}
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("lock: write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("lock: fsync: %w", err)
	}
	l.file = f
	return nil
}

// Release closes and removes the lock file. Safe to call even if
// Acquire never succeeded.
func (l *FileLock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) isStale() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return true, nil // unreadable content counts as stale
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	// On Unix FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, nil
	}
	return false, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
