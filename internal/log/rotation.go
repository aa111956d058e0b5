package log

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is an io.WriteCloser appending to a file that is rotated
// once it would grow past a size limit. Rotated files are named path.1
// (newest) to path.N.
type RotatingFile struct {
	mu sync.Mutex

	path       string
	maxBytes   int64
	maxBackups int

	file *os.File
	size int64
}

// NewRotatingFile opens path for appending. maxBytes <= 0 disables
// rotation; maxBackups is the number of rotated files kept.
func NewRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	rf := &RotatingFile{path: path, maxBytes: maxBytes, maxBackups: max(maxBackups, 0)}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// open must be called with mu held or before rf is shared.
func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file, rf.size = f, info.Size()
	return nil
}

// Write implements io.Writer. A single write is never split across files.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, fs.ErrClosed
	}
	if rf.maxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxBytes {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// rename moves from to to, ignoring a missing source.
func rename(from, to string) error {
	if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// rotate must be called with mu held.
func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}
	rf.file = nil

	if rf.maxBackups == 0 {
		if err := os.Truncate(rf.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return rf.open()
	}
	if err := os.Remove(backupName(rf.path, rf.maxBackups)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for n := rf.maxBackups - 1; n >= 1; n-- {
		if err := rename(backupName(rf.path, n), backupName(rf.path, n+1)); err != nil {
			return err
		}
	}
	if err := rename(rf.path, backupName(rf.path, 1)); err != nil {
		return err
	}
	return rf.open()
}

// Close implements io.Closer.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}
