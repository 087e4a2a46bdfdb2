package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and rotates it by size, keeping
// a fixed number of numbered backups (file.1 is the newest). Safe for
// concurrent use; slog hands it writes from multiple goroutines.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
	backups int
}

// NewRotatingWriter opens (creating if needed) the log file at path.
// Non-positive limits fall back to defaults sized for an appliance with
// a small disk.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:    path,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		backups: maxBackups,
	}
	if err := rw.reopen(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write rotates first when the record would push the file past the
// limit, so a single file never exceeds maxSize unless one record alone
// does.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// rotate flushes and closes the active file, shifts the backup chain up
// by one and starts a fresh file. The device can lose power at any
// moment, so everything buffered is synced before the renames.
func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Sync()
		rw.file.Close()
		rw.file = nil
	}

	os.Remove(rw.backupPath(rw.backups))
	for i := rw.backups - 1; i >= 1; i-- {
		os.Rename(rw.backupPath(i), rw.backupPath(i+1))
	}
	os.Rename(rw.path, rw.backupPath(1))

	return rw.reopen()
}

// reopen opens the active file for append and adopts its current size,
// so restarts keep counting toward the same limit.
func (rw *RotatingWriter) reopen() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}
