package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// backupStamp names rotated audit segments. Lexical order of the stamp
// matches chronological order, which prune relies on.
const backupStamp = "20060102T150405.000"

// auditFile is an append-only sink for audit records that rotates itself
// by size. A full segment is renamed to <path>.<timestamp> and old
// segments are pruned by count and by age.
type auditFile struct {
	mu      sync.Mutex
	out     *os.File
	written int64

	path   string
	limit  int64
	keep   int
	retain time.Duration
}

func openAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("audit file path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 64
	}
	if maxBackups <= 0 {
		maxBackups = 10
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:   path,
		limit:  int64(maxSizeMB) << 20,
		keep:   maxBackups,
		retain: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (f *auditFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.open(); err != nil {
		return 0, err
	}
	if f.written+int64(len(p)) > f.limit {
		if err := f.roll(); err != nil {
			return 0, err
		}
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.out.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *auditFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	f.written = 0
	return err
}

// open lazily attaches the live segment, resuming its current size so
// an existing file keeps counting toward the rotation limit.
func (f *auditFile) open() error {
	if f.out != nil {
		return nil
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.out = out
	f.written = info.Size()
	return nil
}

func (f *auditFile) roll() error {
	if f.out != nil {
		_ = f.out.Close()
		f.out = nil
	}
	f.written = 0

	stamped := f.path + "." + time.Now().Format(backupStamp)
	if err := os.Rename(f.path, stamped); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	f.prune()
	return nil
}

// prune drops rotated segments beyond the retention count and any
// segment older than the retention age. Best effort: a failed stat or
// remove never blocks logging.
func (f *auditFile) prune() {
	backups, err := filepath.Glob(f.path + ".*")
	if err != nil {
		return
	}
	sort.Strings(backups)

	if f.keep > 0 && len(backups) > f.keep {
		for _, stale := range backups[:len(backups)-f.keep] {
			_ = os.Remove(stale)
		}
		backups = backups[len(backups)-f.keep:]
	}
	if f.retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.retain)
	for _, backup := range backups {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
