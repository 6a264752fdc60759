package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const currentLogName = "audit.log"

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding audit.log and rotated files
	MaxSize  int64  // bytes before rotation, 0 means 100MB
	MaxFiles int    // rotated files to keep, 0 means 10
}

// FileLogger appends events as NDJSON to <BasePath>/audit.log and rotates by size
type FileLogger struct {
	cfg FileLoggerConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileLogger creates the directory if needed and opens the current file
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: cfg}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) path() string {
	return filepath.Join(l.cfg.BasePath, currentLogName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// rotate renames the current file with a timestamp suffix and prunes old files.
// Caller holds l.mu.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	l.file = nil

	rotated := filepath.Join(l.cfg.BasePath,
		fmt.Sprintf("audit-%s.log", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(l.path(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit log file: %w", err)
	}

	if err := l.prune(); err != nil {
		return err
	}
	return l.open()
}

func (l *FileLogger) prune() error {
	files, err := l.RotatedFiles()
	if err != nil {
		return err
	}
	for len(files) > l.cfg.MaxFiles {
		if err := os.Remove(files[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old audit log: %w", err)
		}
		files = files[1:]
	}
	return nil
}

// RotatedFiles lists rotated files, oldest first
func (l *FileLogger) RotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.cfg.BasePath, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	// names embed a fixed-width UTC timestamp
	sort.Strings(files)
	return files, nil
}

// Log appends one event, rotating first when the file is full
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit file logger is closed")
	}
	if l.size > 0 && l.size+int64(len(line)) > l.cfg.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ReadLogs reads up to count events from the current file, 0 meaning all
func (l *FileLogger) ReadLogs(count int) ([]*AuditEvent, error) {
	f, err := os.Open(l.path())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &event)
		if count > 0 && len(events) >= count {
			break
		}
	}
	return events, scanner.Err()
}

// Close closes the current file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
