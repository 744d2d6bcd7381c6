package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 16 * 1024 * 1024
	// ArchiveDir holds rotated log files, next to the live file.
	ArchiveDir = "archive"
)

// InvocationEntry is one line of the inbound invocation log.
type InvocationEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Transport  string    `json:"transport"`
	Remote     string    `json:"remote,omitempty"`
	Path       string    `json:"path"`
	Command    string    `json:"command,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// InvocationLog appends JSON lines to a file and rotates it into ArchiveDir
// once it would exceed maxSize.
type InvocationLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
	now         func() time.Time
}

func NewInvocationLog(path string, maxSize int64) (*InvocationLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &InvocationLog{path: path, maxSize: maxSize, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *InvocationLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open invocation log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat invocation log: %w", err)
	}
	l.file = f
	l.currentSize = info.Size()
	return nil
}

// Record appends entry, stamping it when Timestamp is zero.
func (l *InvocationLog) Record(entry InvocationEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("invocation log closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal invocation entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate invocation log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	l.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write invocation entry: %w", err)
	}
	return nil
}

func (l *InvocationLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	archive := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.rotations++
	base := filepath.Base(l.path)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s.%s.%d%s", base[:len(base)-len(ext)], l.now().Format("20060102_150405"), l.rotations, ext)
	if err := os.Rename(l.path, filepath.Join(archive, name)); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	return l.open()
}

// Size returns the live file's size.
func (l *InvocationLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

func (l *InvocationLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadInvocationLog decodes every well-formed entry in path. Malformed lines
// are skipped.
func ReadInvocationLog(path string) ([]InvocationEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open invocation log: %w", err)
	}
	defer f.Close()

	var out []InvocationEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e InvocationEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
