// Package logbook keeps a human-readable journal of run progress next to the
// structured log.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/stepflow/internal/events"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook appends one line per entry to a text file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry stamped at the current time.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.write(l.clock(), level, message)
}

func (l *Logbook) write(at time.Time, level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		at.UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total
// number of entries.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Record journals a run event. Checkpoint writes are too frequent to be
// useful here and are skipped.
func (l *Logbook) Record(ev events.Event) {
	if l == nil || ev.Type == events.CheckpointWritten {
		return
	}
	level := LevelInfo
	switch ev.Type {
	case events.StepFailed, events.RunPaused, events.CheckpointFailed:
		level = LevelWarn
	case events.RunFailed:
		level = LevelError
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run=%s %s", ev.RunID, ev.Type)
	if ev.StepID != "" {
		fmt.Fprintf(&b, " step=%s", ev.StepID)
	}
	if ev.Agent != "" {
		fmt.Fprintf(&b, " agent=%s", ev.Agent)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, ": %s", ev.Message)
	}
	at := ev.Time
	if at.IsZero() {
		at = l.clock()
	}
	l.write(at, level, b.String())
}

// Follow records every event from stream until it closes. The returned
// channel closes once the stream is drained.
func (l *Logbook) Follow(stream <-chan events.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range stream {
			l.Record(ev)
		}
	}()
	return done
}
