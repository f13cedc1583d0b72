// Package audit provides a structured journal of provisioning runs.
// Events are stored as JSON Lines (JSONL), one file per run directory.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firefly-engineering/nest-ctl/internal/provision"
)

// FileName is the journal file inside a run directory.
const FileName = "events.jsonl"

// Entry is a single journal line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Run       string    `json:"run,omitempty"`
	Index     *int      `json:"index,omitempty"`
	Container string    `json:"container,omitempty"`
	State     string    `json:"state,omitempty"`
	SSHPort   int       `json:"ssh_port,omitempty"`
	WebPort   int       `json:"web_port,omitempty"`
	Address   string    `json:"address,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// FromEvent converts a provisioning transition into a journal entry.
func FromEvent(e provision.Event) Entry {
	entry := Entry{
		Timestamp: e.Time,
		RunID:     e.RunID,
		Address:   e.Address,
		SSHPort:   e.Ports.SSH,
		WebPort:   e.Ports.Web,
	}
	if e.IsRun() {
		entry.Run = string(e.RunState)
	} else {
		index := e.Index
		entry.Index = &index
		entry.Container = e.Container
		entry.State = string(e.State)
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	return entry
}

// Logger appends run events to {dir}/events.jsonl. It implements
// provision.Observer; write errors are kept and reported by Err and Close
// instead of interrupting the run.
type Logger struct {
	path string

	mu  sync.Mutex
	f   *os.File
	err error
}

// NewLogger opens (or creates) the journal in dir.
func NewLogger(dir string) (*Logger, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{path: path, f: f}, nil
}

// Path returns the journal path.
func (l *Logger) Path() string {
	return l.path
}

// Log appends an entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Observe records a provisioning transition.
func (l *Logger) Observe(e provision.Event) {
	if err := l.Log(FromEvent(e)); err != nil {
		l.mu.Lock()
		if l.err == nil {
			l.err = err
		}
		l.mu.Unlock()
	}
}

// Err returns the first error hit by Observe.
func (l *Logger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close closes the journal and returns the first write error, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return l.err
	}
	err := l.f.Close()
	l.f = nil
	if l.err != nil {
		return l.err
	}
	return err
}

// Events reads all entries of the journal in dir in order. A missing
// journal yields no entries.
func Events(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // Skip malformed lines
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("error reading audit log: %w", err)
	}

	return entries, nil
}
