// Package audit provides the append-only record of every tool-invocation
// attempt and its terminal disposition. Entries are one JSON object per line
// so external tooling can tail or replay the file; the daemon itself never
// reads past entries back.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DispositionExecuted = "executed"
	DispositionDenied   = "denied"
	DispositionError    = "error"
)

// maxResultBytes caps the recorded result summary per entry.
const maxResultBytes = 4096

type Entry struct {
	Time        time.Time       `json:"time"`
	CallID      string          `json:"call_id"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	Trust       string          `json:"trust"`
	Disposition string          `json:"disposition"` // executed|denied|error
	Reason      string          `json:"reason,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// Logger appends entries to a JSONL file. Writes are serialized and synced
// so the record order equals disposition order and survives a crash.
type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func NewLogger(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &Logger{f: f, path: path}, nil
}

// Record appends one entry. The result summary is truncated UTF-8-safely;
// prior entries are never touched.
func (l *Logger) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Result = Truncate(e.Result, maxResultBytes)

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Truncate cuts s to at most max bytes on a rune boundary, appending a
// marker when anything was dropped.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !isRuneStart(s[end]) {
		end--
	}
	return s[:end] + "...[truncated]"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
