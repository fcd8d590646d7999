package streamconsumer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
)

// DLQRecord is the record written both to the Redis DLQ stream and,
// on write failure, appended to the local fallback file.
type DLQRecord struct {
	OriginalMessageID string    `json:"originalMessageId"`
	OriginalStream     string    `json:"originalStream"`
	OriginalData       string    `json:"originalData"`
	Error              string    `json:"error"`
	ErrorStack         string    `json:"errorStack"`
	Timestamp          time.Time `json:"timestamp"`
	Service            string    `json:"service"`
	InstanceID         string    `json:"instanceId"`
}

// FallbackFile is the local append-only JSONL sink used when a DLQ write
// to Redis itself fails, size-capped per calendar day.
type FallbackFile struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	clk      clock.Clock

	day       string
	writtenSz int64
}

// NewFallbackFile prepares (but does not yet open) the fallback sink
// rooted at dir, e.g. "data" for "data/dlq-fallback-2026-07-31.jsonl".
func NewFallbackFile(dir string, maxBytes int64, clk clock.Clock) *FallbackFile {
	if clk == nil {
		clk = clock.Default
	}
	return &FallbackFile{dir: dir, maxBytes: maxBytes, clk: clk}
}

// Append writes one JSONL record, rolling to a new file at day boundaries
// and dropping (with the caller expected to warn-log) once the day's file
// exceeds maxBytes.
func (f *FallbackFile) Append(rec DLQRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := f.clk.Now().UTC().Format("2006-01-02")
	if day != f.day {
		f.day = day
		f.writtenSz = 0
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq fallback: marshal: %w", err)
	}
	line = append(line, '\n')

	if f.writtenSz+int64(len(line)) > f.maxBytes {
		return fmt.Errorf("dlq fallback: day limit (%d bytes) reached, dropping", f.maxBytes)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("dlq fallback: mkdir: %w", err)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("dlq-fallback-%s.jsonl", day))
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dlq fallback: open: %w", err)
	}
	defer fh.Close()

	n, err := fh.Write(line)
	if err != nil {
		return fmt.Errorf("dlq fallback: write: %w", err)
	}
	f.writtenSz += int64(n)
	return nil
}
