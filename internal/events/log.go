package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log is the single-writer, append-only JSONL event log described by the
// filesystem layout's events.jsonl. It is the ground truth: the state
// store is a pure function of everything Log has accepted.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextSeq int64
	closed  bool
}

// Open opens (creating if absent) the event log at path, recovers from a
// torn trailing record left by a prior crash, and seeds the next sequence
// number from 1 + max(seq) observed in the recovered log (0 for an empty
// log).
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	recovered, validLength, err := scanFile(path)
	if err != nil {
		return nil, err
	}

	if err := truncateToValidLength(path, validLength); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	maxSeq := int64(-1)
	for _, e := range recovered {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	return &Log{path: path, file: file, nextSeq: maxSeq + 1}, nil
}

// Append assigns the next sequence number to event, serializes it, writes
// it, and forces a flush to disk before returning. Event.Seq and
// Event.Timestamp are set here; callers need not set them.
func (l *Log) Append(event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, fmt.Errorf("event log closed")
	}

	event.Seq = l.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync event log: %w", err)
	}

	l.nextSeq++
	return event, nil
}

// NextSeq returns the sequence number the next Append call will assign.
func (l *Log) NextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// ScanFrom returns every event with seq >= fromSeq, in seq order, reading
// the log fresh from disk. A torn trailing record is dropped silently.
func (l *Log) ScanFrom(fromSeq int64) ([]Event, error) {
	events, _, err := scanFile(l.path)
	if err != nil {
		return nil, err
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close releases the underlying file handle. No event may be appended
// after Close; the spec's invariant 4 ("no event is written after
// runtime_stopped") is enforced by callers ceasing to call Append, not by
// Close itself, since runtime_stopped is itself the final append.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// scanFile reads every complete, well-formed JSON line in the file at
// path. validLength is the byte offset immediately after the last
// complete, well-formed line; content beyond it (a torn trailing record)
// is not included in the returned events. A file that does not yet exist
// scans as empty.
func scanFile(path string) ([]Event, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open event log for scan: %w", err)
	}
	defer file.Close()

	var events []Event
	var validLength int64
	reader := bufio.NewReader(file)

	for {
		line, readErr := reader.ReadBytes('\n')
		trimmed := bytes.TrimRight(line, "\n")

		if len(trimmed) == 0 {
			if readErr != nil {
				break
			}
			validLength += int64(len(line))
			continue
		}

		var e Event
		if err := json.Unmarshal(trimmed, &e); err != nil {
			// Malformed record: if more bytes followed a newline we never
			// reached, or we're mid-read at EOF without a trailing
			// newline, this is the torn tail described by the spec.
			// Earlier events remain authoritative; stop here.
			break
		}

		if readErr != nil && !bytes.HasSuffix(line, []byte("\n")) {
			// Last line in the file had no trailing newline: torn write,
			// even though it happened to parse. Treat as incomplete.
			break
		}

		events = append(events, e)
		validLength += int64(len(line))

		if readErr != nil {
			break
		}
	}

	return events, validLength, nil
}

// truncateToValidLength trims away any torn trailing bytes detected by
// scanFile so future appends start from a clean offset.
func truncateToValidLength(path string, validLength int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() <= validLength {
		return nil
	}
	if err := os.Truncate(path, validLength); err != nil {
		return fmt.Errorf("truncate torn event log tail: %w", err)
	}
	return nil
}
