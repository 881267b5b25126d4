// Package trace writes an append-only JSONL record of a tree run.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the run trace event types.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventRunComplete  EventType = "run_complete"
	EventNodeStart    EventType = "node_start"
	EventNodeSkipped  EventType = "node_skipped"
	EventNodeMatch    EventType = "node_match"
	EventNodeComplete EventType = "node_complete"
	EventNodeFailed   EventType = "node_failed"
)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Writer writes trace events. It is safe for concurrent use by every node
// of a tree.
type Writer struct {
	mu     sync.Mutex
	closer io.Closer
	runID  string
	enc    *json.Encoder
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{
		runID: runID,
		enc:   json.NewEncoder(w),
	}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.closer = f
	return tw, nil
}

// RunID returns the identifier stamped on every event.
func (tw *Writer) RunID() string {
	return tw.runID
}

// Close closes the underlying file when the writer owns one.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closer == nil {
		return nil
	}
	err := tw.closer.Close()
	tw.closer = nil
	return err
}

// Emit writes a single trace event. A nil writer discards it.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		Data:      data,
	}
	return tw.enc.Encode(evt)
}

// EmitRunStart emits a run_start event with the tree name and seed variables.
func (tw *Writer) EmitRunStart(tree string, vars map[string]string) error {
	data := map[string]any{
		"tree": tree,
	}
	if len(vars) > 0 {
		data["vars"] = vars
	}
	return tw.Emit(EventRunStart, data)
}

// EmitNodeStart emits a node_start event with the resolved command.
func (tw *Writer) EmitNodeStart(node, command string) error {
	return tw.Emit(EventNodeStart, map[string]any{
		"node":    node,
		"command": command,
	})
}

// EmitNodeSkipped emits a node_skipped event.
func (tw *Writer) EmitNodeSkipped(node, reason string) error {
	return tw.Emit(EventNodeSkipped, map[string]any{
		"node":   node,
		"reason": reason,
	})
}

// EmitNodeMatch emits a node_match event for one pattern hit.
func (tw *Writer) EmitNodeMatch(node string, pattern int, captures map[string]string) error {
	data := map[string]any{
		"node":    node,
		"pattern": pattern,
	}
	if len(captures) > 0 {
		data["captures"] = captures
	}
	return tw.Emit(EventNodeMatch, data)
}

// EmitNodeComplete emits a node_complete event.
func (tw *Writer) EmitNodeComplete(node string, exitCode, lines, matches int, duration time.Duration) error {
	return tw.Emit(EventNodeComplete, map[string]any{
		"node":      node,
		"exit_code": exitCode,
		"lines":     lines,
		"matches":   matches,
		"duration":  duration.String(),
	})
}

// EmitNodeFailed emits a node_failed event.
func (tw *Writer) EmitNodeFailed(node, phase string, err error) error {
	return tw.Emit(EventNodeFailed, map[string]any{
		"node":  node,
		"phase": phase,
		"error": err.Error(),
	})
}

// EmitRunComplete emits a run_complete event.
func (tw *Writer) EmitRunComplete(status string, stats map[string]int64, duration time.Duration) error {
	data := map[string]any{
		"status":   status,
		"duration": duration.String(),
	}
	if stats != nil {
		data["stats"] = stats
	}
	return tw.Emit(EventRunComplete, data)
}

// ReadFile parses every event of a trace file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a JSONL event stream, skipping blank lines.
func Read(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB max line

	var events []Event
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return events, fmt.Errorf("line %d: %w", n, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}
