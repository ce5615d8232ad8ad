// Package log provides structured event logging.
// This file appends JSON events to log.jsonl; escalations additionally go to
// alerts.jsonl so an operator can tell "progressing slowly" apart from
// "stuck and needs intervention".
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventRunStarted        = "run_started"
	EventRunComplete       = "run_complete"
	EventWorkEnqueued      = "work_enqueued"
	EventWorkRequeued      = "work_requeued"
	EventWorkDeadLettered  = "work_dead_lettered"
	EventClaimGranted      = "claim_granted"
	EventClaimDenied       = "claim_denied"
	EventClaimReleased     = "claim_released"
	EventClaimReclaimed    = "claim_reclaimed"
	EventSessionStarted    = "session_started"
	EventSessionRestarted  = "session_restarted"
	EventSessionTerminated = "session_terminated"
	EventEscalation        = "escalation"
	EventRegistryError     = "registry_error"
	EventSchedulingHalted  = "scheduling_halted"
	EventSchedulingResumed = "scheduling_resumed"
)

// LogEvent represents a single structured event written to the log.
type LogEvent struct {
	Time         time.Time              `json:"time"`
	Event        string                 `json:"event"`
	AgentID      string                 `json:"agent,omitempty"`
	ClaimID      string                 `json:"claim,omitempty"`
	WorkItemID   string                 `json:"item,omitempty"`
	ResourceKeys []string               `json:"keys,omitempty"`
	Holder       string                 `json:"holder,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Restarts     int                    `json:"restarts,omitempty"`
	Requeues     int                    `json:"requeues,omitempty"`
	Completed    int                    `json:"completed,omitempty"`
	Escalated    int                    `json:"escalated,omitempty"`
	Reclaimed    int                    `json:"reclaimed,omitempty"`
	Total        int                    `json:"total,omitempty"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Logger writes append-only JSONL events to a log file, plus a separate
// alert file for events that require human attention.
type Logger struct {
	path      string
	alertPath string
	mu        sync.Mutex
}

// NewLogger creates a Logger that writes to .farmhand/log.jsonl and
// .farmhand/alerts.jsonl inside dir. Creates the .farmhand/ directory if it
// does not already exist. Does not truncate existing files.
func NewLogger(dir string) (*Logger, error) {
	stateDir := filepath.Join(dir, ".farmhand")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create .farmhand directory: %w", err)
	}

	return &Logger{
		path:      filepath.Join(stateDir, "log.jsonl"),
		alertPath: filepath.Join(stateDir, "alerts.jsonl"),
	}, nil
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.path, &event)
}

// Alert writes the event to both the log file and the alert file. Used for
// escalations and persistent registry failures.
func (l *Logger) Alert(event LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.path, &event); err != nil {
		return err
	}
	return appendLine(l.alertPath, &event)
}

func appendLine(path string, event *LogEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Write the JSON line followed by a newline.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	return readLines(l.path)
}

// ReadAlerts reads and parses all alert records.
func (l *Logger) ReadAlerts() ([]LogEvent, error) {
	return readLines(l.alertPath)
}

func readLines(path string) ([]LogEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}
