package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLogFile is the per-meeting JSONL log of pipeline runs.
const EventLogFile = "pipeline.jsonl"

// EventLog appends structured pipeline events to a meeting directory.
type EventLog struct {
	mu        sync.Mutex
	file      *os.File
	meetingID string
}

type logRecord struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	MeetingID string            `json:"meeting_id"`
	Stage     string            `json:"stage,omitempty"`
	TookMs    int64             `json:"took_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// OpenEventLog opens (or appends to) dir/pipeline.jsonl.
func OpenEventLog(dir, meetingID string) (*EventLog, error) {
	f, err := os.OpenFile(filepath.Join(dir, EventLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &EventLog{file: f, meetingID: meetingID}, nil
}

func (el *EventLog) Close() error {
	if el == nil {
		return nil
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file != nil {
		err := el.file.Close()
		el.file = nil
		return err
	}
	return nil
}

func (el *EventLog) write(rec logRecord) {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	rec.Timestamp = time.Now().Format(time.RFC3339Nano)
	rec.MeetingID = el.meetingID
	_ = json.NewEncoder(el.file).Encode(rec)
}

func (el *EventLog) LogStart() {
	el.write(logRecord{Event: "pipeline_start"})
}

func (el *EventLog) LogStage(stage string, took time.Duration, details map[string]string) {
	el.write(logRecord{Event: "stage", Stage: stage, TookMs: took.Milliseconds(), Details: details})
}

func (el *EventLog) LogError(stage string, err error) {
	el.write(logRecord{Event: "stage_error", Stage: stage, Error: err.Error()})
}

func (el *EventLog) LogEnd(outcome string) {
	el.write(logRecord{Event: "pipeline_end", Details: map[string]string{"outcome": outcome}})
}
