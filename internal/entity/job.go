package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseJobStatus accepts the JSON-encoded form written to the status log
// (`"PENDING"`) as well as the bare enum string.
func ParseJobStatus(raw string) (JobStatus, error) {
	raw = strings.TrimSpace(raw)
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		s = raw
	}
	st := JobStatus(strings.ToUpper(s))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return st, nil
}

// Job is the caller-visible snapshot obtained by folding a job's status log.
type Job struct {
	ID           string            `json:"task_id"`
	Status       JobStatus         `json:"status"`
	Results      []json.RawMessage `json:"results"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	FailedItems  int               `json:"failed_items"`
	TotalRunTime string            `json:"total_run_time"`
	StartTime    int64             `json:"-"`
	Entries      int               `json:"-"`
}

// StatusEntry is one append to job-status:{jobId}. SubItem is set for
// per-item contributions and nil for job-level transitions.
type StatusEntry struct {
	ID           string
	Status       JobStatus
	SubItem      *int
	Result       json.RawMessage
	Error        string
	TotalRunTime string
	StartTime    int64
}

func (e StatusEntry) JobLevel() bool { return e.SubItem == nil }

func (e StatusEntry) Fields() map[string]any {
	status, _ := json.Marshal(string(e.Status))
	f := map[string]any{"status": string(status)}
	if e.SubItem != nil {
		f["sub_item"] = strconv.Itoa(*e.SubItem)
	}
	if len(e.Result) > 0 {
		f["result"] = string(e.Result)
	}
	if e.Error != "" {
		f["error_message"] = e.Error
	}
	if e.TotalRunTime != "" {
		f["total_run_time"] = e.TotalRunTime
	}
	if e.StartTime > 0 {
		f["start_time"] = strconv.FormatInt(e.StartTime, 10)
	}
	return f
}

func ParseStatusEntry(id string, values map[string]any) (StatusEntry, error) {
	e := StatusEntry{ID: id}

	raw, ok := Field(values, "status")
	if !ok {
		return e, fmt.Errorf("status entry %s: missing status", id)
	}
	st, err := ParseJobStatus(raw)
	if err != nil {
		return e, fmt.Errorf("status entry %s: %w", id, err)
	}
	e.Status = st

	if v, ok := Field(values, "sub_item"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return e, fmt.Errorf("status entry %s: bad sub_item %q", id, v)
		}
		e.SubItem = &n
	}
	if v, ok := Field(values, "result"); ok && v != "" {
		e.Result = json.RawMessage(v)
	}
	e.Error, _ = Field(values, "error_message")
	e.TotalRunTime, _ = Field(values, "total_run_time")
	if v, ok := Field(values, "start_time"); ok && v != "" {
		e.StartTime, _ = strconv.ParseInt(v, 10, 64)
	}
	return e, nil
}

// IntPtr is a small helper for SubItem.
func IntPtr(n int) *int { return &n }
