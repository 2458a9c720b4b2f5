package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-service/internal/entity"
)

const runTimeUnknown = "N/A"

// Fold derives a job snapshot from its status log in log order. It is pure:
// the same entries always produce the same snapshot.
//
// Job-level entries drive the status. Item-level entries only contribute
// results and failures.
func Fold(jobID string, entries []entity.StatusEntry) entity.Job {
	job := entity.Job{
		ID:           jobID,
		Status:       entity.StatusPending,
		Results:      []json.RawMessage{},
		TotalRunTime: runTimeUnknown,
		Entries:      len(entries),
	}

	for _, e := range entries {
		if job.StartTime == 0 && e.StartTime > 0 {
			job.StartTime = e.StartTime
		}
		job.Results = append(job.Results, splitResults(e.Result)...)
		if e.TotalRunTime != "" {
			job.TotalRunTime = e.TotalRunTime
		}

		if e.JobLevel() {
			job.Status = e.Status
			if e.Error != "" {
				job.ErrorMessage = e.Error
			}
			continue
		}
		if e.Status == entity.StatusFailed {
			job.FailedItems++
			switch {
			case e.Error == "":
			case *e.SubItem == entity.UnknownSubItem:
				job.Errors = append(job.Errors, "unknown sub_item: "+e.Error)
			default:
				job.Errors = append(job.Errors, fmt.Sprintf("sub_item %d: %s", *e.SubItem, e.Error))
			}
		}
	}
	return job
}

// splitResults flattens a result payload: {"results":[...]} and [...] yield
// their elements, anything else is a single result.
func splitResults(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}

	switch raw[0] {
	case '{':
		var wrapped struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Results != nil {
			return wrapped.Results
		}
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
	case 'n':
		return nil
	}
	return []json.RawMessage{raw}
}

// FormatRunTime renders whole seconds below a minute and whole minutes above.
func FormatRunTime(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs >= 60 {
		return fmt.Sprintf("%d minutes", secs/60)
	}
	return fmt.Sprintf("%d seconds", secs)
}
