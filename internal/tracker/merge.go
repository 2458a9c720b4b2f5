package tracker

import (
	"context"
	"encoding/json"
	"fmt"
)

// MergeResults appends contribution to the job's accumulated results by
// reading the latest list, appending and writing it back. Concurrent
// mergers for the same job race and the last writer wins; see DESIGN.md.
func (t *Tracker) MergeResults(ctx context.Context, jobID string, contribution ...json.RawMessage) ([]json.RawMessage, error) {
	current, err := t.PartialResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	merged := append(current, contribution...)

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged results: %w", err)
	}
	if err := t.bus.Set(ctx, resultsKey(jobID), string(b), t.ttl); err != nil {
		return nil, err
	}
	return merged, nil
}

func (t *Tracker) PartialResults(ctx context.Context, jobID string) ([]json.RawMessage, error) {
	raw, ok, err := t.bus.Get(ctx, resultsKey(jobID))
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode accumulated results: %w", err)
	}
	return list, nil
}
