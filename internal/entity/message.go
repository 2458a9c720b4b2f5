package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stream names are part of the wire contract.
const (
	ExtractionStream     = "extraction-stream"
	TransformationStream = "transformation-stream"
	LoadingStream        = "loading-stream"
)

// Routing is carried unchanged through every stage.
type Routing struct {
	TaskID       string
	SubItem      int
	SourceType   SourceType
	PromptIDs    map[string]string
	Destination  Destination
	MarkdownMode bool
}

// Route exposes the routing of any stage task that embeds it.
func (r Routing) Route() Routing { return r }

type SchemaResult struct {
	SchemaID   string `json:"schema_id"`
	SchemaData Schema `json:"schema_data"`
	Metrics    string `json:"metrics"`
}

type ExtractionTask struct {
	Routing
	ContentKey string
	Schemas    []Schema
}

type TransformationTask struct {
	Routing
	Results   []SchemaResult
	ElapsedMS int64
}

type LoadingTask struct {
	Routing
	Results   []SchemaResult
	ElapsedMS int64
}

// ItemResult is the per-item contribution appended to the status log by the
// loading stage.
type ItemResult struct {
	SubItem     int            `json:"sub_item"`
	Destination string         `json:"destination"`
	Location    string         `json:"location,omitempty"`
	Schemas     []SchemaResult `json:"schemas"`
}

// UnknownSubItem stands in for a sub_item that could not be parsed.
const UnknownSubItem = -1

// DecodeError keeps whatever routing could be recovered from a poison entry.
type DecodeError struct {
	TaskID  string
	SubItem int
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream entry (task_id=%q): %v", e.TaskID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (r Routing) fields() map[string]any {
	f := map[string]any{
		"task_id":            r.TaskID,
		"sub_item":           strconv.Itoa(r.SubItem),
		"source_type":        string(r.SourceType),
		"prompt_ids":         mustJSON(r.PromptIDs),
		"column_locations":   mustJSON(r.Destination.ColumnLocations),
		"output_data_source": r.Destination.Type,
		"data_location":      r.Destination.DataLocation,
		"output_filename":    r.Destination.OutputFilename,
		"markdown_mode":      strconv.FormatBool(r.MarkdownMode),
	}
	return f
}

func parseRouting(values map[string]any) (Routing, error) {
	var r Routing
	id, ok := Field(values, "task_id")
	if !ok || id == "" {
		return r, fmt.Errorf("missing task_id")
	}
	r.TaskID = id

	sub, _ := Field(values, "sub_item")
	n, err := strconv.Atoi(sub)
	if err != nil {
		r.SubItem = UnknownSubItem
		return r, fmt.Errorf("bad sub_item %q", sub)
	}
	r.SubItem = n

	st, _ := Field(values, "source_type")
	r.SourceType = SourceType(st)
	if err := jsonField(values, "prompt_ids", &r.PromptIDs); err != nil {
		return r, err
	}
	if err := jsonField(values, "column_locations", &r.Destination.ColumnLocations); err != nil {
		return r, err
	}
	r.Destination.Type, _ = Field(values, "output_data_source")
	r.Destination.DataLocation, _ = Field(values, "data_location")
	r.Destination.OutputFilename, _ = Field(values, "output_filename")
	if v, ok := Field(values, "markdown_mode"); ok && v != "" {
		r.MarkdownMode, _ = strconv.ParseBool(v)
	}
	return r, nil
}

func (t ExtractionTask) Fields() map[string]any {
	f := t.Routing.fields()
	f["content_key"] = t.ContentKey
	f["schemas"] = mustJSON(t.Schemas)
	return f
}

func ParseExtractionTask(values map[string]any) (ExtractionTask, error) {
	var t ExtractionTask
	r, err := parseRouting(values)
	t.Routing = r
	if err != nil {
		return t, &DecodeError{TaskID: r.TaskID, SubItem: r.SubItem, Err: err}
	}
	t.ContentKey, _ = Field(values, "content_key")
	if t.ContentKey == "" {
		return t, &DecodeError{TaskID: r.TaskID, SubItem: r.SubItem, Err: fmt.Errorf("missing content_key")}
	}
	if err := jsonField(values, "schemas", &t.Schemas); err != nil {
		return t, &DecodeError{TaskID: r.TaskID, SubItem: r.SubItem, Err: err}
	}
	return t, nil
}

func (t TransformationTask) Fields() map[string]any {
	f := t.Routing.fields()
	f["results"] = mustJSON(t.Results)
	f["elapsed_ms"] = strconv.FormatInt(t.ElapsedMS, 10)
	return f
}

func ParseTransformationTask(values map[string]any) (TransformationTask, error) {
	var t TransformationTask
	r, results, elapsed, err := parseResultsTask(values)
	t.Routing, t.Results, t.ElapsedMS = r, results, elapsed
	return t, err
}

func (t LoadingTask) Fields() map[string]any {
	f := t.Routing.fields()
	f["results"] = mustJSON(t.Results)
	f["elapsed_ms"] = strconv.FormatInt(t.ElapsedMS, 10)
	return f
}

func ParseLoadingTask(values map[string]any) (LoadingTask, error) {
	var t LoadingTask
	r, results, elapsed, err := parseResultsTask(values)
	t.Routing, t.Results, t.ElapsedMS = r, results, elapsed
	return t, err
}

func parseResultsTask(values map[string]any) (Routing, []SchemaResult, int64, error) {
	r, err := parseRouting(values)
	if err != nil {
		return r, nil, 0, &DecodeError{TaskID: r.TaskID, SubItem: r.SubItem, Err: err}
	}
	var results []SchemaResult
	if err := jsonField(values, "results", &results); err != nil {
		return r, nil, 0, &DecodeError{TaskID: r.TaskID, SubItem: r.SubItem, Err: err}
	}
	var elapsed int64
	if v, ok := Field(values, "elapsed_ms"); ok && v != "" {
		elapsed, _ = strconv.ParseInt(v, 10, 64)
	}
	return r, results, elapsed, nil
}

// Field reads a flat stream field as a string. Redis returns strings; the
// in-memory bus may hand back whatever was appended.
func Field(values map[string]any, key string) (string, bool) {
	v, ok := values[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return fmt.Sprint(t), true
	}
}

func jsonField(values map[string]any, key string, dst any) error {
	raw, ok := Field(values, key)
	if !ok || raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
