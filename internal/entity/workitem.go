package entity

import (
	"fmt"
	"sort"
	"strings"
)

type SourceType string

const (
	SourcePDF        SourceType = "pdf"
	SourceWeb        SourceType = "web"
	SourceDataSource SourceType = "data_source"
)

// Schema maps an output field name to a description of what to extract.
type Schema map[string]string

// Keys returns the schema field names in stable order.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keywords renders "field: description" lines, the form handed to prompts.
func (s Schema) Keywords() string {
	var b strings.Builder
	for i, k := range s.Keys() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(s[k])
	}
	return b.String()
}

// WorkItem is one unit of work inside a job. Exactly one of Content, URL or
// Source is meaningful, depending on SourceType.
type WorkItem struct {
	SourceType SourceType `json:"source_type,omitempty"`
	Content    string     `json:"content,omitempty"`
	URL        string     `json:"url,omitempty"`
	Source     string     `json:"source,omitempty"`
	Filename   string     `json:"filename,omitempty"`
	Schemas    []Schema   `json:"schemas"`
}

func (w WorkItem) Type() SourceType {
	if w.SourceType == "" {
		return SourcePDF
	}
	return w.SourceType
}

func (w WorkItem) Validate() error {
	if len(w.Schemas) == 0 {
		return fmt.Errorf("work item has no schemas")
	}
	switch w.Type() {
	case SourcePDF:
		if w.Content == "" {
			return fmt.Errorf("pdf work item requires content")
		}
	case SourceWeb:
		if w.URL == "" {
			return fmt.Errorf("web work item requires url")
		}
	case SourceDataSource:
		if w.Source == "" {
			return fmt.Errorf("data_source work item requires source")
		}
	default:
		return fmt.Errorf("unknown source type %q", w.SourceType)
	}
	return nil
}

// Destination tells the loading stage where results go.
// ColumnLocations is keyed by data location, then by column (or JSONPath
// expression) to a start cell.
type Destination struct {
	Type            string                       `json:"type,omitempty"`
	DataLocation    string                       `json:"data_location,omitempty"`
	OutputFilename  string                       `json:"output_filename,omitempty"`
	ColumnLocations map[string]map[string]string `json:"column_locations,omitempty"`
}

// ModelDetailsKey is the side key holding the current ModelDetails.
const ModelDetailsKey = "model-details"

// ModelDetails is the provider configuration published on model-details.
type ModelDetails struct {
	ProviderType      string         `json:"provider_type"`
	ProviderModelName string         `json:"provider_model_name"`
	APIKey            string         `json:"api_key"`
	MarkdownMode      bool           `json:"markdown_mode"`
	AdditionalParams  map[string]any `json:"additional_params,omitempty"`
}

// PipelineRequest is the submission accepted by the TaskSubmitter.
type PipelineRequest struct {
	Workloads   []WorkItem        `json:"workloads"`
	Provider    ModelDetails      `json:"provider"`
	Destination Destination       `json:"destination"`
	PromptIDs   map[string]string `json:"prompt_ids,omitempty"`
}

type PipelineResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}
