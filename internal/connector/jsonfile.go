package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JSONDestination writes each batch as a JSON document under dir.
type JSONDestination struct {
	dir string
}

func NewJSONDestination(dir string) *JSONDestination {
	return &JSONDestination{dir: dir}
}

type jsonDocument struct {
	TaskID       string           `json:"task_id"`
	SubItem      int              `json:"sub_item"`
	DataLocation string           `json:"data_location,omitempty"`
	Rows         []map[string]any `json:"rows"`
}

func (d *JSONDestination) Write(_ context.Context, b Batch) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	doc := jsonDocument{TaskID: b.TaskID, SubItem: b.SubItem, DataLocation: b.DataLocation}
	for _, r := range b.Rows {
		row := map[string]any{"schema_id": r.SchemaID}
		for k, v := range r.Values {
			row[k] = v
		}
		doc.Rows = append(doc.Rows, row)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("json: encode: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(b.OutputFilename), filepath.Ext(b.OutputFilename))
	if base == "" || base == "." {
		base = b.TaskID
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%d.json", base, b.SubItem))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("json: write %s: %w", path, err)
	}
	return path, nil
}
