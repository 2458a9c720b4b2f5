// Package connector holds the source and destination contracts the
// pipeline consumes, plus the built-in local implementations.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Source lists and reads input documents. Read returns nil, nil for a key
// that does not exist.
type Source interface {
	Read(ctx context.Context, key string) ([]byte, error)
	ReadAll(ctx context.Context) ([]string, error)
}

// Batch is the normalized output of one work item.
type Batch struct {
	TaskID         string
	SubItem        int
	DataLocation   string
	OutputFilename string
	// ColumnLocations maps a column name or JSONPath expression to the cell
	// where its values start.
	ColumnLocations map[string]string
	Rows            []Row
}

// Row is one transformed schema result.
type Row struct {
	SchemaID string
	Values   map[string]any
}

// Destination persists a batch and returns the written key or table.
type Destination interface {
	Write(ctx context.Context, b Batch) (string, error)
}

// Registry resolves connectors by name. It is filled once at startup.
type Registry struct {
	mu           sync.RWMutex
	sources      map[string]Source
	destinations map[string]Destination
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}, destinations: map[string]Destination{}}
}

func (r *Registry) AddSource(name string, s Source) {
	r.mu.Lock()
	r.sources[strings.ToLower(name)] = s
	r.mu.Unlock()
}

func (r *Registry) AddDestination(name string, d Destination) {
	r.mu.Lock()
	r.destinations[strings.ToLower(name)] = d
	r.mu.Unlock()
}

func (r *Registry) Source(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source %q (have %s)", name, strings.Join(keys(r.sources), ", "))
	}
	return s, nil
}

func (r *Registry) Destination(name string) (Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.destinations[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q (have %s)", name, strings.Join(keys(r.destinations), ", "))
	}
	return d, nil
}

func (r *Registry) HasDestination(name string) bool {
	_, err := r.Destination(name)
	return err == nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
