package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
)

type KeyReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

type ModelFactory interface {
	New(d entity.ModelDetails) (llm.Completer, error)
}

// Models builds the completer described by model-details, rebuilding only
// when the published details change.
type Models struct {
	keys    KeyReader
	factory ModelFactory

	mu    sync.Mutex
	raw   string
	model llm.Completer
}

func NewModels(keys KeyReader, factory ModelFactory) *Models {
	return &Models{keys: keys, factory: factory}
}

func (m *Models) Current(ctx context.Context) (llm.Completer, error) {
	raw, ok, err := m.keys.Get(ctx, entity.ModelDetailsKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.InvalidConfiguration("no model details published", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil && raw == m.raw {
		return m.model, nil
	}

	var d entity.ModelDetails
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, apperr.InvalidConfiguration(fmt.Sprintf("decode %s", entity.ModelDetailsKey), err)
	}
	model, err := m.factory.New(d)
	if err != nil {
		return nil, err
	}
	m.raw, m.model = raw, model
	return model, nil
}
