// Package cache replays responses for identical workload submissions.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-service/internal/entity"
	"pipeline-service/internal/streambus"
)

const (
	cachePrefix    = "cache:"
	responsePrefix = "response:"
)

// DefaultTTL is the replay window for identical submissions.
const DefaultTTL = time.Hour

// ResponseCache stores cache:{contentHash} -> responseHash and
// response:{responseHash} -> response JSON.
type ResponseCache struct {
	bus streambus.Bus
	ttl time.Duration
}

func New(bus streambus.Bus, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{bus: bus, ttl: ttl}
}

// Key hashes the serialized work items. Map keys are marshalled in sorted
// order so equal submissions hash equally.
func Key(items []entity.WorkItem) (string, error) {
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("serialize workloads: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (c *ResponseCache) Get(ctx context.Context, key string) (entity.PipelineResponse, bool, error) {
	var resp entity.PipelineResponse

	respHash, ok, err := c.bus.Get(ctx, cachePrefix+key)
	if err != nil || !ok {
		return resp, false, err
	}
	raw, ok, err := c.bus.Get(ctx, responsePrefix+respHash)
	if err != nil || !ok {
		return resp, false, err
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		// a corrupt record is a miss, the caller recomputes it
		return resp, false, nil
	}
	return resp, true, nil
}

func (c *ResponseCache) Put(ctx context.Context, key string, resp entity.PipelineResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("serialize response: %w", err)
	}
	sum := sha256.Sum256(b)
	respHash := hex.EncodeToString(sum[:])

	if err := c.bus.Set(ctx, responsePrefix+respHash, string(b), c.ttl); err != nil {
		return err
	}
	return c.bus.Set(ctx, cachePrefix+key, respHash, c.ttl)
}
