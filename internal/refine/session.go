package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
	"pipeline-service/internal/streambus"
)

// Session is the state of one Run. It never outlives that call.
type Session struct {
	ID           string        `json:"id"`
	Mode         prompt.Mode   `json:"mode"`
	Input        string        `json:"input"`
	History      []llm.Message `json:"history"`
	Drafts       []string      `json:"drafts"`
	Improvements []string      `json:"improvements"`
	PendingFixes []string      `json:"pending_fixes"`
	Confidence   float64       `json:"confidence"`
	Iterations   int           `json:"iterations"`
	Sender       string        `json:"sender"`
}

func (s *Session) observe() observation {
	return observation{iterations: s.Iterations, confidence: s.Confidence}
}

// latest is the newest draft, or the input before any draft exists.
func (s *Session) latest() string {
	if n := len(s.Drafts); n > 0 {
		return s.Drafts[n-1]
	}
	return s.Input
}

func (s *Session) addDraft(d string) {
	s.Drafts = append(s.Drafts, d)
	s.History = append(s.History, llm.Message{Role: llm.RoleAssistant, Content: d})
}

// SessionStore persists sessions between nodes. Delete is called on every
// exit path.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Session{}}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = *s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// BusStore writes sessions to prs:{id}:state on the shared store so another
// process can inspect a run in flight.
type BusStore struct {
	bus streambus.Bus
	ttl time.Duration
}

func NewBusStore(bus streambus.Bus, ttl time.Duration) *BusStore {
	return &BusStore{bus: bus, ttl: ttl}
}

func SessionKey(id string) string { return "prs:" + id + ":state" }

func (b *BusStore) Save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return b.bus.Set(ctx, SessionKey(s.ID), string(raw), b.ttl)
}

func (b *BusStore) Delete(ctx context.Context, id string) error {
	return b.bus.Del(ctx, SessionKey(id))
}

func (b *BusStore) Load(ctx context.Context, id string) (*Session, bool, error) {
	raw, ok, err := b.bus.Get(ctx, SessionKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, true, nil
}
