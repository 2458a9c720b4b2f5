package streambus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Bus with Redis Streams ordering semantics. It backs
// tests and single-process runs.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	kv      map[string]memValue
	sets    map[string]map[string]bool
	wake    chan struct{}
	now     func() time.Time
}

type memStream struct {
	entries []Entry
	lastMS  int64
	lastSeq int64
}

type memValue struct {
	val     string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		streams: map[string]*memStream{},
		kv:      map[string]memValue{},
		sets:    map[string]map[string]bool{},
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for key expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

type entryID struct{ ms, seq int64 }

func parseID(id string) (entryID, error) {
	ms, seq, found := strings.Cut(id, "-")
	a, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("bad stream id %q", id)
	}
	var b int64
	if found {
		if b, err = strconv.ParseInt(seq, 10, 64); err != nil {
			return entryID{}, fmt.Errorf("bad stream id %q", id)
		}
	}
	return entryID{a, b}, nil
}

func (a entryID) after(b entryID) bool {
	if a.ms != b.ms {
		return a.ms > b.ms
	}
	return a.seq > b.seq
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) Append(_ context.Context, stream string, values map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired(stream)
	s := m.stream(stream)
	ms := m.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS
		s.lastSeq++
	} else {
		s.lastSeq = 0
	}
	s.lastMS = ms
	id := fmt.Sprintf("%d-%d", ms, s.lastSeq)

	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = fmt.Sprint(v)
	}
	s.entries = append(s.entries, Entry{ID: id, Values: cp})

	close(m.wake)
	m.wake = make(chan struct{})
	return id, nil
}

func (m *Memory) ReadAfter(ctx context.Context, stream, cursor string, block time.Duration) (Entry, bool, error) {
	after, err := parseID(cursor)
	if err != nil {
		return Entry{}, false, err
	}

	var timeout <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}

	for {
		m.mu.Lock()
		wake := m.wake
		if s, ok := m.streams[stream]; ok {
			for _, e := range s.entries {
				id, _ := parseID(e.ID)
				if id.after(after) {
					m.mu.Unlock()
					return e, true, nil
				}
			}
		}
		m.mu.Unlock()

		if block < 0 {
			return Entry{}, false, nil
		}
		select {
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		case <-timeout:
			return Entry{}, false, nil
		case <-wake:
		}
	}
}

func (m *Memory) Delete(_ context.Context, stream string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (m *Memory) Trim(_ context.Context, stream string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok || int64(len(s.entries)) <= maxLen {
		return nil
	}
	s.entries = append([]Entry(nil), s.entries[int64(len(s.entries))-maxLen:]...)
	return nil
}

func (m *Memory) Range(_ context.Context, stream string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok || m.expired(stream) {
		return nil, nil
	}
	return append([]Entry(nil), s.entries...), nil
}

func (m *Memory) Len(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[stream]; ok {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

// expired drops key if its TTL elapsed. Streams and sets share the TTL table
// so that Expire on them behaves as in Redis. Caller holds mu.
func (m *Memory) expired(key string) bool {
	v, ok := m.kv[key]
	if !ok || v.expires.IsZero() || m.now().Before(v.expires) {
		return false
	}
	delete(m.kv, key)
	delete(m.streams, key)
	delete(m.sets, key)
	return true
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expired(key) {
		return "", false, nil
	}
	v, ok := m.kv[key]
	if !ok || m.isTTLSlot(key) {
		return "", false, nil
	}
	return v.val, true, nil
}

// isTTLSlot reports a kv slot that only carries a stream's or set's expiry.
func (m *Memory) isTTLSlot(key string) bool {
	_, isStream := m.streams[key]
	_, isSet := m.sets[key]
	return isStream || isSet
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memValue{val: value, expires: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired(key)
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.kv[key] = memValue{val: value, expires: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.kv, k)
		delete(m.streams, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.kv[key]
	if !ok && !m.isTTLSlot(key) {
		return nil
	}
	v.expires = m.deadline(ttl)
	m.kv[key] = v
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired(key)
	v := m.kv[key]
	var n int64
	if v.val != "" {
		var err error
		if n, err = strconv.ParseInt(v.val, 10, 64); err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
	}
	n++
	v.val = strconv.FormatInt(n, 10)
	m.kv[key] = v
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired(key)
	set, ok := m.sets[key]
	if !ok {
		set = map[string]bool{}
		m.sets[key] = set
	}
	if set[member] {
		return false, nil
	}
	set[member] = true
	return true, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired(key)
	return int64(len(m.sets[key])), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Streams lists stream names, for tests and diagnostics.
func (m *Memory) Streams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.streams))
	for k := range m.streams {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
