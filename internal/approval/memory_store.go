package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "VaultPilot/internal/errors"
)

type memoryEntry struct {
	mu    sync.Mutex
	a     *Approval
	swept bool
}

// MemoryStore 是默认的进程内审批存储，每个审批拥有独立的互斥锁。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore 创建内存审批存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Insert 实现 Store。
func (s *MemoryStore) Insert(_ context.Context, a *Approval) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[a.ID]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "审批 %s 已存在", a.ID)
	}
	s.entries[a.ID] = &memoryEntry{a: a.Clone()}
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, id string) (*Approval, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a.Clone(), nil
}

// Resolve 实现 Store。
func (s *MemoryStore) Resolve(_ context.Context, id string, resp Response, now time.Time) (*Approval, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Resolved || e.swept || now.After(e.a.ExpiresAt) {
		return nil, classifyResolve(e.a)
	}
	e.a.Resolved = true
	e.a.Response = &resp
	return e.a.Clone(), nil
}

// Consume 实现 Store。
func (s *MemoryStore) Consume(_ context.Context, id string, now time.Time) (*Approval, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := classifyConsume(e.a, now); err != nil {
		return nil, err
	}
	e.a.Consumed = true
	ts := now
	e.a.ConsumedAt = &ts
	return e.a.Clone(), nil
}

// ClaimExpired 实现 Store。
func (s *MemoryStore) ClaimExpired(_ context.Context, now time.Time, limit int) ([]*Approval, error) {
	type candidate struct {
		entry     *memoryEntry
		expiresAt time.Time
	}
	s.mu.RLock()
	candidates := make([]candidate, 0)
	for _, e := range s.entries {
		candidates = append(candidates, candidate{entry: e})
	}
	s.mu.RUnlock()
	for i := range candidates {
		e := candidates[i].entry
		e.mu.Lock()
		candidates[i].expiresAt = e.a.ExpiresAt
		e.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].expiresAt.Before(candidates[j].expiresAt) })

	var out []*Approval
	for _, c := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := c.entry
		e.mu.Lock()
		if !e.a.Resolved && !e.swept && now.After(e.a.ExpiresAt) {
			e.swept = true
			out = append(out, e.a.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
