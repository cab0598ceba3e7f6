package recurring

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "VaultPilot/internal/errors"
)

// MemoryStore 以内存方式保存订单与周期记录。
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	attempts map[string]*Attempt
	sequence []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		attempts: make(map[string]*Attempt),
	}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	if o == nil || o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return xerrors.Newf(xerrors.CodeConflict, "订单 %s 已存在", o.ID)
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// Update 实现 Store。
func (m *MemoryStore) Update(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.Version != o.Version {
		return ErrVersionConflict
	}
	o.Version++
	m.orders[o.ID] = o.Clone()
	return nil
}

// List 实现 Store，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()
	m.mu.RLock()
	results := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if opts.matches(o) {
			results = append(results, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if opts.Offset >= len(results) {
		return []*Order{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[opts.Offset:end], nil
}

// Due 实现 Store。
func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	results := make([]*Order, 0)
	for _, o := range m.orders {
		if o.Due(now) {
			results = append(results, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].NextExecutionAt.Equal(*results[j].NextExecutionAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].NextExecutionAt.Before(*results[j].NextExecutionAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// InFlight 实现 Store。
func (m *MemoryStore) InFlight(_ context.Context, before time.Time) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Order, 0)
	for _, o := range m.orders {
		if o.InFlight && o.ClaimedAt != nil && o.ClaimedAt.Before(before) {
			results = append(results, o.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// AppendAttempt 实现 Store。
func (m *MemoryStore) AppendAttempt(_ context.Context, a *Attempt) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "周期记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; ok {
		return xerrors.Newf(xerrors.CodeConflict, "周期记录 %s 已存在", a.ID)
	}
	copied := *a
	m.attempts[a.ID] = &copied
	m.sequence = append(m.sequence, a.ID)
	return nil
}

// ListAttempts 实现 Store，按执行时间升序。
func (m *MemoryStore) ListAttempts(_ context.Context, orderID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Attempt, 0)
	for _, id := range m.sequence {
		a := m.attempts[id]
		if a.OrderID != orderID {
			continue
		}
		copied := *a
		results = append(results, &copied)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].ExecutedAt.Before(results[j].ExecutedAt) })
	return results, nil
}

// GetAttemptByExecution 实现 Store。
func (m *MemoryStore) GetAttemptByExecution(_ context.Context, executionID string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attempts {
		if a.ExecutionID == executionID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, ErrAttemptNotFound
}

// PendingAttempts 实现 Store。
func (m *MemoryStore) PendingAttempts(_ context.Context, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	results := make([]*Attempt, 0)
	for _, id := range m.sequence {
		if a := m.attempts[id]; a.Status == AttemptPending {
			copied := *a
			results = append(results, &copied)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].ExecutedAt.Before(results[j].ExecutedAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SettleAttempt 实现 Store。
func (m *MemoryStore) SettleAttempt(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.attempts[a.ID]
	if !ok {
		return ErrAttemptNotFound
	}
	if current.Status != AttemptPending {
		return ErrAttemptSettled
	}
	copied := *a
	m.attempts[a.ID] = &copied
	return nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
