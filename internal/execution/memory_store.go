package execution

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	xerrors "VaultPilot/internal/errors"
)

// MemoryStore 以内存方式保存执行状态，是默认存储，也用于测试。
type MemoryStore struct {
	mu              sync.RWMutex
	executions      map[string]*Execution
	drafts          map[string][]byte
	reconciliations map[string]*Reconciliation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:      make(map[string]*Execution),
		drafts:          make(map[string][]byte),
		reconciliations: make(map[string]*Reconciliation),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, e *Execution) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return xerrors.Newf(xerrors.CodeConflict, "执行 %s 已存在", e.ID)
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

// Get 返回执行快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Update 在版本一致时覆盖记录。
func (m *MemoryStore) Update(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	m.executions[e.ID] = e.Clone()
	return nil
}

// List 返回满足过滤条件的执行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()
	m.mu.RLock()
	results := make([]*Execution, 0, len(m.executions))
	for _, e := range m.executions {
		if opts.matches(e) {
			results = append(results, e.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	if opts.Offset >= len(results) {
		return []*Execution{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计满足过滤条件的执行，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, e := range m.executions {
		if opts.matches(e) {
			stats.add(e.Status, e.UpdatedAt.UnixMilli())
		}
	}
	return stats, nil
}

// SaveDraft 覆盖保存执行的中间产物。
func (m *MemoryStore) SaveDraft(_ context.Context, d *Draft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行草稿失败")
	}
	m.mu.Lock()
	m.drafts[d.ExecutionID] = payload
	m.mu.Unlock()
	return nil
}

// GetDraft 返回执行的中间产物。
func (m *MemoryStore) GetDraft(_ context.Context, executionID string) (*Draft, error) {
	m.mu.RLock()
	payload, ok := m.drafts[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrDraftNotFound
	}
	var d Draft
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行草稿失败")
	}
	return &d, nil
}

// SaveReconciliation 覆盖保存对账记录。
func (m *MemoryStore) SaveReconciliation(_ context.Context, r *Reconciliation) error {
	clone := *r
	m.mu.Lock()
	m.reconciliations[r.ExecutionID] = &clone
	m.mu.Unlock()
	return nil
}

// GetReconciliation 返回对账记录。
func (m *MemoryStore) GetReconciliation(_ context.Context, executionID string) (*Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reconciliations[executionID]
	if !ok {
		return nil, ErrReconciliationNotFound
	}
	clone := *r
	return &clone, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
