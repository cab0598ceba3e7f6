package execution

import "context"

// Store 抽象执行记录的持久化。Update 以 Version 做比较并交换，
// 成功后 Version 加一；读到的版本已过期时返回 ErrVersionConflict。
type Store interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, e *Execution) error
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)

	SaveDraft(ctx context.Context, d *Draft) error
	GetDraft(ctx context.Context, executionID string) (*Draft, error)

	SaveReconciliation(ctx context.Context, r *Reconciliation) error
	GetReconciliation(ctx context.Context, executionID string) (*Reconciliation, error)

	Close() error
}
