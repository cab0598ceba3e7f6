package recurring

import (
	"context"
	"strings"
	"time"
)

// Store 抽象定投订单与周期记录的持久化。
// Update 以 Version 做比较并交换，周期认领依赖这一点保证同一时段只被认领一次。
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, opts ListOptions) ([]*Order, error)
	// Due 返回 now 时已到期且未被认领的活跃订单，按到期时间升序。
	Due(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// InFlight 返回认领时间早于 before 的订单。
	InFlight(ctx context.Context, before time.Time) ([]*Order, error)

	// AppendAttempt 追加周期记录，ID 重复时返回 CodeConflict。
	AppendAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, orderID string) ([]*Attempt, error)
	GetAttemptByExecution(ctx context.Context, executionID string) (*Attempt, error)
	// PendingAttempts 返回最早的 limit 条 pending 记录，按执行时间升序。
	PendingAttempts(ctx context.Context, limit int) ([]*Attempt, error)
	// SettleAttempt 仅在记录仍为 pending 时写入结算结果，否则返回 ErrAttemptSettled。
	SettleAttempt(ctx context.Context, a *Attempt) error

	Close() error
}

// ListOptions 控制订单列表查询。
type ListOptions struct {
	Owner    string
	Statuses []Status
	Limit    int
	Offset   int
}

const maxListLimit = 100

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Owner = strings.TrimSpace(opts.Owner)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithOwner 只返回指定所有者的订单。
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) { opts.Owner = owner }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append(opts.Statuses[:0], statuses...) }
}

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts ListOptions) matches(o *Order) bool {
	if opts.Owner != "" && o.Owner != opts.Owner {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if o.Status == status {
			return true
		}
	}
	return false
}
