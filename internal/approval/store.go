package approval

import (
	"context"
	"time"
)

// Store 抽象审批的持久化。Resolve 与 Consume 必须对单个审批 ID 原子地比较并设置。
type Store interface {
	Insert(ctx context.Context, a *Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	// Resolve 仅在审批未答复、未过期时写入答复。
	Resolve(ctx context.Context, id string, resp Response, now time.Time) (*Approval, error)
	// Consume 把已通过的审批标记为已用于签名，只能成功一次。
	Consume(ctx context.Context, id string, now time.Time) (*Approval, error)
	// ClaimExpired 返回已过期且未答复的审批，每条只会被返回一次。
	ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*Approval, error)
	Close() error
}

// classifyResolve 在比较并设置失败后根据最新记录给出具体原因。
// 未答复却写入失败只可能是已过期并被清扫。
func classifyResolve(a *Approval) error {
	if a.Resolved {
		return ErrAlreadyResolved
	}
	return ErrExpired
}

func classifyConsume(a *Approval, now time.Time) error {
	switch a.StatusAt(now) {
	case StatusExpired:
		return ErrExpired
	case StatusApproved:
		if a.Consumed {
			return ErrAlreadyConsumed
		}
		return nil
	default:
		return ErrNotGranted
	}
}
