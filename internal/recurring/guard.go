package recurring

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/wallet"
)

// VerifyDelegation 实现 wallet.DelegationGuard，委托 ID 即订单 ID。
// 在签名前再次确认委托未被撤销且未过期，额度已在认领时扣减检查。
func (s *Scheduler) VerifyDelegation(ctx context.Context, delegationID string) error {
	o, err := s.store.Get(ctx, delegationID)
	if err != nil {
		if xerrors.HasCode(err, CodeOrderNotFound) {
			return xerrors.Newf(wallet.CodeDelegationInvalid, "委托 %s 不存在", delegationID)
		}
		return err
	}
	if o.DelegationRevoked {
		return xerrors.Newf(wallet.CodeDelegationInvalid, "委托 %s 已撤销", delegationID)
	}
	if o.DelegationExpiresAt != nil && !s.now().Before(*o.DelegationExpiresAt) {
		return xerrors.Newf(wallet.CodeDelegationInvalid, "委托 %s 已过期", delegationID)
	}
	return nil
}

// acquireLeadership 获取调度器文件锁，同一数据目录下只允许一个进程调度。
func (s *Scheduler) acquireLeadership(ctx context.Context) (func(), error) {
	if s.lockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建调度器锁目录失败")
	}
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取调度器锁失败")
	}
	if !locked {
		s.log.Info("调度器锁被其他进程持有，等待接管", slog.String("lock_file", s.lockPath))
		locked, err = lock.TryLockContext(ctx, time.Second)
		if err != nil || !locked {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "等待调度器锁被取消")
		}
	}
	s.log.Info("已获得调度器锁", slog.String("lock_file", s.lockPath))
	return func() {
		if err := lock.Unlock(); err != nil {
			s.log.Warn("释放调度器锁失败", slog.Any("error", err))
		}
	}, nil
}
