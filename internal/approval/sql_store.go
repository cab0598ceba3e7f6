package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/storage/sqldb"
)

// SQLStore 把审批保存在关系库中，答复与消费都通过带条件的 UPDATE 完成。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 创建 SQL 审批存储。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Insert 实现 Store。
func (s *SQLStore) Insert(ctx context.Context, a *Approval) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批失败")
	}
	const stmt = `INSERT INTO approvals (id, execution_id, resolved, consumed, swept, created_at, expires_at, payload)
        VALUES (?, ?, 0, 0, 0, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, a.ID, a.ExecutionID, a.CreatedAt.UnixMilli(), a.ExpiresAt.UnixMilli(), string(payload)); err != nil {
		if s.db.IsDuplicate(err) {
			return xerrors.Newf(xerrors.CodeConflict, "审批 %s 已存在", a.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审批失败")
	}
	return nil
}

// Get 实现 Store。
func (s *SQLStore) Get(ctx context.Context, id string) (*Approval, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM approvals WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批失败")
	}
	return decodeApproval(payload)
}

// Resolve 实现 Store。
func (s *SQLStore) Resolve(ctx context.Context, id string, resp Response, now time.Time) (*Approval, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// 答复前除答复字段外记录不可变，因此基于读到的快照生成新 payload 是安全的。
	next := current.Clone()
	next.Resolved = true
	next.Response = &resp
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批失败")
	}
	const stmt = `UPDATE approvals SET resolved = 1, payload = ?
        WHERE id = ? AND resolved = 0 AND swept = 0 AND expires_at >= ?`
	res, err := s.db.ExecContext(ctx, stmt, string(payload), id, now.UnixMilli())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		latest, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, classifyResolve(latest)
	}
	return next, nil
}

// Consume 实现 Store。
func (s *SQLStore) Consume(ctx context.Context, id string, now time.Time) (*Approval, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := classifyConsume(current, now); err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Consumed = true
	ts := now
	next.ConsumedAt = &ts
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批失败")
	}
	const stmt = `UPDATE approvals SET consumed = 1, payload = ? WHERE id = ? AND resolved = 1 AND consumed = 0`
	res, err := s.db.ExecContext(ctx, stmt, string(payload), id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return nil, ErrAlreadyConsumed
	}
	return next, nil
}

// ClaimExpired 实现 Store。
func (s *SQLStore) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM approvals
        WHERE resolved = 0 AND swept = 0 AND expires_at < ?
        ORDER BY expires_at ASC LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期审批失败")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期审批失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期审批失败")
	}
	rows.Close()

	var out []*Approval
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `UPDATE approvals SET swept = 1 WHERE id = ? AND resolved = 0 AND swept = 0`, id)
		if err != nil {
			return out, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记过期审批失败")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		a, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close 由 sqldb.DB 的持有者负责关闭连接。
func (s *SQLStore) Close() error { return nil }

func decodeApproval(payload string) (*Approval, error) {
	var a Approval
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批失败")
	}
	return &a, nil
}
