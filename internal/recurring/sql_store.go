package recurring

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/storage/sqldb"
)

// SQLStore 基于 MySQL 或 SQLite 保存订单与周期记录。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 创建 SQL 订单存储。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Create 实现 Store。
func (s *SQLStore) Create(ctx context.Context, o *Order) error {
	if o == nil || o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码订单失败")
	}
	const stmt = `INSERT INTO recurring_orders (id, owner, status, next_execution_at, in_flight, version, created_at, updated_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		o.ID,
		o.Owner,
		string(o.Status),
		nullableMillis(o.NextExecutionAt),
		boolToInt(o.InFlight),
		o.Version,
		o.CreatedAt.UnixMilli(),
		o.UpdatedAt.UnixMilli(),
		string(payload),
	)
	if err != nil {
		if s.db.IsDuplicate(err) {
			return xerrors.Newf(xerrors.CodeConflict, "订单 %s 已存在", o.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订单失败")
	}
	return nil
}

// Get 实现 Store。
func (s *SQLStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, payload FROM recurring_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// Update 以 version 列做比较并交换。
func (s *SQLStore) Update(ctx context.Context, o *Order) error {
	expected := o.Version
	next := o.Clone()
	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码订单失败")
	}
	const stmt = `UPDATE recurring_orders SET status = ?, next_execution_at = ?, in_flight = ?, version = ?, updated_at = ?, payload = ?
        WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(next.Status),
		nullableMillis(next.NextExecutionAt),
		boolToInt(next.InFlight),
		next.Version,
		next.UpdatedAt.UnixMilli(),
		string(payload),
		o.ID,
		expected,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新订单失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, err := s.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	o.Version = next.Version
	return nil
}

// List 实现 Store。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()
	query := `SELECT version, payload FROM recurring_orders`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)
	return s.queryOrders(ctx, query, args...)
}

// Due 实现 Store。
func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	const query = `SELECT version, payload FROM recurring_orders
        WHERE status = ? AND in_flight = 0 AND next_execution_at IS NOT NULL AND next_execution_at <= ?
        ORDER BY next_execution_at ASC, id ASC LIMIT ?`
	return s.queryOrders(ctx, query, string(StatusActive), now.UnixMilli(), limit)
}

// InFlight 实现 Store。认领时间只保存在 payload 中，在内存里过滤。
func (s *SQLStore) InFlight(ctx context.Context, before time.Time) ([]*Order, error) {
	orders, err := s.queryOrders(ctx, `SELECT version, payload FROM recurring_orders WHERE in_flight = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	results := orders[:0]
	for _, o := range orders {
		if o.ClaimedAt != nil && o.ClaimedAt.Before(before) {
			results = append(results, o)
		}
	}
	return results, nil
}

func (s *SQLStore) queryOrders(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	defer rows.Close()

	results := make([]*Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return results, nil
}

// AppendAttempt 实现 Store。
func (s *SQLStore) AppendAttempt(ctx context.Context, a *Attempt) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "周期记录 ID 不能为空")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码周期记录失败")
	}
	const stmt = `INSERT INTO execution_attempts (id, order_id, execution_id, status, executed_at, payload) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, a.ID, a.OrderID, a.ExecutionID, string(a.Status), a.ExecutedAt.UnixMilli(), string(payload))
	if err != nil {
		if s.db.IsDuplicate(err) {
			return xerrors.Newf(xerrors.CodeConflict, "周期记录 %s 已存在", a.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入周期记录失败")
	}
	return nil
}

// ListAttempts 实现 Store。
func (s *SQLStore) ListAttempts(ctx context.Context, orderID string) ([]*Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT payload FROM execution_attempts WHERE order_id = ? ORDER BY executed_at ASC, id ASC`, orderID)
}

// PendingAttempts 实现 Store。
func (s *SQLStore) PendingAttempts(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	return s.queryAttempts(ctx,
		`SELECT payload FROM execution_attempts WHERE status = ? ORDER BY executed_at ASC, id ASC LIMIT ?`,
		string(AttemptPending), limit)
}

func (s *SQLStore) queryAttempts(ctx context.Context, query string, args ...any) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询周期记录失败")
	}
	defer rows.Close()

	results := make([]*Attempt, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取周期记录失败")
		}
		a, err := decodeAttempt(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历周期记录失败")
	}
	return results, nil
}

// GetAttemptByExecution 实现 Store。
func (s *SQLStore) GetAttemptByExecution(ctx context.Context, executionID string) (*Attempt, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM execution_attempts WHERE execution_id = ?`, executionID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询周期记录失败")
	}
	return decodeAttempt(payload)
}

// SettleAttempt 实现 Store。
func (s *SQLStore) SettleAttempt(ctx context.Context, a *Attempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码周期记录失败")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_attempts SET status = ?, payload = ? WHERE id = ? AND status = ?`,
		string(a.Status), string(payload), a.ID, string(AttemptPending))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算周期记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM execution_attempts WHERE id = ?`, a.ID).Scan(&exists)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrAttemptNotFound
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询周期记录失败")
		}
		return ErrAttemptSettled
	}
	return nil
}

// Close 实现 Store。数据库连接由调用方统一关闭。
func (s *SQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		version int64
		payload string
	)
	if err := row.Scan(&version, &payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取订单失败")
	}
	var o Order
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单失败")
	}
	o.Version = version
	return &o, nil
}

func decodeAttempt(payload string) (*Attempt, error) {
	var a Attempt
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析周期记录失败")
	}
	return &a, nil
}

func nullableMillis(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UnixMilli()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
