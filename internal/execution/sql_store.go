package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/storage/sqldb"
)

// SQLStore 把执行保存在 MySQL 或 SQLite 中。可过滤的字段单独成列，完整记录保存为 JSON。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 创建 SQL 执行存储。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Create 实现 Store。
func (s *SQLStore) Create(ctx context.Context, e *Execution) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行记录失败")
	}
	const stmt = `INSERT INTO executions (id, owner, strategy, status, order_id, error_code, version, created_at, updated_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		e.ID,
		e.Owner,
		e.StrategyType,
		string(e.Status),
		e.OrderID,
		string(e.ErrorCode()),
		e.Version,
		e.CreatedAt.UnixMilli(),
		e.UpdatedAt.UnixMilli(),
		string(payload),
	)
	if err != nil {
		if s.db.IsDuplicate(err) {
			return xerrors.Newf(xerrors.CodeConflict, "执行 %s 已存在", e.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// Get 实现 Store。
func (s *SQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version, payload FROM executions WHERE id = ?`, id).Scan(&version, &payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	e, err := decodeExecution(payload)
	if err != nil {
		return nil, err
	}
	e.Version = version
	return e, nil
}

// Update 以 version 列做比较并交换。
func (s *SQLStore) Update(ctx context.Context, e *Execution) error {
	expected := e.Version
	next := e.Clone()
	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行记录失败")
	}
	const stmt = `UPDATE executions SET status = ?, error_code = ?, version = ?, updated_at = ?, payload = ?
        WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(next.Status),
		string(next.ErrorCode()),
		next.Version,
		next.UpdatedAt.UnixMilli(),
		string(payload),
		e.ID,
		expected,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, err := s.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	e.Version = next.Version
	return nil
}

// List 实现 Store。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()

	query := `SELECT version, payload FROM executions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	executions := make([]*Execution, 0, opts.Limit)
	for rows.Next() {
		var version int64
		var payload string
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		e, err := decodeExecution(payload)
		if err != nil {
			return nil, err
		}
		e.Version = version
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return executions, nil
}

// Stats 返回符合过滤条件的执行聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS awaiting,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM executions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusApprovalRequired),
		string(StatusSuccess),
		string(StatusFailed),
		string(StatusCancelled),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.AwaitingApproval,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行统计失败")
	}
	stats.InFlight = stats.Total - stats.Pending - stats.AwaitingApproval - stats.Succeeded - stats.Failed - stats.Cancelled
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// SaveDraft 实现 Store。
func (s *SQLStore) SaveDraft(ctx context.Context, d *Draft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行草稿失败")
	}
	return s.upsert(ctx, "execution_drafts", []string{"execution_id", "updated_at", "payload"},
		[]any{d.ExecutionID, d.UpdatedAt.UnixMilli(), string(payload)})
}

// GetDraft 实现 Store。
func (s *SQLStore) GetDraft(ctx context.Context, executionID string) (*Draft, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM execution_drafts WHERE execution_id = ?`, executionID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDraftNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行草稿失败")
	}
	var d Draft
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行草稿失败")
	}
	return &d, nil
}

// SaveReconciliation 实现 Store。
func (s *SQLStore) SaveReconciliation(ctx context.Context, r *Reconciliation) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码对账记录失败")
	}
	return s.upsert(ctx, "reconciliations", []string{"execution_id", "outcome", "checked_at", "payload"},
		[]any{r.ExecutionID, string(r.Outcome), r.CheckedAt.UnixMilli(), string(payload)})
}

// GetReconciliation 实现 Store。
func (s *SQLStore) GetReconciliation(ctx context.Context, executionID string) (*Reconciliation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reconciliations WHERE execution_id = ?`, executionID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrReconciliationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对账记录失败")
	}
	var r Reconciliation
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对账记录失败")
	}
	return &r, nil
}

// Close 实现 Store。数据库连接由调用方统一关闭。
func (s *SQLStore) Close() error { return nil }

// upsert 以第一列为主键写入或覆盖一行。
func (s *SQLStore) upsert(ctx context.Context, table string, columns []string, values []any) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	updates := make([]string, 0, len(columns)-1)
	for _, col := range columns[1:] {
		if s.db.Dialect() == sqldb.DialectMySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	var stmt string
	if s.db.Dialect() == sqldb.DialectMySQL {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, strings.Join(columns, ", "), placeholders, strings.Join(updates, ", "))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			table, strings.Join(columns, ", "), placeholders, columns[0], strings.Join(updates, ", "))
	}
	if _, err := s.db.ExecContext(ctx, stmt, values...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", table))
	}
	return nil
}

func decodeExecution(payload string) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
	}
	return &e, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.OrderID != "" {
		conditions = append(conditions, "order_id = ?")
		args = append(args, opts.OrderID)
	}
	if opts.ErrorCode != "" {
		conditions = append(conditions, "error_code = ?")
		args = append(args, string(opts.ErrorCode))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR strategy LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}
