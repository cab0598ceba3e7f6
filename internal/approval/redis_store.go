package approval

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "VaultPilot/internal/errors"
)

// insertScript 原子地创建审批及其待过期索引。
// KEYS[1] = 审批 hash，KEYS[2] = 待过期 zset
// ARGV[1] = 审批 JSON，ARGV[2] = 过期毫秒时间，ARGV[3] = 保留截止毫秒时间，ARGV[4] = 审批 ID
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return "EXISTS"
end
redis.call("HSET", KEYS[1], "payload", ARGV[1], "resolved", "0", "consumed", "0", "swept", "0", "expires_at", ARGV[2])
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[4])
return "OK"
`)

// resolveScript 原子地写入答复。
// KEYS[1] = 审批 hash，KEYS[2] = 待过期 zset
// ARGV[1] = 当前毫秒时间，ARGV[2] = 答复 JSON，ARGV[3] = 审批 ID，ARGV[4] = 是否通过
var resolveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return "NOT_FOUND"
end
local state = redis.call("HMGET", KEYS[1], "resolved", "swept", "expires_at")
if state[1] == "1" then
    return "ALREADY_RESOLVED"
end
if state[2] == "1" or tonumber(state[3]) < tonumber(ARGV[1]) then
    return "EXPIRED"
end
redis.call("HSET", KEYS[1], "resolved", "1", "approved", ARGV[4], "response", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
return "OK"
`)

// consumeScript 把已通过的审批标记为已消费。
// KEYS[1] = 审批 hash；ARGV[1] = 当前时间 RFC3339Nano
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return "NOT_FOUND"
end
local state = redis.call("HMGET", KEYS[1], "resolved", "approved", "consumed")
if state[1] ~= "1" or state[2] ~= "1" then
    return "NOT_GRANTED"
end
if state[3] == "1" then
    return "ALREADY_CONSUMED"
end
redis.call("HSET", KEYS[1], "consumed", "1", "consumed_at", ARGV[1])
return "OK"
`)

// sweepScript 认领到期未答复的审批。
// KEYS[1] = 待过期 zset；ARGV[1] = 当前毫秒时间，ARGV[2] = 上限，ARGV[3] = hash key 前缀
var sweepScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    local key = ARGV[3] .. id
    if redis.call("HGET", key, "resolved") ~= "1" then
        redis.call("HSET", key, "swept", "1")
        table.insert(claimed, id)
    end
end
return claimed
`)

// RedisStore 使用 Redis hash 与 Lua 脚本实现跨进程的审批存储。
type RedisStore struct {
	client    *redis.Client
	prefix    string
	pending   string
	retention time.Duration
}

// NewRedisStore 创建 Redis 审批存储。prefix 为空时使用 vaultpilot:approvals。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "vaultpilot:approvals"
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix + ":",
		pending:   prefix + ":pending",
		retention: 7 * 24 * time.Hour,
	}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Insert 实现 Store。
func (s *RedisStore) Insert(ctx context.Context, a *Approval) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批失败")
	}
	expires := strconv.FormatInt(a.ExpiresAt.UnixMilli(), 10)
	retainUntil := a.ExpiresAt.Add(s.retention).UnixMilli()
	result, err := insertScript.Run(ctx, s.client, []string{s.key(a.ID), s.pending},
		string(payload), expires, retainUntil, a.ID).Text()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审批失败")
	}
	if result == "EXISTS" {
		return xerrors.Newf(xerrors.CodeConflict, "审批 %s 已存在", a.ID)
	}
	return nil
}

// Get 实现 Store。
func (s *RedisStore) Get(ctx context.Context, id string) (*Approval, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批失败")
	}
	raw, ok := fields["payload"]
	if !ok {
		return nil, ErrNotFound
	}
	a, err := decodeApproval(raw)
	if err != nil {
		return nil, err
	}
	a.Resolved = fields["resolved"] == "1"
	a.Consumed = fields["consumed"] == "1"
	if resp := fields["response"]; resp != "" {
		var r Response
		if err := json.Unmarshal([]byte(resp), &r); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批答复失败")
		}
		a.Response = &r
	}
	if ts := fields["consumed_at"]; ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			a.ConsumedAt = &parsed
		}
	}
	return a, nil
}

// Resolve 实现 Store。
func (s *RedisStore) Resolve(ctx context.Context, id string, resp Response, now time.Time) (*Approval, error) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批答复失败")
	}
	approved := "0"
	if resp.Approved {
		approved = "1"
	}
	result, err := resolveScript.Run(ctx, s.client, []string{s.key(id), s.pending}, now.UnixMilli(), string(encoded), id, approved).Text()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行审批脚本失败")
	}
	if err := scriptError(result); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Consume 实现 Store。
func (s *RedisStore) Consume(ctx context.Context, id string, now time.Time) (*Approval, error) {
	result, err := consumeScript.Run(ctx, s.client, []string{s.key(id)}, now.UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行消费脚本失败")
	}
	if result == "NOT_GRANTED" {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.StatusAt(now) == StatusExpired {
			return nil, ErrExpired
		}
		return nil, ErrNotGranted
	}
	if err := scriptError(result); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ClaimExpired 实现 Store。
func (s *RedisStore) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := sweepScript.Run(ctx, s.client, []string{s.pending}, now.UnixMilli(), limit, s.prefix).StringSlice()
	if err != nil && !stdErrors.Is(err, redis.Nil) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行过期清扫脚本失败")
	}
	out := make([]*Approval, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func scriptError(result string) error {
	switch result {
	case "OK":
		return nil
	case "NOT_FOUND":
		return ErrNotFound
	case "ALREADY_RESOLVED":
		return ErrAlreadyResolved
	case "EXPIRED":
		return ErrExpired
	case "ALREADY_CONSUMED":
		return ErrAlreadyConsumed
	case "NOT_GRANTED":
		return ErrNotGranted
	default:
		return xerrors.Newf(xerrors.CodeStorageFailure, "未知的脚本返回值: %s", result)
	}
}
