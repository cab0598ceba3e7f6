package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
)

// Decimal 从输入中读取金额，兼容数字与字符串。
func (in Input) Decimal(key string) (decimal.Decimal, error) {
	raw, ok := in[key]
	if !ok || raw == nil {
		return decimal.Zero, xerrors.Newf(CodeInvalidInput, "缺少参数 %s", key)
	}
	var (
		value decimal.Decimal
		err   error
	)
	switch v := raw.(type) {
	case decimal.Decimal:
		value = v
	case string:
		value, err = decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		value = decimal.NewFromFloat(v)
	case float32:
		value = decimal.NewFromFloat32(v)
	case int:
		value = decimal.NewFromInt(int64(v))
	case int64:
		value = decimal.NewFromInt(v)
	case fmt.Stringer:
		value, err = decimal.NewFromString(v.String())
	default:
		err = fmt.Errorf("类型 %T 无法解析为金额", raw)
	}
	if err != nil {
		return decimal.Zero, xerrors.Wrap(CodeInvalidInput, err, fmt.Sprintf("参数 %s 不是合法金额", key))
	}
	return value, nil
}

// String 从输入中读取字符串参数。
func (in Input) String(key string) (string, error) {
	raw, ok := in[key]
	if !ok {
		return "", xerrors.Newf(CodeInvalidInput, "缺少参数 %s", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", xerrors.Newf(CodeInvalidInput, "参数 %s 必须是非空字符串", key)
	}
	return strings.TrimSpace(s), nil
}

// OptionalString 读取可选字符串参数。
func (in Input) OptionalString(key string) string {
	if s, ok := in[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Clone 返回输入的浅拷贝。
func (in Input) Clone() Input {
	if in == nil {
		return nil
	}
	out := make(Input, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
