package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"VaultPilot/internal/auth"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码注册表映射状态码，5xx 额外记录日志。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: xerrors.MessageOf(err)}})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// owner 返回已认证的调用方，中间件保证其存在。
func owner(r *http.Request) string {
	return auth.OwnerFromContext(r.Context())
}

// ensureOwner 拒绝访问他人的资源。
func ensureOwner(r *http.Request, resourceOwner string) error {
	if resourceOwner != owner(r) {
		return xerrors.New(xerrors.CodeForbidden, "无权访问该资源")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryList(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
