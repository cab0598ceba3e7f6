package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	loggerpkg "VaultPilot/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// PublicPaths 列出无需认证的路径，如健康检查与指标。
	PublicPaths []string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，认证失败时直接拒绝请求。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[strings.TrimSpace(p)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			logger := loggerpkg.Audit()
			if s != nil && s.audit != nil {
				logger = s.audit
			}
			subject, err := s.AuthenticateRequest(r.Context(), r)
			if err != nil {
				status := http.StatusUnauthorized
				w.Header().Set("WWW-Authenticate", `Bearer realm="vaultpilot"`)
				writeError(w, status, "UNAUTHENTICATED", authMessage(err))
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"owner", subject.Owner,
			)
		})
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing bearer token"
	case errors.Is(err, ErrMissingOwner):
		return "missing owner identity"
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	default:
		return "invalid token"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
