package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"VaultPilot/internal/approval"
	"VaultPilot/internal/auth"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/recurring"
	"VaultPilot/pkg/logger"
)

// Executions 是 API 使用的执行能力，由 execution.Coordinator 实现。
type Executions interface {
	Start(ctx context.Context, req execution.StartRequest) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, opts ...execution.ListOption) ([]*execution.Execution, error)
	Stats(ctx context.Context, opts ...execution.ListOption) (execution.Stats, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Approvals 是 API 使用的审批能力，由 approval.Registry 实现。
type Approvals interface {
	Get(ctx context.Context, id string) (*approval.Approval, error)
	Resolve(ctx context.Context, id string, approved bool, signature string) (*approval.Approval, error)
}

// Orders 是 API 使用的定投能力，由 recurring.Scheduler 实现。
type Orders interface {
	CreateOrder(ctx context.Context, req recurring.CreateOrderRequest) (*recurring.Order, error)
	Get(ctx context.Context, id string) (*recurring.Order, error)
	List(ctx context.Context, opts ...recurring.ListOption) ([]*recurring.Order, error)
	Attempts(ctx context.Context, id string) ([]*recurring.Attempt, error)
	Pause(ctx context.Context, id string) (*recurring.Order, error)
	Resume(ctx context.Context, id string) (*recurring.Order, error)
	Trigger(ctx context.Context, id string) (*recurring.Attempt, error)
	RevokeDelegation(ctx context.Context, id string) (*recurring.Order, error)
	UpdateDelegation(ctx context.Context, id string, req recurring.UpdateDelegationRequest) (*recurring.Order, error)
}

// Options 描述 API 服务的依赖。
type Options struct {
	Address         string
	ShutdownTimeout time.Duration
	Auth            *auth.Service
	Executions      Executions
	Approvals       Approvals
	Orders          Orders
	ExposeMetrics   bool
}

// Server 负责暴露 REST 接口，所有资源按调用方所有者隔离。
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	auth            *auth.Service
	executions      Executions
	approvals       Approvals
	orders          Orders
	exposeMetrics   bool
	log             *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Server{
		addr:            opts.Address,
		shutdownTimeout: timeout,
		auth:            opts.Auth,
		executions:      opts.Executions,
		approvals:       opts.Approvals,
		orders:          opts.Orders,
		exposeMetrics:   opts.ExposeMetrics,
		log:             logger.Named("api"),
	}
}

// Handler 返回完整的路由，认证中间件包裹除健康检查与指标外的所有路径。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(name, h))
	}

	route("POST /api/v1/executions", "executions", s.handleStartExecution)
	route("GET /api/v1/executions", "executions", s.handleListExecutions)
	route("GET /api/v1/executions/stats", "execution_stats", s.handleExecutionStats)
	route("GET /api/v1/executions/{id}", "execution", s.handleGetExecution)
	route("POST /api/v1/executions/{id}/cancel", "execution_cancel", s.handleCancelExecution)

	route("GET /api/v1/approvals/{id}", "approval", s.handleGetApproval)
	route("POST /api/v1/approvals/{id}/resolve", "approval_resolve", s.handleResolveApproval)

	route("POST /api/v1/orders", "orders", s.handleCreateOrder)
	route("GET /api/v1/orders", "orders", s.handleListOrders)
	route("GET /api/v1/orders/{id}", "order", s.handleGetOrder)
	route("GET /api/v1/orders/{id}/attempts", "order_attempts", s.handleOrderAttempts)
	route("POST /api/v1/orders/{id}/pause", "order_pause", s.orderAction(s.pauseOrder))
	route("POST /api/v1/orders/{id}/resume", "order_resume", s.orderAction(s.resumeOrder))
	route("POST /api/v1/orders/{id}/revoke", "order_revoke", s.orderAction(s.revokeOrder))
	route("POST /api/v1/orders/{id}/trigger", "order_trigger", s.handleTriggerOrder)
	route("PUT /api/v1/orders/{id}/delegation", "order_delegation", s.handleUpdateDelegation)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.exposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return s.auth.Middleware(auth.MiddlewareConfig{PublicPaths: []string{"/healthz", "/metrics"}})(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
