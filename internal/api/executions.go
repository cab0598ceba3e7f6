package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/strategy"
)

type startExecutionRequest struct {
	StrategyType string         `json:"strategy_type"`
	Input        strategy.Input `json:"input"`
	Address      string         `json:"address"`
}

// handleStartExecution 创建交互式执行。委托签名只由定投调度器使用，不对外开放。
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, r, xerrors.Newf(execution.CodeValidationFailed, "无效的签名地址: %s", req.Address))
		return
	}
	e, err := s.executions.Start(r.Context(), execution.StartRequest{
		Owner:        owner(r),
		StrategyType: req.StrategyType,
		Input:        req.Input,
		Authority: strategy.SigningAuthority{
			Kind:    strategy.AuthorityInteractive,
			Address: common.HexToAddress(req.Address).Hex(),
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) listOptions(r *http.Request) []execution.ListOption {
	opts := []execution.ListOption{
		execution.WithOwner(owner(r)),
		execution.WithLimit(queryInt(r, "limit", 20)),
		execution.WithOffset(queryInt(r, "offset", 0)),
	}
	if statuses := queryList(r, "status"); len(statuses) > 0 {
		converted := make([]execution.Status, 0, len(statuses))
		for _, st := range statuses {
			converted = append(converted, execution.Status(st))
		}
		opts = append(opts, execution.WithStatuses(converted...))
	}
	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		opts = append(opts, execution.WithOrderID(orderID))
	}
	return opts
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	items, err := s.executions.List(r.Context(), s.listOptions(r)...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.executions.Stats(r.Context(), execution.WithOwner(owner(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) loadExecution(r *http.Request) (*execution.Execution, error) {
	e, err := s.executions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := ensureOwner(r, e.Owner); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.loadExecution(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.loadExecution(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cancelled, err := s.executions.Cancel(r.Context(), e.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	current, err := s.executions.Get(r.Context(), e.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "execution": current})
}
