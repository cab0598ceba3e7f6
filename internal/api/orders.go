package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"VaultPilot/internal/recurring"
)

type createOrderRequest struct {
	Address             string              `json:"address"`
	StrategyType        string              `json:"strategy_type,omitempty"`
	SourceAsset         string              `json:"source_asset"`
	DestinationAsset    string              `json:"destination_asset"`
	AmountPerCycle      decimal.Decimal     `json:"amount_per_cycle"`
	Frequency           recurring.Frequency `json:"frequency"`
	StartAt             *time.Time          `json:"start_at,omitempty"`
	EndAt               *time.Time          `json:"end_at,omitempty"`
	DelegationAmount    *decimal.Decimal    `json:"delegation_amount,omitempty"`
	DelegationExpiresAt *time.Time          `json:"delegation_expires_at,omitempty"`
	Params              map[string]any      `json:"params,omitempty"`
}

type updateDelegationRequest struct {
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	create := recurring.CreateOrderRequest{
		Owner:               owner(r),
		Address:             req.Address,
		StrategyType:        req.StrategyType,
		SourceAsset:         req.SourceAsset,
		DestinationAsset:    req.DestinationAsset,
		AmountPerCycle:      req.AmountPerCycle,
		Frequency:           req.Frequency,
		EndAt:               req.EndAt,
		DelegationAmount:    req.DelegationAmount,
		DelegationExpiresAt: req.DelegationExpiresAt,
		Params:              req.Params,
	}
	if req.StartAt != nil {
		create.StartAt = *req.StartAt
	}
	o, err := s.orders.CreateOrder(r.Context(), create)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	opts := []recurring.ListOption{
		recurring.WithOwner(owner(r)),
		recurring.WithLimit(queryInt(r, "limit", 20)),
		recurring.WithOffset(queryInt(r, "offset", 0)),
	}
	if statuses := queryList(r, "status"); len(statuses) > 0 {
		converted := make([]recurring.Status, 0, len(statuses))
		for _, st := range statuses {
			converted = append(converted, recurring.Status(st))
		}
		opts = append(opts, recurring.WithStatuses(converted...))
	}
	items, err := s.orders.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) loadOrder(r *http.Request) (*recurring.Order, error) {
	o, err := s.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := ensureOwner(r, o.Owner); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.loadOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderAttempts(w http.ResponseWriter, r *http.Request) {
	o, err := s.loadOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := s.orders.Attempts(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": attempts})
}

func (s *Server) pauseOrder(ctx context.Context, id string) (*recurring.Order, error) {
	return s.orders.Pause(ctx, id)
}

func (s *Server) resumeOrder(ctx context.Context, id string) (*recurring.Order, error) {
	return s.orders.Resume(ctx, id)
}

func (s *Server) revokeOrder(ctx context.Context, id string) (*recurring.Order, error) {
	return s.orders.RevokeDelegation(ctx, id)
}

// orderAction 在所有权校验后执行状态变更并返回最新订单。
func (s *Server) orderAction(action func(ctx context.Context, id string) (*recurring.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := s.loadOrder(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		updated, err := action(r.Context(), o.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleTriggerOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.loadOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempt, err := s.orders.Trigger(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleUpdateDelegation(w http.ResponseWriter, r *http.Request) {
	o, err := s.loadOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateDelegationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.orders.UpdateDelegation(r.Context(), o.ID, recurring.UpdateDelegationRequest{
		Amount:    req.Amount,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
