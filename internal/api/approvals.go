package api

import (
	"net/http"

	"VaultPilot/internal/approval"
)

type resolveApprovalRequest struct {
	Approved  bool   `json:"approved"`
	Signature string `json:"signature,omitempty"`
}

func (s *Server) loadApproval(r *http.Request) (*approval.Approval, error) {
	a, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := ensureOwner(r, a.Owner); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.loadApproval(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleResolveApproval 只允许执行的所有者做出决定。
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.loadApproval(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resolveApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resolved, err := s.approvals.Resolve(r.Context(), a.ID, req.Approved, req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
