package console

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/approval"
	"github.com/Mindburn-Labs/permengine/pkg/auth"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

type signOffRequest struct {
	Comment string `json:"comment,omitempty"`
}

type signOffFunc func(ctx context.Context, chainID string, role contracts.ApproverRole, approverID, comment string) (*contracts.ApprovalChain, error)

// handleOpenProvisioning opens an approval chain. The caller is recorded
// as the requester whatever the body says.
func (s *Server) handleOpenProvisioning(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		api.WriteUnavailable(w, "approval workflow is not enabled")
		return
	}
	caller, err := auth.GetCaller(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}
	var req contracts.ProvisioningRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	req.RequestedBy = caller.ID

	chain, err := s.cfg.Tracker.Open(r.Context(), req)
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	s.cfg.Metrics.ObserveApproval("open", chain.Status)
	w.Header().Set("Location", "/v1/approvals/"+chain.ID)
	api.WriteJSON(w, http.StatusCreated, chain)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		api.WriteUnavailable(w, "approval workflow is not enabled")
		return
	}
	chain, err := s.cfg.Tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, chain)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		api.WriteUnavailable(w, "approval workflow is not enabled")
		return
	}
	s.signOff(w, r, "approve", s.cfg.Tracker.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		api.WriteUnavailable(w, "approval workflow is not enabled")
		return
	}
	s.signOff(w, r, "reject", s.cfg.Tracker.Reject)
}

// signOff acts for the approver role carried by the caller's token.
func (s *Server) signOff(w http.ResponseWriter, r *http.Request, op string, fn signOffFunc) {
	caller, err := auth.GetCaller(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}
	if caller.Role == "" {
		api.WriteForbidden(w, "token carries no approver role")
		return
	}
	var body signOffRequest
	if r.ContentLength != 0 && !api.DecodeJSON(w, r, &body) {
		return
	}

	chain, err := fn(r.Context(), chi.URLParam(r, "id"), caller.Role, caller.ID, body.Comment)
	if chain != nil {
		s.cfg.Metrics.ObserveApproval(op, chain.Status)
	}
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, chain)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		api.WriteUnavailable(w, "approval workflow is not enabled")
		return
	}
	caller, err := auth.GetCaller(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}
	chain, err := s.cfg.Tracker.Withdraw(r.Context(), chi.URLParam(r, "id"), caller.ID)
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	s.cfg.Metrics.ObserveApproval("withdraw", chain.Status)
	api.WriteJSON(w, http.StatusOK, chain)
}

// writeApprovalError maps tracker errors onto problem responses.
func (s *Server) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "approval chain not found")
	case errors.Is(err, approval.ErrInvalidRequest):
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, approval.ErrRoleNotRequired),
		errors.Is(err, approval.ErrSelfApproval),
		errors.Is(err, approval.ErrApproverReused),
		errors.Is(err, approval.ErrNotRequester):
		api.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, contracts.ErrApprovalConflict):
		api.WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "approval operation failed", "path", r.URL.Path, "error", err)
		api.WriteInternal(w, err)
	}
}
