// Package handlers implements the gateway's HTTP API: reviewers list open
// issues and queued fixes, and approve or reject what the worker was not
// confident enough to deploy on its own.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/optiview/remedy/apps/gateway/config"
	"github.com/optiview/remedy/apps/gateway/middleware"
	"github.com/optiview/remedy/internal/events"
	"github.com/optiview/remedy/internal/store"
)

// QueuePublisher defines the interface for publishing messages to a queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, payload any, headers ...map[string]string) error
}

// IdentityFn resolves the authenticated reviewer from the request context.
type IdentityFn func(ctx context.Context) string

// ReviewerFromClaims resolves the reviewer from the authenticated subject.
func ReviewerFromClaims(ctx context.Context) string {
	claims := middleware.GetUserFromContext(ctx)
	if claims == nil {
		return ""
	}
	subject, _ := claims.GetSubject()
	return subject
}

// ApprovalHandler serves the approval queue endpoints.
type ApprovalHandler struct {
	cfg       *appconfig.GatewayConfig
	approvals store.ApprovalRepository
	fixes     store.FixRepository
	publisher QueuePublisher
	identity  IdentityFn
}

// NewApprovalHandler creates a new approval handler.
func NewApprovalHandler(
	cfg *appconfig.GatewayConfig,
	approvals store.ApprovalRepository,
	fixes store.FixRepository,
	publisher QueuePublisher,
	identity IdentityFn,
) *ApprovalHandler {
	return &ApprovalHandler{
		cfg:       cfg,
		approvals: approvals,
		fixes:     fixes,
		publisher: publisher,
		identity:  identity,
	}
}

// ApprovalView is an approval with its fix inlined for reviewers.
type ApprovalView struct {
	*store.Approval
	Fix *store.Fix `json:"fix,omitempty"`
}

// ListResponse wraps the approval list endpoint response.
type ListResponse struct {
	Approvals []*ApprovalView `json:"approvals"`
	Count     int             `json:"count"`
}

// DecisionResponse is returned after an approve or reject call.
type DecisionResponse struct {
	Approval *store.Approval `json:"approval"`

	// AlreadyDecided is true when an earlier decision stands and this
	// request changed nothing.
	AlreadyDecided bool `json:"already_decided"`
}

// List handles GET /v1/approvals. The status filter defaults to pending.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := store.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ApprovalStatusPending
	}
	switch status {
	case store.ApprovalStatusPending, store.ApprovalStatusApproved, store.ApprovalStatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "invalid_status",
			"status must be pending, approved or rejected")
		return
	}

	approvals, err := h.approvals.ListByStatus(ctx, status)
	if err != nil {
		util.Log(ctx).WithError(err).Error("list approvals", "status", status)
		writeError(w, http.StatusInternalServerError, "storage_error",
			"Failed to list approvals")
		return
	}

	views := make([]*ApprovalView, 0, len(approvals))
	for _, a := range approvals {
		view := &ApprovalView{Approval: a}
		if fix, fixErr := h.fixes.GetByID(ctx, a.FixID); fixErr == nil {
			view.Fix = fix
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, ListResponse{Approvals: views, Count: len(views)})
}

// Approve handles POST /v1/approvals/{id}/approve.
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, store.ApprovalStatusApproved, events.DecisionApproved)
}

// Reject handles POST /v1/approvals/{id}/reject.
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, store.ApprovalStatusRejected, events.DecisionRejected)
}

// decide applies the terminal transition and, when this request won the
// race, publishes the decision to the worker queue. Repeat calls are
// idempotent: the stored decision is returned unchanged.
func (h *ApprovalHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	status store.ApprovalStatus,
	decision events.Decision,
) {
	ctx := r.Context()
	log := util.Log(ctx)

	id := approvalID(r.URL.Path)
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing approval id")
		return
	}

	decidedBy := h.identity(ctx)
	if decidedBy == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Reviewer identity required")
		return
	}

	approval, decided, err := h.approvals.Decide(ctx, id, status, decidedBy)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Approval not found")
			return
		}
		log.WithError(err).Error("decide approval", "approval_id", id)
		writeError(w, http.StatusInternalServerError, "storage_error",
			"Failed to record decision")
		return
	}

	if !decided {
		writeJSON(w, http.StatusOK, DecisionResponse{Approval: approval, AlreadyDecided: true})
		return
	}

	msg := events.ApprovalDecisionMessage{
		ApprovalID: approval.ID,
		FixID:      approval.FixID,
		IssueID:    approval.IssueID,
		EntityID:   approval.EntityID,
		Decision:   decision,
		DecidedBy:  decidedBy,
		DecidedAt:  time.Now(),
	}
	if publishErr := h.publisher.Publish(ctx, h.cfg.QueueApprovalDecisionName, msg); publishErr != nil {
		// The decision is durable; the worker reconciles from the record
		// if the message is lost.
		log.WithError(publishErr).Error("publish approval decision",
			"approval_id", approval.ID,
		)
	}

	log.Info("approval decided",
		"approval_id", approval.ID,
		"entity_id", approval.EntityID,
		"decision", decision,
		"decided_by", decidedBy,
	)

	writeJSON(w, http.StatusOK, DecisionResponse{Approval: approval})
}

// approvalID extracts the id segment from /v1/approvals/{id}/approve or
// /v1/approvals/{id}/reject.
func approvalID(path string) string {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}
