package handlers

import (
	"net/http"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/internal/store"
)

// IssueHandler serves read access to detected issues.
type IssueHandler struct {
	issues store.IssueRepository
}

// NewIssueHandler creates a new issue handler.
func NewIssueHandler(issues store.IssueRepository) *IssueHandler {
	return &IssueHandler{issues: issues}
}

// IssueListResponse wraps the issue list endpoint response.
type IssueListResponse struct {
	Issues []*store.Issue `json:"issues"`
	Count  int            `json:"count"`
}

// List handles GET /v1/issues?entity_id={id}, returning the entity's open
// issues.
func (h *IssueHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"entity_id query parameter is required")
		return
	}

	issues, err := h.issues.ListOpen(ctx, entityID)
	if err != nil {
		util.Log(ctx).WithError(err).Error("list open issues", "entity_id", entityID)
		writeError(w, http.StatusInternalServerError, "storage_error",
			"Failed to list issues")
		return
	}

	writeJSON(w, http.StatusOK, IssueListResponse{Issues: issues, Count: len(issues)})
}
