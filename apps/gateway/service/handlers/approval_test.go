package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/optiview/remedy/apps/gateway/config"
	"github.com/optiview/remedy/apps/gateway/service/handlers"
	"github.com/optiview/remedy/internal/events"
	"github.com/optiview/remedy/internal/store"
)

// mockPublisher is a mock queue publisher for testing.
type mockPublisher struct {
	publishedMessages []any
	queueNames        []string
	shouldFail        bool
}

func (m *mockPublisher) Publish(_ context.Context, queueName string, payload any, _ ...map[string]string) error {
	if m.shouldFail {
		return assert.AnError
	}
	m.queueNames = append(m.queueNames, queueName)
	m.publishedMessages = append(m.publishedMessages, payload)
	return nil
}

func newTestConfig() *appconfig.GatewayConfig {
	return &appconfig.GatewayConfig{
		QueueApprovalDecisionName: "remedy.approval.decisions",
	}
}

func staticReviewer(id string) handlers.IdentityFn {
	return func(_ context.Context) string { return id }
}

func seedApproval(t *testing.T, approvals store.ApprovalRepository, fixes store.FixRepository) *store.Approval {
	t.Helper()
	ctx := context.Background()

	fix := &store.Fix{
		ID:            "fix-1",
		IssueID:       "issue-1",
		EntityID:      "entity-1",
		Domain:        "smith-motors.com",
		ActionType:    store.FixActionContentOptimization,
		Payload:       json.RawMessage(`{"focus_areas":["meta_descriptions"]}`),
		Confidence:    0.75,
		EstimatedGain: 12,
	}
	require.NoError(t, fixes.Create(ctx, fix))

	approval := &store.Approval{
		ID:       "approval-1",
		FixID:    fix.ID,
		IssueID:  fix.IssueID,
		EntityID: fix.EntityID,
		Domain:   fix.Domain,
		Status:   store.ApprovalStatusPending,
		QueuedAt: time.Now(),
	}
	require.NoError(t, approvals.Create(ctx, approval))
	return approval
}

func TestApprovalHandler_ListDefaultsToPending(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("rev-1"))

	seedApproval(t, approvals, fixes)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response handlers.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	require.Equal(t, 1, response.Count)
	assert.Equal(t, "approval-1", response.Approvals[0].ID)
	assert.Equal(t, store.ApprovalStatusPending, response.Approvals[0].Status)

	// The fix is inlined so reviewers see what they are deciding on.
	require.NotNil(t, response.Approvals[0].Fix)
	assert.Equal(t, store.FixActionContentOptimization, response.Approvals[0].Fix.ActionType)
	assert.InDelta(t, 0.75, response.Approvals[0].Fix.Confidence, 0.0001)
}

func TestApprovalHandler_ListFiltersByStatus(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("rev-1"))

	seedApproval(t, approvals, fixes)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals?status=approved", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response handlers.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 0, response.Count)
}

func TestApprovalHandler_ListRejectsUnknownStatus(t *testing.T) {
	handler := handlers.NewApprovalHandler(
		newTestConfig(),
		store.NewMemoryApprovalRepository(),
		store.NewMemoryFixRepository(),
		&mockPublisher{},
		staticReviewer("rev-1"),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals?status=escalated", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "invalid_status", response.Error)
}

func TestApprovalHandler_ApprovePublishesDecision(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("reviewer-7"))

	seedApproval(t, approvals, fixes)

	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/approve", nil)
	w := httptest.NewRecorder()

	handler.Approve(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response handlers.DecisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	assert.False(t, response.AlreadyDecided)
	assert.Equal(t, store.ApprovalStatusApproved, response.Approval.Status)
	assert.Equal(t, "reviewer-7", response.Approval.DecidedBy)
	require.NotNil(t, response.Approval.DecidedAt)

	require.Len(t, publisher.publishedMessages, 1)
	assert.Equal(t, "remedy.approval.decisions", publisher.queueNames[0])

	msg, ok := publisher.publishedMessages[0].(events.ApprovalDecisionMessage)
	require.True(t, ok)
	assert.Equal(t, "approval-1", msg.ApprovalID)
	assert.Equal(t, "fix-1", msg.FixID)
	assert.Equal(t, "issue-1", msg.IssueID)
	assert.Equal(t, "entity-1", msg.EntityID)
	assert.Equal(t, events.DecisionApproved, msg.Decision)
	assert.Equal(t, "reviewer-7", msg.DecidedBy)
}

func TestApprovalHandler_RejectPublishesDecision(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("reviewer-7"))

	seedApproval(t, approvals, fixes)

	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/reject", nil)
	w := httptest.NewRecorder()

	handler.Reject(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response handlers.DecisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, store.ApprovalStatusRejected, response.Approval.Status)

	require.Len(t, publisher.publishedMessages, 1)
	msg, ok := publisher.publishedMessages[0].(events.ApprovalDecisionMessage)
	require.True(t, ok)
	assert.Equal(t, events.DecisionRejected, msg.Decision)
}

func TestApprovalHandler_SecondDecisionIsIdempotent(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("reviewer-7"))

	seedApproval(t, approvals, fixes)

	first := httptest.NewRecorder()
	handler.Approve(first, httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/approve", nil))
	require.Equal(t, http.StatusOK, first.Code)

	// A later reject does not overturn the approval and publishes nothing.
	second := httptest.NewRecorder()
	handler.Reject(second, httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/reject", nil))
	assert.Equal(t, http.StatusOK, second.Code)

	var response handlers.DecisionResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &response))
	assert.True(t, response.AlreadyDecided)
	assert.Equal(t, store.ApprovalStatusApproved, response.Approval.Status)

	assert.Len(t, publisher.publishedMessages, 1)
}

func TestApprovalHandler_DecisionSurvivesPublishFailure(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{shouldFail: true}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer("reviewer-7"))

	seedApproval(t, approvals, fixes)

	w := httptest.NewRecorder()
	handler.Approve(w, httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/approve", nil))

	// The record is the source of truth; a lost message is not an error.
	assert.Equal(t, http.StatusOK, w.Code)

	stored, err := approvals.GetByID(context.Background(), "approval-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusApproved, stored.Status)
}

func TestApprovalHandler_UnknownApprovalNotFound(t *testing.T) {
	handler := handlers.NewApprovalHandler(
		newTestConfig(),
		store.NewMemoryApprovalRepository(),
		store.NewMemoryFixRepository(),
		&mockPublisher{},
		staticReviewer("reviewer-7"),
	)

	w := httptest.NewRecorder()
	handler.Approve(w, httptest.NewRequest(http.MethodPost, "/v1/approvals/missing/approve", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalHandler_AnonymousReviewerUnauthorized(t *testing.T) {
	approvals := store.NewMemoryApprovalRepository()
	fixes := store.NewMemoryFixRepository()
	publisher := &mockPublisher{}
	handler := handlers.NewApprovalHandler(newTestConfig(), approvals, fixes, publisher, staticReviewer(""))

	seedApproval(t, approvals, fixes)

	w := httptest.NewRecorder()
	handler.Approve(w, httptest.NewRequest(http.MethodPost, "/v1/approvals/approval-1/approve", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, publisher.publishedMessages)

	stored, err := approvals.GetByID(context.Background(), "approval-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusPending, stored.Status)
}

func TestApprovalHandler_MalformedPathBadRequest(t *testing.T) {
	handler := handlers.NewApprovalHandler(
		newTestConfig(),
		store.NewMemoryApprovalRepository(),
		store.NewMemoryFixRepository(),
		&mockPublisher{},
		staticReviewer("reviewer-7"),
	)

	paths := []string{"/v1/approvals//approve", "/v1/approvals/approve"}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Approve(w, httptest.NewRequest(http.MethodPost, path, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
