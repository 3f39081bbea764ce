//nolint:testpackage // Tests exercise the in-memory implementations directly
package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingApproval(t *testing.T, repo ApprovalRepository, issueID string) *Approval {
	t.Helper()
	approval := &Approval{
		FixID:    "fix-1",
		IssueID:  issueID,
		EntityID: "entity-1",
		Domain:   "smith-motors.com",
		Status:   ApprovalStatusPending,
		QueuedAt: time.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), approval))
	return approval
}

func TestApprovalDecide_FirstDecisionWins(t *testing.T) {
	repo := NewMemoryApprovalRepository()
	ctx := context.Background()
	approval := newPendingApproval(t, repo, "issue-1")

	decided, won, err := repo.Decide(ctx, approval.ID, ApprovalStatusApproved, "reviewer-a")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, ApprovalStatusApproved, decided.Status)
	assert.Equal(t, "reviewer-a", decided.DecidedBy)
	assert.NotNil(t, decided.DecidedAt)
}

func TestApprovalDecide_SecondDecisionReturnsStoredRecord(t *testing.T) {
	repo := NewMemoryApprovalRepository()
	ctx := context.Background()
	approval := newPendingApproval(t, repo, "issue-1")

	_, won, err := repo.Decide(ctx, approval.ID, ApprovalStatusApproved, "reviewer-a")
	require.NoError(t, err)
	require.True(t, won)

	// A conflicting second decision does not overwrite the first
	stored, won, err := repo.Decide(ctx, approval.ID, ApprovalStatusRejected, "reviewer-b")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, ApprovalStatusApproved, stored.Status)
	assert.Equal(t, "reviewer-a", stored.DecidedBy)
}

func TestApprovalDecide_NotFound(t *testing.T) {
	repo := NewMemoryApprovalRepository()

	_, _, err := repo.Decide(context.Background(), "missing", ApprovalStatusApproved, "reviewer-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovalListByStatus_OldestFirst(t *testing.T) {
	repo := NewMemoryApprovalRepository()
	ctx := context.Background()

	older := &Approval{IssueID: "issue-1", EntityID: "entity-1", Status: ApprovalStatusPending, QueuedAt: time.Now().Add(-time.Hour)}
	newer := &Approval{IssueID: "issue-2", EntityID: "entity-1", Status: ApprovalStatusPending, QueuedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, newer))
	require.NoError(t, repo.Create(ctx, older))

	pending, err := repo.ListByStatus(ctx, ApprovalStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
}

func TestApprovalExistsPendingForIssue(t *testing.T) {
	repo := NewMemoryApprovalRepository()
	ctx := context.Background()
	approval := newPendingApproval(t, repo, "issue-1")

	pending, err := repo.ExistsPendingForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.True(t, pending)

	_, _, err = repo.Decide(ctx, approval.ID, ApprovalStatusRejected, "reviewer-a")
	require.NoError(t, err)

	pending, err = repo.ExistsPendingForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.False(t, pending)
}
