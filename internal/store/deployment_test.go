//nolint:testpackage // Tests exercise the in-memory implementations directly
package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeploymentReserve_FreshKey(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	ctx := context.Background()

	dep := &Deployment{
		FixID:     "fix-1",
		IssueID:   "issue-1",
		EntityID:  "entity-1",
		DedupeKey: "key-1",
		Status:    DeploymentStatusPending,
	}

	reserved, fresh, err := repo.Reserve(ctx, dep)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEmpty(t, reserved.ID)
	assert.Equal(t, DeploymentStatusPending, reserved.Status)
}

func TestDeploymentReserve_ActiveKeyBlocksSecondAttempt(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	ctx := context.Background()

	first := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	reserved, fresh, err := repo.Reserve(ctx, first)
	require.NoError(t, err)
	require.True(t, fresh)

	// A pending record holds the key
	second := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	existing, fresh, err := repo.Reserve(ctx, second)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, reserved.ID, existing.ID)

	// So does a deployed one
	require.NoError(t, repo.MarkDeployed(ctx, reserved.ID, "v-123"))

	third := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	existing, fresh, err = repo.Reserve(ctx, third)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, DeploymentStatusDeployed, existing.Status)
	assert.Equal(t, "v-123", existing.ExternalVersionID)
}

func TestDeploymentReserve_FailedKeyIsTakenOver(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	ctx := context.Background()

	first := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	reserved, _, err := repo.Reserve(ctx, first)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, reserved.ID, "endpoint timeout"))

	// A failed record does not block the retry
	retry := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	takenOver, fresh, err := repo.Reserve(ctx, retry)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, reserved.ID, takenOver.ID, "retry reuses the record")
	assert.Equal(t, DeploymentStatusPending, takenOver.Status)
	assert.Empty(t, takenOver.ErrorMessage)
}

func TestDeploymentReserve_StalePendingIsTakenOver(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	repo.PendingTakeoverAge = 20 * time.Millisecond
	ctx := context.Background()

	// A worker that reserved the key and died never marks the record.
	first := &Deployment{FixID: "fix-1", IssueID: "issue-1", EntityID: "entity-1", DedupeKey: "key-1"}
	orphan, fresh, err := repo.Reserve(ctx, first)
	require.NoError(t, err)
	require.True(t, fresh)

	time.Sleep(50 * time.Millisecond)

	retry := &Deployment{FixID: "fix-2", IssueID: "issue-1", EntityID: "entity-1", DedupeKey: "key-1"}
	takenOver, fresh, err := repo.Reserve(ctx, retry)
	require.NoError(t, err)
	assert.True(t, fresh, "a pending record past the takeover age no longer holds the key")
	assert.Equal(t, orphan.ID, takenOver.ID, "retry reuses the record")
	assert.Equal(t, "fix-2", takenOver.FixID)
	assert.Equal(t, DeploymentStatusPending, takenOver.Status)
}

func TestDeploymentReserve_FreshPendingStillBlocks(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	repo.PendingTakeoverAge = time.Hour
	ctx := context.Background()

	first := &Deployment{EntityID: "entity-1", DedupeKey: "key-1"}
	_, fresh, err := repo.Reserve(ctx, first)
	require.NoError(t, err)
	require.True(t, fresh)

	second := &Deployment{EntityID: "entity-1", DedupeKey: "key-1"}
	_, fresh, err = repo.Reserve(ctx, second)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDeploymentMarkDeployed(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	ctx := context.Background()

	dep := &Deployment{EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	reserved, _, err := repo.Reserve(ctx, dep)
	require.NoError(t, err)

	require.NoError(t, repo.MarkDeployed(ctx, reserved.ID, "v-42"))

	got, err := repo.GetByID(ctx, reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, DeploymentStatusDeployed, got.Status)
	assert.Equal(t, "v-42", got.ExternalVersionID)
	assert.NotNil(t, got.DeployedAt)
}

func TestDeploymentExistsInFlightForIssue(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	ctx := context.Background()

	dep := &Deployment{IssueID: "issue-1", EntityID: "entity-1", DedupeKey: "key-1", Status: DeploymentStatusPending}
	reserved, _, err := repo.Reserve(ctx, dep)
	require.NoError(t, err)

	inFlight, err := repo.ExistsInFlightForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.True(t, inFlight)

	require.NoError(t, repo.MarkDeployed(ctx, reserved.ID, "v-1"))

	inFlight, err = repo.ExistsInFlightForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.False(t, inFlight, "deployed records are no longer in flight")
}

func TestDeploymentExistsInFlightForIssue_IgnoresStalePending(t *testing.T) {
	repo := NewMemoryDeploymentRepository()
	repo.PendingTakeoverAge = 20 * time.Millisecond
	ctx := context.Background()

	dep := &Deployment{IssueID: "issue-1", EntityID: "entity-1", DedupeKey: "key-1"}
	_, _, err := repo.Reserve(ctx, dep)
	require.NoError(t, err)

	inFlight, err := repo.ExistsInFlightForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.True(t, inFlight)

	time.Sleep(50 * time.Millisecond)

	// An orphaned pending record must not keep the issue wedged forever.
	inFlight, err = repo.ExistsInFlightForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.False(t, inFlight, "pending records past the takeover age are not live")
}

func TestDeploymentGetByDedupeKey_NotFound(t *testing.T) {
	repo := NewMemoryDeploymentRepository()

	_, err := repo.GetByDedupeKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
