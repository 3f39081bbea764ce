//nolint:testpackage // Tests exercise the in-memory implementations directly
package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduledVerification(t *testing.T, repo VerificationRepository, due time.Time) *Verification {
	t.Helper()
	v := &Verification{
		DeploymentID: "dep-1",
		IssueID:      "issue-1",
		EntityID:     "entity-1",
		Domain:       "smith-motors.com",
		ScheduledFor: due,
		BeforeScore:  50,
		Status:       VerificationStatusScheduled,
	}
	require.NoError(t, repo.Create(context.Background(), v))
	return v
}

func TestVerificationListDue(t *testing.T) {
	repo := NewMemoryVerificationRepository()
	ctx := context.Background()
	now := time.Now()

	due := newScheduledVerification(t, repo, now.Add(-time.Minute))
	newScheduledVerification(t, repo, now.Add(time.Hour))

	got, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestVerificationListDue_ExcludesEvaluated(t *testing.T) {
	repo := NewMemoryVerificationRepository()
	ctx := context.Background()
	now := time.Now()

	v := newScheduledVerification(t, repo, now.Add(-time.Minute))
	_, err := repo.Complete(ctx, v.ID, 65, true, true)
	require.NoError(t, err)

	got, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerificationComplete_ExactlyOnce(t *testing.T) {
	repo := NewMemoryVerificationRepository()
	ctx := context.Background()
	v := newScheduledVerification(t, repo, time.Now())

	completed, err := repo.Complete(ctx, v.ID, 65, true, true)
	require.NoError(t, err)
	assert.True(t, completed)

	// The second completion is a no-op
	completed, err = repo.Complete(ctx, v.ID, 40, false, false)
	require.NoError(t, err)
	assert.False(t, completed)

	got, err := repo.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationStatusEvaluated, got.Status)
	require.NotNil(t, got.AfterScore)
	assert.InDelta(t, 65, *got.AfterScore, 0.001)
	assert.True(t, got.Verified)
}

func TestVerificationExistsOpen(t *testing.T) {
	repo := NewMemoryVerificationRepository()
	ctx := context.Background()
	v := newScheduledVerification(t, repo, time.Now())

	open, err := repo.ExistsOpenForDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, open)

	open, err = repo.ExistsOpenForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.True(t, open)

	_, err = repo.Complete(ctx, v.ID, 65, true, true)
	require.NoError(t, err)

	open, err = repo.ExistsOpenForDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.False(t, open)

	open, err = repo.ExistsOpenForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.False(t, open)
}
