package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/internal/store"
)

// Scheduler records a due-time verification for each successful
// deployment.
type Scheduler struct {
	delay         time.Duration
	verifications store.VerificationRepository
	measurements  store.MeasurementRepository
	audits        store.AuditRepository
}

// NewScheduler creates a scheduler. delay is the window between deployment
// and re-measurement.
func NewScheduler(
	delay time.Duration,
	verifications store.VerificationRepository,
	measurements store.MeasurementRepository,
	audits store.AuditRepository,
) *Scheduler {
	return &Scheduler{
		delay:         delay,
		verifications: verifications,
		measurements:  measurements,
		audits:        audits,
	}
}

// Schedule creates a verification record for a deployment. A deployment
// with an open verification is not scheduled again.
func (s *Scheduler) Schedule(ctx context.Context, dep *store.Deployment, fix *store.Fix) error {
	open, err := s.verifications.ExistsOpenForDeployment(ctx, dep.ID)
	if err != nil {
		return fmt.Errorf("check open verifications: %w", err)
	}
	if open {
		return nil
	}

	// The visibility score at deployment time is the baseline the
	// evaluator compares against.
	var beforeScore float64
	latest, err := s.measurements.Latest(ctx, dep.EntityID)
	switch {
	case err == nil:
		beforeScore = latest.Visibility
	case errors.Is(err, store.ErrNotFound):
		// A never-measured entity gets a zero baseline.
	default:
		return fmt.Errorf("load baseline measurement: %w", err)
	}

	scheduledFor := time.Now().Add(s.delay)
	verification := &store.Verification{
		DeploymentID:  dep.ID,
		IssueID:       dep.IssueID,
		EntityID:      dep.EntityID,
		Domain:        dep.Domain,
		FixType:       fix.ActionType,
		EstimatedGain: fix.EstimatedGain,
		VersionID:     dep.ExternalVersionID,
		ScheduledFor:  scheduledFor,
		BeforeScore:   beforeScore,
		Status:        store.VerificationStatusScheduled,
	}
	if err = s.verifications.Create(ctx, verification); err != nil {
		return fmt.Errorf("create verification: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"deploymentId": dep.ID,
		"fixType":      string(fix.ActionType),
		"beforeScore":  beforeScore,
		"scheduledFor": scheduledFor.Format(time.RFC3339),
	})
	audit := &store.Audit{
		EntityID:  dep.EntityID,
		Domain:    dep.Domain,
		Kind:      store.AuditKindVerificationScheduled,
		Payload:   payload,
		Status:    store.AuditStatusPending,
		CreatedAt: time.Now(),
	}
	if err = s.audits.Append(ctx, audit); err != nil {
		util.Log(ctx).WithError(err).Error("append verification audit",
			"entity_id", dep.EntityID,
		)
	}

	util.Log(ctx).Info("verification scheduled",
		"entity_id", dep.EntityID,
		"deployment_id", dep.ID,
		"scheduled_for", scheduledFor,
	)
	return nil
}
