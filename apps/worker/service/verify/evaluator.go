package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/internal/notify"
	"github.com/optiview/remedy/internal/store"
)

// CheckPolicy decides how external check outcomes combine.
type CheckPolicy string

const (
	// CheckPolicyAll requires every external check to pass.
	CheckPolicyAll CheckPolicy = "all"
	// CheckPolicyAny requires at least one external check to pass.
	CheckPolicyAny CheckPolicy = "any"
)

// Evaluation is the outcome of one verification.
type Evaluation struct {
	Verification *store.Verification
	AfterScore   float64
	ChecksPassed bool
	Verified     bool
}

// Evaluator runs due verifications: it re-reads the visibility score,
// consults the external checks, and settles the issue either way.
type Evaluator struct {
	policy        CheckPolicy
	checkers      []Checker
	verifications store.VerificationRepository
	measurements  store.MeasurementRepository
	issues        store.IssueRepository
	audits        store.AuditRepository
	notifier      notify.Dispatcher
}

// NewEvaluator creates an evaluator.
func NewEvaluator(
	policy CheckPolicy,
	checkers []Checker,
	verifications store.VerificationRepository,
	measurements store.MeasurementRepository,
	issues store.IssueRepository,
	audits store.AuditRepository,
	notifier notify.Dispatcher,
) *Evaluator {
	return &Evaluator{
		policy:        policy,
		checkers:      checkers,
		verifications: verifications,
		measurements:  measurements,
		issues:        issues,
		audits:        audits,
		notifier:      notifier,
	}
}

// RunDue evaluates up to limit verifications whose due time has passed.
// A failure on one record does not stop the batch.
func (e *Evaluator) RunDue(ctx context.Context, now time.Time, limit int) error {
	due, err := e.verifications.ListDue(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("list due verifications: %w", err)
	}

	log := util.Log(ctx)
	for _, v := range due {
		if _, evalErr := e.Evaluate(ctx, v); evalErr != nil {
			log.WithError(evalErr).Error("evaluate verification",
				"verification_id", v.ID,
				"entity_id", v.EntityID,
			)
		}
	}
	return nil
}

// Evaluate settles one verification. A fix counts as verified only when
// the visibility score improved over the baseline and the external checks
// agree under the configured policy.
func (e *Evaluator) Evaluate(ctx context.Context, v *store.Verification) (*Evaluation, error) {
	log := util.Log(ctx)

	var afterScore float64
	latest, err := e.measurements.Latest(ctx, v.EntityID)
	switch {
	case err == nil:
		afterScore = latest.Visibility
	case errors.Is(err, store.ErrNotFound):
		// No measurement since deployment; the score comparison fails.
	default:
		return nil, fmt.Errorf("load current measurement: %w", err)
	}

	scoreImproved := afterScore > v.BeforeScore
	checksPassed := e.runChecks(ctx, v.Domain)
	verified := scoreImproved && checksPassed

	completed, err := e.verifications.Complete(ctx, v.ID, afterScore, checksPassed, verified)
	if err != nil {
		return nil, fmt.Errorf("complete verification: %w", err)
	}
	if !completed {
		// Another evaluator settled this record first.
		return &Evaluation{Verification: v}, nil
	}

	if verified {
		if err = e.issues.Resolve(ctx, v.IssueID); err != nil {
			return nil, fmt.Errorf("resolve issue: %w", err)
		}
	} else {
		if err = e.issues.Reopen(ctx, v.IssueID); err != nil {
			return nil, fmt.Errorf("reopen issue: %w", err)
		}
	}

	e.appendAudit(ctx, v, afterScore, checksPassed, verified)
	e.notify(ctx, v, verified)

	log.Info("verification evaluated",
		"entity_id", v.EntityID,
		"verification_id", v.ID,
		"before_score", v.BeforeScore,
		"after_score", afterScore,
		"checks_passed", checksPassed,
		"verified", verified,
	)

	return &Evaluation{
		Verification: v,
		AfterScore:   afterScore,
		ChecksPassed: checksPassed,
		Verified:     verified,
	}, nil
}

// runChecks consults every checker and folds the results under the
// configured policy. A checker error counts as a failed check.
func (e *Evaluator) runChecks(ctx context.Context, domain string) bool {
	if len(e.checkers) == 0 {
		return false
	}

	log := util.Log(ctx)
	passed := 0
	for _, c := range e.checkers {
		ok, err := c.Check(ctx, domain)
		if err != nil {
			log.WithError(err).Warn("external check errored",
				"check", c.Name(),
				"domain", domain,
			)
			continue
		}
		if ok {
			passed++
		}
	}

	if e.policy == CheckPolicyAny {
		return passed > 0
	}
	return passed == len(e.checkers)
}

func (e *Evaluator) appendAudit(ctx context.Context, v *store.Verification, afterScore float64, checksPassed, verified bool) {
	payload, _ := json.Marshal(map[string]any{
		"deploymentId": v.DeploymentID,
		"beforeScore":  v.BeforeScore,
		"afterScore":   afterScore,
		"checksPassed": checksPassed,
		"verified":     verified,
	})

	status := store.AuditStatusCompleted
	if !verified {
		status = store.AuditStatusFailed
	}
	audit := &store.Audit{
		EntityID:  v.EntityID,
		Domain:    v.Domain,
		Kind:      store.AuditKindFixVerification,
		Payload:   payload,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := e.audits.Append(ctx, audit); err != nil {
		util.Log(ctx).WithError(err).Error("append verification audit",
			"entity_id", v.EntityID,
		)
	}
}

func (e *Evaluator) notify(ctx context.Context, v *store.Verification, verified bool) {
	event := notify.EventFixVerified
	if !verified {
		event = notify.EventVerificationFailed
	}
	e.notifier.Notify(ctx, &notify.Event{
		Event:         event,
		EntityID:      v.EntityID,
		Domain:        v.Domain,
		FixType:       string(v.FixType),
		VersionID:     v.VersionID,
		EstimatedGain: v.EstimatedGain,
		Timestamp:     time.Now(),
	})
}
