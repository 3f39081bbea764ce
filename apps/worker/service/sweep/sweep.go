// Package sweep drives the remediation cycle: detect issues, generate
// fixes, and hand them to the deployment dispatcher, one entity at a time
// under a distributed lock.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/optiview/remedy/apps/worker/service/deploy"
	"github.com/optiview/remedy/apps/worker/service/detect"
	"github.com/optiview/remedy/apps/worker/service/fixgen"
	"github.com/optiview/remedy/internal/lock"
	"github.com/optiview/remedy/internal/store"
)

// Runner executes sweep cycles across all active entities.
type Runner struct {
	detector      *detect.Detector
	generator     *fixgen.Generator
	dispatcher    *deploy.Dispatcher
	entities      store.EntityRepository
	issues        store.IssueRepository
	fixes         store.FixRepository
	approvals     store.ApprovalRepository
	deployments   store.DeploymentRepository
	verifications store.VerificationRepository
	locks         lock.Manager
	lockTTL       time.Duration
}

// NewRunner creates a sweep runner. lockTTL bounds how long a crashed
// worker can hold an entity.
func NewRunner(
	detector *detect.Detector,
	generator *fixgen.Generator,
	dispatcher *deploy.Dispatcher,
	entities store.EntityRepository,
	issues store.IssueRepository,
	fixes store.FixRepository,
	approvals store.ApprovalRepository,
	deployments store.DeploymentRepository,
	verifications store.VerificationRepository,
	locks lock.Manager,
	lockTTL time.Duration,
) *Runner {
	return &Runner{
		detector:      detector,
		generator:     generator,
		dispatcher:    dispatcher,
		entities:      entities,
		issues:        issues,
		fixes:         fixes,
		approvals:     approvals,
		deployments:   deployments,
		verifications: verifications,
		locks:         locks,
		lockTTL:       lockTTL,
	}
}

// RunCycle reconciles approved fixes whose decision message never arrived,
// then sweeps every active entity. Entities locked by another worker are
// skipped; a failure on one entity does not stop the cycle.
func (r *Runner) RunCycle(ctx context.Context) error {
	r.reconcileApprovals(ctx)

	entities, err := r.entities.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active entities: %w", err)
	}

	log := util.Log(ctx)
	owner := xid.New().String()

	for _, entity := range entities {
		l, acquired, lockErr := r.locks.TryAcquire(ctx, "entity:"+entity.ID, owner, r.lockTTL)
		if lockErr != nil {
			log.WithError(lockErr).Error("acquire entity lock", "entity_id", entity.ID)
			continue
		}
		if !acquired {
			log.Debug("entity locked by another worker", "entity_id", entity.ID)
			continue
		}

		if sweepErr := r.SweepEntity(ctx, entity); sweepErr != nil {
			log.WithError(sweepErr).Error("sweep entity", "entity_id", entity.ID)
		}

		if unlockErr := l.Unlock(ctx); unlockErr != nil {
			log.WithError(unlockErr).Warn("release entity lock", "entity_id", entity.ID)
		}
	}

	log.Info("sweep cycle complete", "entities", len(entities))
	return nil
}

// SweepEntity runs the full pipeline for one entity: detect, persist
// issues, and dispatch a fix for each eligible issue that is not already
// being worked.
func (r *Runner) SweepEntity(ctx context.Context, entity *store.Entity) error {
	log := util.Log(ctx)

	issues, err := r.detector.Detect(ctx, entity)
	if err != nil {
		return fmt.Errorf("detect issues: %w", err)
	}

	for _, issue := range issues {
		if err = r.issues.Upsert(ctx, issue); err != nil {
			return fmt.Errorf("upsert issue: %w", err)
		}

		if !r.generator.Eligible(issue) {
			log.Debug("issue not eligible for autonomous fix",
				"entity_id", entity.ID,
				"issue_type", issue.Type,
				"severity", issue.Severity,
			)
			continue
		}

		inFlight, flightErr := r.issueInFlight(ctx, issue.ID)
		if flightErr != nil {
			return flightErr
		}
		if inFlight {
			log.Debug("issue already in flight",
				"entity_id", entity.ID,
				"issue_type", issue.Type,
			)
			continue
		}

		fix, ok := r.generator.Generate(ctx, issue)
		if !ok {
			continue
		}
		if err = r.fixes.Create(ctx, fix); err != nil {
			return fmt.Errorf("create fix: %w", err)
		}

		result, dispatchErr := r.dispatcher.Dispatch(ctx, fix)
		if dispatchErr != nil {
			// A failed deployment is recorded on its own record; the rest
			// of the entity's issues still get their turn.
			log.WithError(dispatchErr).Error("dispatch fix",
				"entity_id", entity.ID,
				"issue_type", issue.Type,
			)
			continue
		}

		log.Info("fix dispatched",
			"entity_id", entity.ID,
			"issue_type", issue.Type,
			"outcome", result.Outcome,
		)
	}

	return nil
}

// reconcileApprovals redeploys approved fixes for still-open issues. The
// gateway's decision message is only a hint; when it is lost, this pass
// picks the decision up from the approval record. The deployment dedupe
// key makes the redeploy a no-op once the fix has been applied.
func (r *Runner) reconcileApprovals(ctx context.Context) {
	log := util.Log(ctx)

	approved, err := r.approvals.ListByStatus(ctx, store.ApprovalStatusApproved)
	if err != nil {
		log.WithError(err).Error("list approved requests")
		return
	}

	for _, approval := range approved {
		issue, issueErr := r.issues.GetByID(ctx, approval.IssueID)
		if issueErr != nil {
			log.WithError(issueErr).Error("load issue for approval",
				"approval_id", approval.ID,
			)
			continue
		}
		if issue.Status != store.IssueStatusOpen {
			continue
		}

		fix, fixErr := r.fixes.GetByID(ctx, approval.FixID)
		if fixErr != nil {
			log.WithError(fixErr).Error("load fix for approval",
				"approval_id", approval.ID,
			)
			continue
		}

		result, dispatchErr := r.dispatcher.DispatchApproved(ctx, fix)
		if dispatchErr != nil {
			log.WithError(dispatchErr).Error("redeploy approved fix",
				"approval_id", approval.ID,
				"entity_id", approval.EntityID,
			)
			continue
		}
		if result.Outcome == deploy.OutcomeDeployed {
			log.Info("approved fix reconciled",
				"approval_id", approval.ID,
				"entity_id", approval.EntityID,
				"fix_type", fix.ActionType,
			)
		}
	}
}

// issueInFlight reports whether the issue already has a pending approval,
// a pending deployment, or an unevaluated verification.
func (r *Runner) issueInFlight(ctx context.Context, issueID string) (bool, error) {
	pending, err := r.approvals.ExistsPendingForIssue(ctx, issueID)
	if err != nil {
		return false, fmt.Errorf("check pending approvals: %w", err)
	}
	if pending {
		return true, nil
	}

	deploying, err := r.deployments.ExistsInFlightForIssue(ctx, issueID)
	if err != nil {
		return false, fmt.Errorf("check in-flight deployments: %w", err)
	}
	if deploying {
		return true, nil
	}

	verifying, err := r.verifications.ExistsOpenForIssue(ctx, issueID)
	if err != nil {
		return false, fmt.Errorf("check open verifications: %w", err)
	}
	return verifying, nil
}
