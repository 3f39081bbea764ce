package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/internal/notify"
	"github.com/optiview/remedy/internal/store"
)

// Outcome classifies what the dispatcher did with a fix.
type Outcome string

const (
	// OutcomeDeployed means the fix was applied to the site.
	OutcomeDeployed Outcome = "deployed"
	// OutcomeQueued means the fix was routed to the approval queue.
	OutcomeQueued Outcome = "queued"
	// OutcomeDeduplicated means an equivalent deployment already exists
	// and nothing was done.
	OutcomeDeduplicated Outcome = "deduplicated"
)

// Result reports the outcome of a dispatch.
type Result struct {
	Outcome    Outcome
	Deployment *store.Deployment
	Approval   *store.Approval
}

// VerificationScheduler schedules a post-deployment verification.
type VerificationScheduler interface {
	Schedule(ctx context.Context, dep *store.Deployment, fix *store.Fix) error
}

// Dispatcher gates fixes on confidence, deduplicates deployments, and
// applies approved mutations.
type Dispatcher struct {
	threshold   float64
	client      MutationClient
	deployments store.DeploymentRepository
	approvals   store.ApprovalRepository
	audits      store.AuditRepository
	notifier    notify.Dispatcher
	scheduler   VerificationScheduler
}

// NewDispatcher creates a dispatcher. threshold is the minimum confidence
// for autonomous deployment.
func NewDispatcher(
	threshold float64,
	client MutationClient,
	deployments store.DeploymentRepository,
	approvals store.ApprovalRepository,
	audits store.AuditRepository,
	notifier notify.Dispatcher,
	scheduler VerificationScheduler,
) *Dispatcher {
	return &Dispatcher{
		threshold:   threshold,
		client:      client,
		deployments: deployments,
		approvals:   approvals,
		audits:      audits,
		notifier:    notifier,
		scheduler:   scheduler,
	}
}

// DedupeKey derives the stable deployment identity for a fix. Two fixes
// with the same entity, action type, and payload share a key.
func DedupeKey(fix *store.Fix) string {
	h := sha256.New()
	h.Write([]byte(fix.EntityID))
	h.Write([]byte{'|'})
	h.Write([]byte(fix.ActionType))
	h.Write([]byte{'|'})
	h.Write(fix.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Dispatch routes a fix: below-threshold confidence queues it for human
// approval, at or above threshold deploys it immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, fix *store.Fix) (*Result, error) {
	if fix.Confidence < d.threshold {
		return d.queueForApproval(ctx, fix)
	}
	return d.deploy(ctx, fix)
}

// DispatchApproved deploys a fix that a human has signed off on. The
// confidence gate does not apply.
func (d *Dispatcher) DispatchApproved(ctx context.Context, fix *store.Fix) (*Result, error) {
	return d.deploy(ctx, fix)
}

func (d *Dispatcher) queueForApproval(ctx context.Context, fix *store.Fix) (*Result, error) {
	log := util.Log(ctx)

	pending, err := d.approvals.ExistsPendingForIssue(ctx, fix.IssueID)
	if err != nil {
		return nil, fmt.Errorf("check pending approvals: %w", err)
	}
	if pending {
		log.Debug("approval already pending, skipping",
			"entity_id", fix.EntityID,
			"issue_id", fix.IssueID,
		)
		return &Result{Outcome: OutcomeDeduplicated}, nil
	}

	approval := &store.Approval{
		FixID:    fix.ID,
		IssueID:  fix.IssueID,
		EntityID: fix.EntityID,
		Domain:   fix.Domain,
		Status:   store.ApprovalStatusPending,
		QueuedAt: time.Now(),
	}
	if err = d.approvals.Create(ctx, approval); err != nil {
		return nil, fmt.Errorf("queue approval: %w", err)
	}

	d.appendAudit(ctx, fix, store.AuditKindAutoFixPending, store.AuditStatusPending, "")

	log.Info("fix queued for approval",
		"entity_id", fix.EntityID,
		"fix_type", fix.ActionType,
		"confidence", fix.Confidence,
	)

	return &Result{Outcome: OutcomeQueued, Approval: approval}, nil
}

func (d *Dispatcher) deploy(ctx context.Context, fix *store.Fix) (*Result, error) {
	log := util.Log(ctx)

	dep := &store.Deployment{
		FixID:     fix.ID,
		IssueID:   fix.IssueID,
		EntityID:  fix.EntityID,
		Domain:    fix.Domain,
		DedupeKey: DedupeKey(fix),
		Status:    store.DeploymentStatusPending,
	}

	reserved, fresh, err := d.deployments.Reserve(ctx, dep)
	if err != nil {
		return nil, fmt.Errorf("reserve deployment: %w", err)
	}
	if !fresh {
		log.Debug("deployment already exists for dedupe key",
			"entity_id", fix.EntityID,
			"dedupe_key", dep.DedupeKey,
			"status", reserved.Status,
		)
		return &Result{Outcome: OutcomeDeduplicated, Deployment: reserved}, nil
	}
	dep = reserved

	mutation, err := renderMutation(fix)
	if err != nil {
		d.fail(ctx, dep, fix, err)
		return nil, err
	}

	versionID, err := d.client.Apply(ctx, mutation)
	if err != nil {
		d.fail(ctx, dep, fix, err)
		return nil, fmt.Errorf("apply mutation: %w", err)
	}

	if err = d.deployments.MarkDeployed(ctx, dep.ID, versionID); err != nil {
		return nil, fmt.Errorf("mark deployed: %w", err)
	}
	dep.Status = store.DeploymentStatusDeployed
	dep.ExternalVersionID = versionID

	d.appendAudit(ctx, fix, store.AuditKindAutoFix, store.AuditStatusCompleted, versionID)

	d.notifier.Notify(ctx, &notify.Event{
		Event:         notify.EventFixDeployed,
		EntityID:      fix.EntityID,
		Domain:        fix.Domain,
		FixType:       string(fix.ActionType),
		VersionID:     versionID,
		EstimatedGain: fix.EstimatedGain,
		Timestamp:     time.Now(),
	})

	if err = d.scheduler.Schedule(ctx, dep, fix); err != nil {
		// The deployment stands even if scheduling fails; the record
		// will surface on the next reconciliation.
		log.WithError(err).Error("schedule verification",
			"deployment_id", dep.ID,
		)
	}

	log.Info("fix deployed",
		"entity_id", fix.EntityID,
		"fix_type", fix.ActionType,
		"version_id", versionID,
	)

	return &Result{Outcome: OutcomeDeployed, Deployment: dep}, nil
}

// fail records a deployment failure. The record keeps its dedupe key so a
// later sweep can take it over and retry.
func (d *Dispatcher) fail(ctx context.Context, dep *store.Deployment, fix *store.Fix, cause error) {
	if err := d.deployments.MarkFailed(ctx, dep.ID, cause.Error()); err != nil {
		util.Log(ctx).WithError(err).Error("mark deployment failed",
			"deployment_id", dep.ID,
		)
	}
	d.appendAudit(ctx, fix, store.AuditKindAutoFix, store.AuditStatusFailed, "")
}

// auditPayload is the payload recorded on fix audit entries.
type auditPayload struct {
	FixType       string  `json:"fixType"`
	Confidence    float64 `json:"confidence"`
	EstimatedGain float64 `json:"estimatedGain"`
	VersionID     string  `json:"versionId,omitempty"`
}

func (d *Dispatcher) appendAudit(
	ctx context.Context,
	fix *store.Fix,
	kind string,
	status store.AuditStatus,
	versionID string,
) {
	payload, _ := json.Marshal(auditPayload{
		FixType:       string(fix.ActionType),
		Confidence:    fix.Confidence,
		EstimatedGain: fix.EstimatedGain,
		VersionID:     versionID,
	})

	audit := &store.Audit{
		EntityID:  fix.EntityID,
		Domain:    fix.Domain,
		Kind:      kind,
		Payload:   payload,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := d.audits.Append(ctx, audit); err != nil {
		util.Log(ctx).WithError(err).Error("append audit",
			"entity_id", fix.EntityID,
			"kind", kind,
		)
	}
}

// renderMutation turns a fix payload into the site mutation to apply.
func renderMutation(fix *store.Fix) (*Mutation, error) {
	switch fix.ActionType {
	case store.FixActionSchemaInjection:
		var payload struct {
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(fix.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: decode schema payload: %v", ErrPermanent, err)
		}
		if len(payload.Schema) == 0 {
			return nil, fmt.Errorf("%w: schema payload missing schema", ErrPermanent)
		}
		return &Mutation{
			EntityID:     fix.EntityID,
			MutationType: MutationTypeSchema,
			Content:      string(payload.Schema),
		}, nil
	case store.FixActionContentOptimization, store.FixActionInfoStandardization:
		return &Mutation{
			EntityID:     fix.EntityID,
			MutationType: MutationTypeScript,
			Content:      renderScript(fix),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrPermanent, fix.ActionType)
	}
}

// renderScript emits the loader snippet that pulls the directive payload
// for script-based mutations.
func renderScript(fix *store.Fix) string {
	return fmt.Sprintf(
		"window.__remedy=window.__remedy||[];window.__remedy.push({action:%q,directives:%s});",
		fix.ActionType, string(fix.Payload),
	)
}
