package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/apps/worker/service/deploy"
	"github.com/optiview/remedy/apps/worker/service/verify"
	"github.com/optiview/remedy/internal/events"
	"github.com/optiview/remedy/internal/store"
)

// SweepCycleEvent runs one sweep cycle when triggered.
type SweepCycleEvent struct {
	runner *Runner
}

// NewSweepCycleEvent creates a sweep cycle event handler.
func NewSweepCycleEvent(runner *Runner) *SweepCycleEvent {
	return &SweepCycleEvent{runner: runner}
}

// Name returns the event name.
func (h *SweepCycleEvent) Name() string {
	return events.SweepCycleRequested
}

// PayloadType returns the expected payload type.
func (h *SweepCycleEvent) PayloadType() any {
	return &events.SweepCyclePayload{}
}

// Validate validates the payload.
func (h *SweepCycleEvent) Validate(_ context.Context, payload any) error {
	if _, ok := payload.(*events.SweepCyclePayload); !ok {
		return fmt.Errorf("invalid payload type: expected *SweepCyclePayload")
	}
	return nil
}

// Execute runs the sweep cycle.
func (h *SweepCycleEvent) Execute(ctx context.Context, _ any) error {
	return h.runner.RunCycle(ctx)
}

// VerificationPollEvent evaluates due verifications when triggered.
type VerificationPollEvent struct {
	evaluator *verify.Evaluator
	batchSize int
}

// NewVerificationPollEvent creates a verification poll event handler.
func NewVerificationPollEvent(evaluator *verify.Evaluator, batchSize int) *VerificationPollEvent {
	return &VerificationPollEvent{evaluator: evaluator, batchSize: batchSize}
}

// Name returns the event name.
func (h *VerificationPollEvent) Name() string {
	return events.VerificationPollRequested
}

// PayloadType returns the expected payload type.
func (h *VerificationPollEvent) PayloadType() any {
	return &events.VerificationPollPayload{}
}

// Validate validates the payload.
func (h *VerificationPollEvent) Validate(_ context.Context, payload any) error {
	if _, ok := payload.(*events.VerificationPollPayload); !ok {
		return fmt.Errorf("invalid payload type: expected *VerificationPollPayload")
	}
	return nil
}

// Execute evaluates the due batch.
func (h *VerificationPollEvent) Execute(ctx context.Context, _ any) error {
	return h.evaluator.RunDue(ctx, time.Now(), h.batchSize)
}

// ApprovalDecisionHandler consumes decision messages from the gateway's
// queue. Implements queue.SubscribeWorker from Frame.
type ApprovalDecisionHandler struct {
	fixes      store.FixRepository
	approvals  store.ApprovalRepository
	dispatcher *deploy.Dispatcher
}

// NewApprovalDecisionHandler creates an approval decision handler.
func NewApprovalDecisionHandler(
	fixes store.FixRepository,
	approvals store.ApprovalRepository,
	dispatcher *deploy.Dispatcher,
) *ApprovalDecisionHandler {
	return &ApprovalDecisionHandler{
		fixes:      fixes,
		approvals:  approvals,
		dispatcher: dispatcher,
	}
}

// Handle processes one decision message. Approved fixes deploy without the
// confidence gate; rejected ones are only logged, the approval record is
// already terminal.
func (h *ApprovalDecisionHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	var msg events.ApprovalDecisionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshal decision message: %w", err)
	}

	log := util.Log(ctx)

	approval, err := h.approvals.GetByID(ctx, msg.ApprovalID)
	if err != nil {
		return fmt.Errorf("load approval %s: %w", msg.ApprovalID, err)
	}

	switch msg.Decision {
	case events.DecisionApproved:
		if approval.Status != store.ApprovalStatusApproved {
			// A stale or replayed message; the record is authoritative.
			log.Warn("decision message disagrees with approval record",
				"approval_id", msg.ApprovalID,
				"record_status", approval.Status,
			)
			return nil
		}

		fix, fixErr := h.fixes.GetByID(ctx, msg.FixID)
		if fixErr != nil {
			return fmt.Errorf("load fix %s: %w", msg.FixID, fixErr)
		}

		result, dispatchErr := h.dispatcher.DispatchApproved(ctx, fix)
		if dispatchErr != nil {
			return fmt.Errorf("deploy approved fix: %w", dispatchErr)
		}

		log.Info("approved fix processed",
			"approval_id", msg.ApprovalID,
			"entity_id", msg.EntityID,
			"outcome", result.Outcome,
		)
		return nil

	case events.DecisionRejected:
		log.Info("fix rejected",
			"approval_id", msg.ApprovalID,
			"entity_id", msg.EntityID,
			"decided_by", msg.DecidedBy,
		)
		return nil

	default:
		return fmt.Errorf("unknown decision %q", msg.Decision)
	}
}
