// Package events defines the internal event names and payloads exchanged
// between the worker's tickers, its event handlers, and the gateway's
// decision queue.
package events

import "time"

// Event names routed through the frame events manager.
const (
	// SweepCycleRequested asks the worker to run one full sweep cycle.
	SweepCycleRequested = "remedy.sweep.cycle"

	// VerificationPollRequested asks the worker to evaluate due
	// verifications.
	VerificationPollRequested = "remedy.verification.poll"
)

// SweepCyclePayload is the payload for SweepCycleRequested.
type SweepCyclePayload struct {
	TriggeredAt time.Time `json:"triggered_at"`
}

// VerificationPollPayload is the payload for VerificationPollRequested.
type VerificationPollPayload struct {
	TriggeredAt time.Time `json:"triggered_at"`
}

// Decision is a human verdict on a queued approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalDecisionMessage is published by the gateway when a reviewer
// decides a queued approval, and consumed by the worker.
type ApprovalDecisionMessage struct {
	ApprovalID string    `json:"approval_id"`
	FixID      string    `json:"fix_id"`
	IssueID    string    `json:"issue_id"`
	EntityID   string    `json:"entity_id"`
	Decision   Decision  `json:"decision"`
	DecidedBy  string    `json:"decided_by"`
	DecidedAt  time.Time `json:"decided_at"`
}
