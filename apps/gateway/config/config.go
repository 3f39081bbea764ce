package config

import (
	"github.com/pitabwire/frame/config"
)

// GatewayConfig defines configuration for the approval gateway.
// The gateway is the HTTP API reviewers use to inspect open issues and
// decide queued fixes; decisions are published to the worker's queue.
type GatewayConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Approval Decision Queue (outgoing to workers)
	// ==========================================================================

	// QueueApprovalDecisionName is the name of the decision queue.
	QueueApprovalDecisionName string `envDefault:"remedy.approval.decisions" env:"QUEUE_APPROVAL_DECISION_NAME"`

	// QueueApprovalDecisionURI is the URI of the decision queue.
	QueueApprovalDecisionURI string `envDefault:"mem://remedy.approval.decisions" env:"QUEUE_APPROVAL_DECISION_URI"`

	// ==========================================================================
	// Rate Limiting
	// ==========================================================================

	// RateLimitRequestsPerMinute limits requests per minute per client.
	RateLimitRequestsPerMinute int `envDefault:"120" env:"RATE_LIMIT_REQUESTS_PER_MINUTE"`

	// RateLimitBurstSize is the burst size for rate limiting.
	RateLimitBurstSize int `envDefault:"20" env:"RATE_LIMIT_BURST_SIZE"`
}
