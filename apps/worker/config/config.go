package config

import (
	"time"

	"github.com/pitabwire/frame/config"
)

// External check pass policies.
const (
	CheckPolicyAll = "all"
	CheckPolicyAny = "any"
)

// WorkerConfig defines configuration for the remediation worker.
// The worker runs the auto-fix pipeline: issue detection, fix generation,
// confidence-gated deployment and delayed verification.
type WorkerConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Remediation Policy
	// ==========================================================================

	// ApprovalConfidenceThreshold is the minimum fix confidence for
	// unattended deployment. Fixes below it queue for human approval.
	ApprovalConfidenceThreshold float64 `envDefault:"0.8" env:"APPROVAL_CONFIDENCE_THRESHOLD"`

	// VisibilityFloor is the composite visibility score below which a
	// low-visibility issue is raised.
	VisibilityFloor float64 `envDefault:"70" env:"VISIBILITY_FLOOR"`

	// DivergenceCeiling is the consensus divergence above which an
	// information-consistency issue is raised.
	DivergenceCeiling float64 `envDefault:"0.25" env:"DIVERGENCE_CEILING"`

	// MeasurementLookback is how many recent measurements detection reads.
	MeasurementLookback int `envDefault:"5" env:"MEASUREMENT_LOOKBACK"`

	// AuditLookback is how many recent audit records detection reads.
	AuditLookback int `envDefault:"20" env:"AUDIT_LOOKBACK"`

	// ==========================================================================
	// Mutation Endpoint (site-inject)
	// ==========================================================================

	// SiteInjectBaseURL is the base URL of the site-inject API.
	SiteInjectBaseURL string `env:"SITE_INJECT_BASE_URL"`

	// SiteInjectAPIKey is the bearer token for the site-inject API.
	SiteInjectAPIKey string `env:"SITE_INJECT_API_KEY"`

	// SiteInjectTimeoutSeconds is the timeout for mutation calls.
	SiteInjectTimeoutSeconds int `envDefault:"10" env:"SITE_INJECT_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Verification
	// ==========================================================================

	// VerificationDelayHours is the window between deployment and re-measurement.
	VerificationDelayHours int `envDefault:"24" env:"VERIFICATION_DELAY_HOURS"`

	// VerificationPollMinutes is how often due verifications are polled.
	VerificationPollMinutes int `envDefault:"5" env:"VERIFICATION_POLL_MINUTES"`

	// VerificationBatchSize caps due records evaluated per poll.
	VerificationBatchSize int `envDefault:"50" env:"VERIFICATION_BATCH_SIZE"`

	// ExternalCheckPolicy decides how the two external confirmations
	// combine: "all" requires both to pass, "any" requires one.
	ExternalCheckPolicy string `envDefault:"all" env:"EXTERNAL_CHECK_POLICY"`

	// RichResultsBaseURL is the base URL of the rich-results check API.
	RichResultsBaseURL string `env:"RICH_RESULTS_BASE_URL"`

	// AnswerEngineBaseURL is the base URL of the answer-engine check API.
	AnswerEngineBaseURL string `env:"ANSWER_ENGINE_BASE_URL"`

	// ExternalCheckAPIKey is the bearer token for the external check APIs.
	ExternalCheckAPIKey string `env:"EXTERNAL_CHECK_API_KEY"`

	// ExternalCheckTimeoutSeconds is the timeout for each external check.
	ExternalCheckTimeoutSeconds int `envDefault:"10" env:"EXTERNAL_CHECK_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Webhook Sink
	// ==========================================================================

	// WebhookURL is the sink for pipeline event notifications. Empty disables them.
	WebhookURL string `env:"WEBHOOK_URL"`

	// WebhookTimeoutSeconds is the timeout for webhook delivery.
	WebhookTimeoutSeconds int `envDefault:"10" env:"WEBHOOK_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Sweep Scheduling
	// ==========================================================================

	// SweepIntervalMinutes is how often the per-entity remediation sweep runs.
	SweepIntervalMinutes int `envDefault:"15" env:"SWEEP_INTERVAL_MINUTES"`

	// SweepLockTTLMinutes is how long an entity sweep lock is held at most.
	SweepLockTTLMinutes int `envDefault:"10" env:"SWEEP_LOCK_TTL_MINUTES"`

	// RedisAddr enables the Redis-backed sweep lock when set. Empty falls
	// back to an in-process lock (single-worker deployments).
	RedisAddr string `env:"REDIS_ADDR"`

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Approval decision queue (incoming from gateway)
	QueueApprovalDecisionName string `envDefault:"remedy.approval.decisions" env:"QUEUE_APPROVAL_DECISION_NAME"`
	QueueApprovalDecisionURI  string `envDefault:"mem://remedy.approval.decisions" env:"QUEUE_APPROVAL_DECISION_URI"`
}

// VerificationDelay returns the verification window as a duration.
func (c *WorkerConfig) VerificationDelay() time.Duration {
	return time.Duration(c.VerificationDelayHours) * time.Hour
}

// SweepLockTTL returns the sweep lock TTL as a duration.
func (c *WorkerConfig) SweepLockTTL() time.Duration {
	return time.Duration(c.SweepLockTTLMinutes) * time.Minute
}
