// Package detect turns an entity's recent measurements and audits into
// candidate issues. Detection is side-effect-free; persisting the result is
// the sweep's responsibility.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/optiview/remedy/apps/worker/config"
	"github.com/optiview/remedy/internal/store"
)

// Detector evaluates the detection rules for one entity.
type Detector struct {
	cfg          *appconfig.WorkerConfig
	measurements store.MeasurementRepository
	audits       store.AuditRepository
}

// NewDetector creates a detector.
func NewDetector(
	cfg *appconfig.WorkerConfig,
	measurements store.MeasurementRepository,
	audits store.AuditRepository,
) *Detector {
	return &Detector{
		cfg:          cfg,
		measurements: measurements,
		audits:       audits,
	}
}

// consensusPayload is the shape of an ai-consensus audit blob.
type consensusPayload struct {
	Consensus struct {
		Divergence float64 `json:"divergence"`
	} `json:"consensus"`
}

// schemaEvidence is the evidence blob for a missing-schema issue.
type schemaEvidence struct {
	LastAudit *time.Time `json:"lastAudit"`
}

// scoreEvidence is the evidence blob for a low-visibility issue.
type scoreEvidence struct {
	CurrentScore float64 `json:"currentScore"`
}

// divergenceEvidence is the evidence blob for a consensus-divergence issue.
type divergenceEvidence struct {
	Divergence float64 `json:"divergence"`
}

// Detect evaluates all rules independently and returns zero or more
// candidate issues. An entity with no data yields an empty result, never an
// error.
func (d *Detector) Detect(ctx context.Context, entity *store.Entity) ([]*store.Issue, error) {
	log := util.Log(ctx)

	audits, err := d.audits.ListRecent(ctx, entity.ID, d.cfg.AuditLookback)
	if err != nil {
		return nil, fmt.Errorf("list audits for %s: %w", entity.ID, err)
	}

	measurements, err := d.measurements.ListRecent(ctx, entity.ID, d.cfg.MeasurementLookback)
	if err != nil {
		return nil, fmt.Errorf("list measurements for %s: %w", entity.ID, err)
	}

	now := time.Now()
	var issues []*store.Issue

	if issue := d.checkMissingSchema(entity, audits, now); issue != nil {
		issues = append(issues, issue)
	}
	if issue := d.checkLowVisibility(entity, measurements, now); issue != nil {
		issues = append(issues, issue)
	}
	if issue := d.checkConsensusDivergence(ctx, entity, audits, now); issue != nil {
		issues = append(issues, issue)
	}

	log.Debug("detection pass complete",
		"entity_id", entity.ID,
		"audits", len(audits),
		"measurements", len(measurements),
		"issues", len(issues),
	)

	return issues, nil
}

// checkMissingSchema flags entities with no structured-markup audit record
// in the lookback window.
func (d *Detector) checkMissingSchema(entity *store.Entity, audits []*store.Audit, now time.Time) *store.Issue {
	if len(audits) == 0 {
		// No data at all: stay silent rather than alarm on an entity the
		// crawlers have not reached yet.
		return nil
	}

	for _, audit := range audits {
		if audit.Kind == store.AuditKindSchema || audit.Kind == store.AuditKindEntityGraph {
			return nil
		}
	}

	evidence, _ := json.Marshal(schemaEvidence{LastAudit: nil})
	return &store.Issue{
		EntityID:    entity.ID,
		Domain:      entity.Domain,
		Type:        store.IssueTypeMissingSchema,
		Severity:    store.IssueSeverityHigh,
		Description: "No structured data detected",
		Evidence:    evidence,
		DetectedAt:  now,
	}
}

// checkLowVisibility flags entities whose latest composite visibility score
// is below the configured floor.
func (d *Detector) checkLowVisibility(entity *store.Entity, measurements []*store.Measurement, now time.Time) *store.Issue {
	if len(measurements) == 0 {
		return nil
	}

	current := measurements[0]
	if current.Visibility >= d.cfg.VisibilityFloor {
		return nil
	}

	evidence, _ := json.Marshal(scoreEvidence{CurrentScore: current.Visibility})
	return &store.Issue{
		EntityID:    entity.ID,
		Domain:      entity.Domain,
		Type:        store.IssueTypeLowVisibility,
		Severity:    store.IssueSeverityHigh,
		Description: fmt.Sprintf("Visibility below threshold: %.0f", current.Visibility),
		Evidence:    evidence,
		DetectedAt:  now,
	}
}

// checkConsensusDivergence flags entities whose latest multi-source
// consensus measurement diverges beyond the configured ceiling.
func (d *Detector) checkConsensusDivergence(
	ctx context.Context,
	entity *store.Entity,
	audits []*store.Audit,
	now time.Time,
) *store.Issue {
	for _, audit := range audits {
		if audit.Kind != store.AuditKindConsensus {
			continue
		}

		var payload consensusPayload
		if err := json.Unmarshal(audit.Payload, &payload); err != nil {
			util.Log(ctx).Debug("skipping malformed consensus audit",
				"entity_id", entity.ID,
				"audit_id", audit.ID,
			)
			return nil
		}

		if payload.Consensus.Divergence <= d.cfg.DivergenceCeiling {
			return nil
		}

		evidence, _ := json.Marshal(divergenceEvidence{Divergence: payload.Consensus.Divergence})
		return &store.Issue{
			EntityID:    entity.ID,
			Domain:      entity.Domain,
			Type:        store.IssueTypeConsensusDivergence,
			Severity:    store.IssueSeverityMedium,
			Description: fmt.Sprintf("High consensus divergence: %.2f", payload.Consensus.Divergence),
			Evidence:    evidence,
			DetectedAt:  now,
		}
	}
	return nil
}
