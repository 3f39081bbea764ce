// Package fixgen maps detected issues to corrective fixes. Every mapping
// carries a fixed confidence and estimated visibility gain; nothing here is
// computed ad hoc.
package fixgen

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitabwire/util"

	"github.com/optiview/remedy/internal/store"
)

// ConsensusPredicate decides whether a non-high-severity issue still has
// unanimous backing across measurement sources and may be remediated
// autonomously.
type ConsensusPredicate func(issue *store.Issue) bool

// defaultConsensus admits only high-severity issues.
func defaultConsensus(issue *store.Issue) bool {
	return issue.Severity == store.IssueSeverityHigh
}

// mapping is one row of the issue-type to action table.
type mapping struct {
	action        store.FixActionType
	confidence    float64
	estimatedGain float64
	payload       func(domain string) json.RawMessage
}

// Generator produces fixes for eligible issues.
type Generator struct {
	consensus ConsensusPredicate
	table     map[store.IssueType]mapping
}

// NewGenerator creates a generator with the default consensus predicate.
func NewGenerator() *Generator {
	return NewGeneratorWithConsensus(defaultConsensus)
}

// NewGeneratorWithConsensus creates a generator with a custom consensus
// predicate.
func NewGeneratorWithConsensus(consensus ConsensusPredicate) *Generator {
	return &Generator{
		consensus: consensus,
		table: map[store.IssueType]mapping{
			store.IssueTypeMissingSchema: {
				action:        store.FixActionSchemaInjection,
				confidence:    0.9,
				estimatedGain: 18,
				payload:       schemaInjectionPayload,
			},
			store.IssueTypeLowVisibility: {
				action:        store.FixActionContentOptimization,
				confidence:    0.75,
				estimatedGain: 12,
				payload:       contentOptimizationPayload,
			},
			store.IssueTypeConsensusDivergence: {
				action:        store.FixActionInfoStandardization,
				confidence:    0.7,
				estimatedGain: 8,
				payload:       infoStandardizationPayload,
			},
		},
	}
}

// Eligible reports whether an issue qualifies for autonomous fix
// generation: high severity, or unanimous consensus backing.
func (g *Generator) Eligible(issue *store.Issue) bool {
	if issue.Status != store.IssueStatusOpen {
		return false
	}
	return issue.Severity == store.IssueSeverityHigh || g.consensus(issue)
}

// Generate produces exactly one fix for an eligible issue. Issues of an
// unknown type are skipped, not errored.
func (g *Generator) Generate(ctx context.Context, issue *store.Issue) (*store.Fix, bool) {
	m, known := g.table[issue.Type]
	if !known {
		util.Log(ctx).Debug("no fix mapping for issue type",
			"entity_id", issue.EntityID,
			"issue_type", issue.Type,
		)
		return nil, false
	}

	return &store.Fix{
		IssueID:       issue.ID,
		EntityID:      issue.EntityID,
		Domain:        issue.Domain,
		ActionType:    m.action,
		Payload:       m.payload(issue.Domain),
		Confidence:    m.confidence,
		EstimatedGain: m.estimatedGain,
		CreatedAt:     time.Now(),
	}, true
}

// SchemaInjectionPayload is the payload for a schema-injection fix.
type SchemaInjectionPayload struct {
	Entities []string        `json:"entities"`
	Pages    []string        `json:"pages"`
	Schema   json.RawMessage `json:"schema"`
}

// ContentOptimizationPayload is the payload for a content-optimization fix.
type ContentOptimizationPayload struct {
	FocusAreas []string `json:"focusAreas"`
}

// InfoStandardizationPayload is the payload for an
// information-standardization fix.
type InfoStandardizationPayload struct {
	Sync []string `json:"sync"`
}

func schemaInjectionPayload(domain string) json.RawMessage {
	payload, _ := json.Marshal(SchemaInjectionPayload{
		Entities: []string{"Organization", "AutoDealer", "Service", "Vehicle"},
		Pages:    []string{"/", "/inventory", "/service"},
		Schema:   BuildEntityGraph(domain),
	})
	return payload
}

func contentOptimizationPayload(string) json.RawMessage {
	payload, _ := json.Marshal(ContentOptimizationPayload{
		FocusAreas: []string{"meta_descriptions", "structured_data", "internal_linking"},
	})
	return payload
}

func infoStandardizationPayload(string) json.RawMessage {
	payload, _ := json.Marshal(InfoStandardizationPayload{
		Sync: []string{"gbp", "website", "social_profiles"},
	})
	return payload
}
