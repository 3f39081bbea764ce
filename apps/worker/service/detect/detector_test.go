//nolint:testpackage // Tests reach the individual rule checks directly
package detect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/optiview/remedy/apps/worker/config"
	"github.com/optiview/remedy/internal/store"
)

func testConfig() *appconfig.WorkerConfig {
	return &appconfig.WorkerConfig{
		VisibilityFloor:     70,
		DivergenceCeiling:   0.25,
		MeasurementLookback: 5,
		AuditLookback:       20,
	}
}

func testEntity() *store.Entity {
	return &store.Entity{
		ID:     "entity-1",
		Domain: "smith-motors.com",
		Name:   "Smith Motors",
		Active: true,
	}
}

func consensusAudit(divergence float64) *store.Audit {
	payload, _ := json.Marshal(map[string]any{
		"consensus": map[string]any{"divergence": divergence},
	})
	return &store.Audit{
		EntityID:  "entity-1",
		Kind:      store.AuditKindConsensus,
		Payload:   payload,
		Status:    store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}
}

func newTestDetector() (*Detector, *store.MemoryMeasurementRepository, *store.MemoryAuditRepository) {
	measurements := store.NewMemoryMeasurementRepository()
	audits := store.NewMemoryAuditRepository()
	return NewDetector(testConfig(), measurements, audits), measurements, audits
}

func TestDetect_NoDataYieldsNoIssues(t *testing.T) {
	detector, _, _ := newTestDetector()

	issues, err := detector.Detect(context.Background(), testEntity())
	require.NoError(t, err)
	assert.Empty(t, issues, "an unmeasured entity raises nothing")
}

func TestDetect_MissingSchema(t *testing.T) {
	detector, _, audits := newTestDetector()
	ctx := context.Background()

	// Audits exist, but none of them cover structured data
	require.NoError(t, audits.Append(ctx, consensusAudit(0.1)))

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueTypeMissingSchema, issues[0].Type)
	assert.Equal(t, store.IssueSeverityHigh, issues[0].Severity)
}

func TestDetect_SchemaAuditSilencesRule(t *testing.T) {
	detector, _, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID:  "entity-1",
		Kind:      store.AuditKindSchema,
		Payload:   json.RawMessage(`{}`),
		Status:    store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestDetect_LowVisibility(t *testing.T) {
	detector, measurements, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindEntityGraph,
		Payload: json.RawMessage(`{}`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))
	measurements.Add(&store.Measurement{
		EntityID: "entity-1", Visibility: 55, RecordedAt: time.Now(),
	})

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueTypeLowVisibility, issues[0].Type)
	assert.Equal(t, store.IssueSeverityHigh, issues[0].Severity)

	var evidence struct {
		CurrentScore float64 `json:"currentScore"`
	}
	require.NoError(t, json.Unmarshal(issues[0].Evidence, &evidence))
	assert.InDelta(t, 55, evidence.CurrentScore, 0.001)
}

func TestDetect_VisibilityAtFloorIsFine(t *testing.T) {
	detector, measurements, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindSchema,
		Payload: json.RawMessage(`{}`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))
	measurements.Add(&store.Measurement{
		EntityID: "entity-1", Visibility: 70, RecordedAt: time.Now(),
	})

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestDetect_ConsensusDivergence(t *testing.T) {
	detector, _, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindSchema,
		Payload: json.RawMessage(`{}`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, audits.Append(ctx, consensusAudit(0.4)))

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueTypeConsensusDivergence, issues[0].Type)
	assert.Equal(t, store.IssueSeverityMedium, issues[0].Severity)
}

func TestDetect_DivergenceAtCeilingIsFine(t *testing.T) {
	detector, _, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindSchema,
		Payload: json.RawMessage(`{}`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, audits.Append(ctx, consensusAudit(0.25)))

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestDetect_MalformedConsensusPayloadSkipped(t *testing.T) {
	detector, _, audits := newTestDetector()
	ctx := context.Background()

	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindSchema,
		Payload: json.RawMessage(`{}`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, audits.Append(ctx, &store.Audit{
		EntityID: "entity-1", Kind: store.AuditKindConsensus,
		Payload: json.RawMessage(`not json`), Status: store.AuditStatusCompleted,
		CreatedAt: time.Now(),
	}))

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	assert.Empty(t, issues, "malformed payloads never raise issues")
}

func TestDetect_MultipleRulesFireIndependently(t *testing.T) {
	detector, measurements, audits := newTestDetector()
	ctx := context.Background()

	// No schema audit plus a low score raises two separate issues
	require.NoError(t, audits.Append(ctx, consensusAudit(0.1)))
	measurements.Add(&store.Measurement{
		EntityID: "entity-1", Visibility: 55, RecordedAt: time.Now(),
	})

	issues, err := detector.Detect(ctx, testEntity())
	require.NoError(t, err)
	require.Len(t, issues, 2)

	types := []store.IssueType{issues[0].Type, issues[1].Type}
	assert.Contains(t, types, store.IssueTypeMissingSchema)
	assert.Contains(t, types, store.IssueTypeLowVisibility)
}
