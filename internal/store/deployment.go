package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeploymentStatus is the lifecycle state of a deployment record.
type DeploymentStatus string

// DefaultPendingTakeoverAge bounds how long a pending record defends its
// dedupe key. A worker that dies between reserving and marking leaves the
// record pending forever; past this age the row is treated like a failed
// one and a retry may take it over.
const DefaultPendingTakeoverAge = 10 * time.Minute

const (
	// DeploymentStatusPending marks a record whose mutation call is in flight.
	DeploymentStatusPending DeploymentStatus = "pending"

	// DeploymentStatusDeployed marks a successfully applied mutation.
	DeploymentStatusDeployed DeploymentStatus = "deployed"

	// DeploymentStatusFailed marks a mutation that did not apply. Failed
	// records do not block a later retry with the same dedupe key.
	DeploymentStatusFailed DeploymentStatus = "failed"
)

// Deployment records one attempt to apply a fix against the mutation
// endpoint. The dedupe key has a unique index: reserving it is the atomic
// check-and-insert that makes deployment idempotent under concurrent
// writers.
type Deployment struct {
	ID                string           `json:"id"                  gorm:"primaryKey"`
	FixID             string           `json:"fix_id"              gorm:"index"`
	IssueID           string           `json:"issue_id"            gorm:"index"`
	EntityID          string           `json:"entity_id"           gorm:"index"`
	Domain            string           `json:"domain"`
	DedupeKey         string           `json:"dedupe_key"          gorm:"uniqueIndex"`
	ExternalVersionID string           `json:"external_version_id,omitempty"`
	Status            DeploymentStatus `json:"status"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	DeployedAt        *time.Time       `json:"deployed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// TableName returns the table name for the Deployment model.
func (Deployment) TableName() string {
	return "deployments"
}

// DeploymentRepository defines deployment persistence.
type DeploymentRepository interface {
	// Reserve claims the dedupe key with a pending record. When an active
	// (deployed, or recently pending) record already holds the key, that
	// record is returned with created=false and the caller must not deploy.
	// A failed record, or a pending one older than the takeover age, is
	// taken over in place for the retry.
	Reserve(ctx context.Context, deployment *Deployment) (*Deployment, bool, error)

	// MarkDeployed appends the terminal deployed status and version ID.
	MarkDeployed(ctx context.Context, id, externalVersionID string) error

	// MarkFailed appends the terminal failed status.
	MarkFailed(ctx context.Context, id, errorMessage string) error

	GetByID(ctx context.Context, id string) (*Deployment, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (*Deployment, error)

	// ExistsInFlightForIssue reports whether the issue has a pending
	// deployment attempt young enough to still be live.
	ExistsInFlightForIssue(ctx context.Context, issueID string) (bool, error)
}

// takeoverEligible reports whether an existing record no longer defends
// its dedupe key: failed records are always retryable, pending ones only
// while their writer could still be alive.
func takeoverEligible(d *Deployment, pendingAge time.Duration) bool {
	if d.Status == DeploymentStatusFailed {
		return true
	}
	return d.Status == DeploymentStatusPending && time.Since(d.UpdatedAt) > pendingAge
}

// PGDeploymentRepository is the PostgreSQL implementation of DeploymentRepository.
type PGDeploymentRepository struct {
	pool pool.Pool

	// PendingTakeoverAge is how long a pending record blocks its dedupe key.
	PendingTakeoverAge time.Duration
}

// NewDeploymentRepository creates a deployment repository.
func NewDeploymentRepository(_ context.Context, p pool.Pool) DeploymentRepository {
	if p != nil {
		return &PGDeploymentRepository{pool: p, PendingTakeoverAge: DefaultPendingTakeoverAge}
	}
	return NewMemoryDeploymentRepository()
}

func (r *PGDeploymentRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Reserve claims the dedupe key with a pending record.
func (r *PGDeploymentRepository) Reserve(
	ctx context.Context,
	deployment *Deployment,
) (*Deployment, bool, error) {
	db := r.db(ctx, false)
	if db == nil {
		return nil, false, ErrDatabaseUnavailable
	}

	if deployment.ID == "" {
		deployment.ID = xid.New().String()
	}
	deployment.Status = DeploymentStatusPending
	deployment.CreatedAt = time.Now()
	deployment.UpdatedAt = time.Now()

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(deployment)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return deployment, true, nil
	}

	existing, err := r.GetByDedupeKey(ctx, deployment.DedupeKey)
	if err != nil {
		return nil, false, err
	}

	if !takeoverEligible(existing, r.PendingTakeoverAge) {
		// Active record already holds the key: idempotent no-op.
		return existing, false, nil
	}

	// Take over the failed or orphaned record for this retry. The status
	// guard keeps two racing sweeps from both claiming it.
	staleBefore := time.Now().Add(-r.PendingTakeoverAge)
	takeover := db.Model(&Deployment{}).
		Where(
			"dedupe_key = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			deployment.DedupeKey, DeploymentStatusFailed, DeploymentStatusPending, staleBefore,
		).
		Updates(map[string]interface{}{
			"fix_id":        deployment.FixID,
			"issue_id":      deployment.IssueID,
			"status":        DeploymentStatusPending,
			"error_message": "",
			"updated_at":    time.Now(),
		})
	if takeover.Error != nil {
		return nil, false, takeover.Error
	}
	if takeover.RowsAffected == 0 {
		existing, err = r.GetByDedupeKey(ctx, deployment.DedupeKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	claimed, err := r.GetByDedupeKey(ctx, deployment.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return claimed, true, nil
}

// MarkDeployed appends the terminal deployed status and version ID.
func (r *PGDeploymentRepository) MarkDeployed(ctx context.Context, id, externalVersionID string) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	now := time.Now()
	return db.Model(&Deployment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":              DeploymentStatusDeployed,
		"external_version_id": externalVersionID,
		"deployed_at":         &now,
		"updated_at":          now,
	}).Error
}

// MarkFailed appends the terminal failed status.
func (r *PGDeploymentRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&Deployment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        DeploymentStatusFailed,
		"error_message": errorMessage,
		"updated_at":    time.Now(),
	}).Error
}

// GetByID retrieves a deployment by ID.
func (r *PGDeploymentRepository) GetByID(ctx context.Context, id string) (*Deployment, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var deployment Deployment
	if err := db.First(&deployment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &deployment, nil
}

// GetByDedupeKey retrieves a deployment by its dedupe key.
func (r *PGDeploymentRepository) GetByDedupeKey(ctx context.Context, dedupeKey string) (*Deployment, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var deployment Deployment
	if err := db.First(&deployment, "dedupe_key = ?", dedupeKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deployment with key %s: %w", dedupeKey, ErrNotFound)
		}
		return nil, err
	}
	return &deployment, nil
}

// ExistsInFlightForIssue reports whether the issue has a live pending
// deployment. Orphaned pending records past the takeover age do not count;
// they would otherwise wedge the issue out of every later sweep.
func (r *PGDeploymentRepository) ExistsInFlightForIssue(ctx context.Context, issueID string) (bool, error) {
	db := r.db(ctx, true)
	if db == nil {
		return false, ErrDatabaseUnavailable
	}

	var count int64
	err := db.Model(&Deployment{}).
		Where(
			"issue_id = ? AND status = ? AND updated_at >= ?",
			issueID, DeploymentStatusPending, time.Now().Add(-r.PendingTakeoverAge),
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MemoryDeploymentRepository is an in-memory deployment repository for testing.
type MemoryDeploymentRepository struct {
	mu    sync.Mutex
	byID  map[string]*Deployment
	byKey map[string]*Deployment

	// PendingTakeoverAge is how long a pending record blocks its dedupe key.
	PendingTakeoverAge time.Duration
}

// NewMemoryDeploymentRepository creates an empty in-memory deployment repository.
func NewMemoryDeploymentRepository() *MemoryDeploymentRepository {
	return &MemoryDeploymentRepository{
		byID:               make(map[string]*Deployment),
		byKey:              make(map[string]*Deployment),
		PendingTakeoverAge: DefaultPendingTakeoverAge,
	}
}

// Reserve claims the dedupe key with a pending record.
func (r *MemoryDeploymentRepository) Reserve(
	_ context.Context,
	deployment *Deployment,
) (*Deployment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[deployment.DedupeKey]; ok {
		if !takeoverEligible(existing, r.PendingTakeoverAge) {
			copied := *existing
			return &copied, false, nil
		}
		existing.FixID = deployment.FixID
		existing.IssueID = deployment.IssueID
		existing.Status = DeploymentStatusPending
		existing.ErrorMessage = ""
		existing.UpdatedAt = time.Now()
		copied := *existing
		return &copied, true, nil
	}

	if deployment.ID == "" {
		deployment.ID = xid.New().String()
	}
	deployment.Status = DeploymentStatusPending
	deployment.CreatedAt = time.Now()
	deployment.UpdatedAt = time.Now()
	stored := *deployment
	r.byID[stored.ID] = &stored
	r.byKey[stored.DedupeKey] = &stored
	copied := stored
	return &copied, true, nil
}

// MarkDeployed appends the terminal deployed status and version ID.
func (r *MemoryDeploymentRepository) MarkDeployed(_ context.Context, id, externalVersionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	deployment, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	now := time.Now()
	deployment.Status = DeploymentStatusDeployed
	deployment.ExternalVersionID = externalVersionID
	deployment.DeployedAt = &now
	deployment.UpdatedAt = now
	return nil
}

// MarkFailed appends the terminal failed status.
func (r *MemoryDeploymentRepository) MarkFailed(_ context.Context, id, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	deployment, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	deployment.Status = DeploymentStatusFailed
	deployment.ErrorMessage = errorMessage
	deployment.UpdatedAt = time.Now()
	return nil
}

// GetByID retrieves a deployment by ID.
func (r *MemoryDeploymentRepository) GetByID(_ context.Context, id string) (*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deployment, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	copied := *deployment
	return &copied, nil
}

// GetByDedupeKey retrieves a deployment by its dedupe key.
func (r *MemoryDeploymentRepository) GetByDedupeKey(_ context.Context, dedupeKey string) (*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deployment, ok := r.byKey[dedupeKey]
	if !ok {
		return nil, fmt.Errorf("deployment with key %s: %w", dedupeKey, ErrNotFound)
	}
	copied := *deployment
	return &copied, nil
}

// ExistsInFlightForIssue reports whether the issue has a live pending deployment.
func (r *MemoryDeploymentRepository) ExistsInFlightForIssue(_ context.Context, issueID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, deployment := range r.byID {
		if deployment.IssueID == issueID &&
			deployment.Status == DeploymentStatusPending &&
			time.Since(deployment.UpdatedAt) <= r.PendingTakeoverAge {
			return true, nil
		}
	}
	return false, nil
}
