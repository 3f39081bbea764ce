package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

// VerificationStatus is the lifecycle state of a verification record.
type VerificationStatus string

const (
	// VerificationStatusScheduled marks a record waiting for its due time.
	VerificationStatusScheduled VerificationStatus = "scheduled"

	// VerificationStatusEvaluated marks a record the evaluator has written.
	// Evaluation happens exactly once; a negative outcome is terminal for
	// the record.
	VerificationStatusEvaluated VerificationStatus = "evaluated"
)

// Verification is the durable due-time record for re-measuring an entity
// after a deployment.
type Verification struct {
	ID           string        `json:"id"             gorm:"primaryKey"`
	DeploymentID string        `json:"deployment_id"  gorm:"index"`
	IssueID      string        `json:"issue_id"       gorm:"index"`
	EntityID     string        `json:"entity_id"      gorm:"index"`
	Domain       string        `json:"domain"`
	FixType      FixActionType `json:"fix_type"`

	// EstimatedGain and VersionID are copied from the fix and deployment at
	// schedule time so the evaluator's outcome notifications carry them
	// without re-reading either record.
	EstimatedGain float64 `json:"estimated_gain"`
	VersionID     string  `json:"version_id,omitempty"`

	ScheduledFor time.Time          `json:"scheduled_for"  gorm:"index"`
	EvaluatedAt  *time.Time         `json:"evaluated_at,omitempty"`
	BeforeScore  float64            `json:"before_score"`
	AfterScore   *float64           `json:"after_score,omitempty"`
	ChecksPassed bool               `json:"checks_passed"`
	Verified     bool               `json:"verified"`
	Status       VerificationStatus `json:"status"         gorm:"index"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// TableName returns the table name for the Verification model.
func (Verification) TableName() string {
	return "verifications"
}

// VerificationRepository defines verification record persistence.
type VerificationRepository interface {
	Create(ctx context.Context, verification *Verification) error
	GetByID(ctx context.Context, id string) (*Verification, error)

	// ListDue returns scheduled records whose due time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Verification, error)

	// Complete writes the evaluation outcome. The record is written exactly
	// once: a second completion attempt returns completed=false.
	Complete(ctx context.Context, id string, afterScore float64, checksPassed, verified bool) (bool, error)

	// ExistsOpenForDeployment reports whether the deployment already has an
	// unevaluated verification record.
	ExistsOpenForDeployment(ctx context.Context, deploymentID string) (bool, error)

	// ExistsOpenForIssue reports whether the issue has a verification still
	// waiting to be evaluated.
	ExistsOpenForIssue(ctx context.Context, issueID string) (bool, error)
}

// PGVerificationRepository is the PostgreSQL implementation of VerificationRepository.
type PGVerificationRepository struct {
	pool pool.Pool
}

// NewVerificationRepository creates a verification repository.
func NewVerificationRepository(_ context.Context, p pool.Pool) VerificationRepository {
	if p != nil {
		return &PGVerificationRepository{pool: p}
	}
	return NewMemoryVerificationRepository()
}

func (r *PGVerificationRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Create stores a new scheduled verification record.
func (r *PGVerificationRepository) Create(ctx context.Context, verification *Verification) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	if verification.ID == "" {
		verification.ID = xid.New().String()
	}
	verification.Status = VerificationStatusScheduled
	verification.CreatedAt = time.Now()
	verification.UpdatedAt = time.Now()
	return db.Create(verification).Error
}

// GetByID retrieves a verification record by ID.
func (r *PGVerificationRepository) GetByID(ctx context.Context, id string) (*Verification, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var verification Verification
	if err := db.First(&verification, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("verification %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &verification, nil
}

// ListDue returns scheduled records whose due time has passed.
func (r *PGVerificationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*Verification, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var verifications []*Verification
	err := db.Where("status = ? AND scheduled_for <= ?", VerificationStatusScheduled, now).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&verifications).Error
	if err != nil {
		return nil, err
	}
	return verifications, nil
}

// Complete writes the evaluation outcome exactly once.
func (r *PGVerificationRepository) Complete(
	ctx context.Context,
	id string,
	afterScore float64,
	checksPassed, verified bool,
) (bool, error) {
	db := r.db(ctx, false)
	if db == nil {
		return false, ErrDatabaseUnavailable
	}

	now := time.Now()
	res := db.Model(&Verification{}).
		Where("id = ? AND status = ?", id, VerificationStatusScheduled).
		Updates(map[string]interface{}{
			"status":        VerificationStatusEvaluated,
			"after_score":   &afterScore,
			"checks_passed": checksPassed,
			"verified":      verified,
			"evaluated_at":  &now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExistsOpenForDeployment reports whether the deployment has an unevaluated record.
func (r *PGVerificationRepository) ExistsOpenForDeployment(ctx context.Context, deploymentID string) (bool, error) {
	db := r.db(ctx, true)
	if db == nil {
		return false, ErrDatabaseUnavailable
	}

	var count int64
	err := db.Model(&Verification{}).
		Where("deployment_id = ? AND status = ?", deploymentID, VerificationStatusScheduled).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ExistsOpenForIssue reports whether the issue has an unevaluated record.
func (r *PGVerificationRepository) ExistsOpenForIssue(ctx context.Context, issueID string) (bool, error) {
	db := r.db(ctx, true)
	if db == nil {
		return false, ErrDatabaseUnavailable
	}

	var count int64
	err := db.Model(&Verification{}).
		Where("issue_id = ? AND status = ?", issueID, VerificationStatusScheduled).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MemoryVerificationRepository is an in-memory verification repository for testing.
type MemoryVerificationRepository struct {
	mu            sync.Mutex
	verifications map[string]*Verification
}

// NewMemoryVerificationRepository creates an empty in-memory verification repository.
func NewMemoryVerificationRepository() *MemoryVerificationRepository {
	return &MemoryVerificationRepository{verifications: make(map[string]*Verification)}
}

// Create stores a new scheduled verification record.
func (r *MemoryVerificationRepository) Create(_ context.Context, verification *Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if verification.ID == "" {
		verification.ID = xid.New().String()
	}
	verification.Status = VerificationStatusScheduled
	verification.CreatedAt = time.Now()
	verification.UpdatedAt = time.Now()
	stored := *verification
	r.verifications[verification.ID] = &stored
	return nil
}

// GetByID retrieves a verification record by ID.
func (r *MemoryVerificationRepository) GetByID(_ context.Context, id string) (*Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	verification, ok := r.verifications[id]
	if !ok {
		return nil, fmt.Errorf("verification %s: %w", id, ErrNotFound)
	}
	copied := *verification
	return &copied, nil
}

// ListDue returns scheduled records whose due time has passed.
func (r *MemoryVerificationRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Verification
	for _, verification := range r.verifications {
		if verification.Status == VerificationStatusScheduled && !verification.ScheduledFor.After(now) {
			copied := *verification
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScheduledFor.Before(result[j].ScheduledFor) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Complete writes the evaluation outcome exactly once.
func (r *MemoryVerificationRepository) Complete(
	_ context.Context,
	id string,
	afterScore float64,
	checksPassed, verified bool,
) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	verification, ok := r.verifications[id]
	if !ok {
		return false, fmt.Errorf("verification %s: %w", id, ErrNotFound)
	}
	if verification.Status != VerificationStatusScheduled {
		return false, nil
	}
	now := time.Now()
	verification.Status = VerificationStatusEvaluated
	verification.AfterScore = &afterScore
	verification.ChecksPassed = checksPassed
	verification.Verified = verified
	verification.EvaluatedAt = &now
	verification.UpdatedAt = now
	return true, nil
}

// ExistsOpenForDeployment reports whether the deployment has an unevaluated record.
func (r *MemoryVerificationRepository) ExistsOpenForDeployment(_ context.Context, deploymentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, verification := range r.verifications {
		if verification.DeploymentID == deploymentID && verification.Status == VerificationStatusScheduled {
			return true, nil
		}
	}
	return false, nil
}

// ExistsOpenForIssue reports whether the issue has an unevaluated record.
func (r *MemoryVerificationRepository) ExistsOpenForIssue(_ context.Context, issueID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, verification := range r.verifications {
		if verification.IssueID == issueID && verification.Status == VerificationStatusScheduled {
			return true, nil
		}
	}
	return false, nil
}
