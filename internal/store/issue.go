package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

// IssueSeverity classifies how urgent an issue is.
type IssueSeverity string

const (
	IssueSeverityLow    IssueSeverity = "low"
	IssueSeverityMedium IssueSeverity = "medium"
	IssueSeverityHigh   IssueSeverity = "high"
)

// IssueType identifies the detection rule that produced an issue.
type IssueType string

const (
	IssueTypeMissingSchema       IssueType = "missing_schema"
	IssueTypeLowVisibility       IssueType = "low_visibility"
	IssueTypeConsensusDivergence IssueType = "consensus_divergence"
)

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	IssueStatusOpen     IssueStatus = "open"
	IssueStatusResolved IssueStatus = "resolved"
)

// Issue is a detected quality or visibility problem for an entity.
// Identity among open issues is (entity_id, type): re-detection refreshes
// the existing row instead of creating a duplicate.
type Issue struct {
	ID          string          `json:"id"          gorm:"primaryKey"`
	EntityID    string          `json:"entity_id"   gorm:"index:idx_issues_entity_type"`
	Domain      string          `json:"domain"`
	Type        IssueType       `json:"type"        gorm:"index:idx_issues_entity_type"`
	Severity    IssueSeverity   `json:"severity"`
	Description string          `json:"description"`
	Evidence    json.RawMessage `json:"evidence"    gorm:"type:jsonb"`
	Status      IssueStatus     `json:"status"      gorm:"index"`
	DetectedAt  time.Time       `json:"detected_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TableName returns the table name for the Issue model.
func (Issue) TableName() string {
	return "issues"
}

// IssueRepository defines issue persistence.
type IssueRepository interface {
	// Upsert stores a detected issue. When an open issue with the same
	// (entity, type) identity exists, its severity, description, evidence
	// and detection time are refreshed in place and the stored ID is
	// written back to the argument.
	Upsert(ctx context.Context, issue *Issue) error

	GetByID(ctx context.Context, id string) (*Issue, error)
	ListOpen(ctx context.Context, entityID string) ([]*Issue, error)

	// Resolve closes an issue after its fix verified successfully.
	Resolve(ctx context.Context, id string) error

	// Reopen makes a resolved issue eligible for detection again.
	Reopen(ctx context.Context, id string) error
}

// PGIssueRepository is the PostgreSQL implementation of IssueRepository.
type PGIssueRepository struct {
	pool pool.Pool
}

// NewIssueRepository creates an issue repository.
func NewIssueRepository(_ context.Context, p pool.Pool) IssueRepository {
	if p != nil {
		return &PGIssueRepository{pool: p}
	}
	return NewMemoryIssueRepository()
}

func (r *PGIssueRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Upsert stores a detected issue, refreshing an existing open one in place.
// The partial unique index on open (entity_id, type) backstops the
// read-then-write: a writer that loses the insert race refreshes the
// winner's row on a second pass.
func (r *PGIssueRepository) Upsert(ctx context.Context, issue *Issue) error {
	err := r.upsertOnce(ctx, issue)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return r.upsertOnce(ctx, issue)
	}
	return err
}

func (r *PGIssueRepository) upsertOnce(ctx context.Context, issue *Issue) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var existing Issue
		err := tx.Where(
			"entity_id = ? AND type = ? AND status = ?",
			issue.EntityID, issue.Type, IssueStatusOpen,
		).First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if issue.ID == "" {
				issue.ID = xid.New().String()
			}
			issue.Status = IssueStatusOpen
			issue.CreatedAt = time.Now()
			issue.UpdatedAt = time.Now()
			return tx.Create(issue).Error
		}
		if err != nil {
			return err
		}

		updateErr := tx.Model(&Issue{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"severity":    issue.Severity,
			"description": issue.Description,
			"evidence":    issue.Evidence,
			"detected_at": issue.DetectedAt,
			"updated_at":  time.Now(),
		}).Error
		if updateErr != nil {
			return updateErr
		}

		issue.ID = existing.ID
		return nil
	})
}

// GetByID retrieves an issue by ID.
func (r *PGIssueRepository) GetByID(ctx context.Context, id string) (*Issue, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var issue Issue
	if err := db.First(&issue, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &issue, nil
}

// ListOpen lists open issues for an entity.
func (r *PGIssueRepository) ListOpen(ctx context.Context, entityID string) ([]*Issue, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var issues []*Issue
	err := db.Where("entity_id = ? AND status = ?", entityID, IssueStatusOpen).
		Order("detected_at DESC").
		Find(&issues).Error
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// Resolve closes an issue.
func (r *PGIssueRepository) Resolve(ctx context.Context, id string) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	now := time.Now()
	return db.Model(&Issue{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      IssueStatusResolved,
		"resolved_at": &now,
		"updated_at":  now,
	}).Error
}

// Reopen makes a resolved issue open again.
func (r *PGIssueRepository) Reopen(ctx context.Context, id string) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&Issue{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      IssueStatusOpen,
		"resolved_at": nil,
		"updated_at":  time.Now(),
	}).Error
}

// MemoryIssueRepository is an in-memory issue repository for testing.
type MemoryIssueRepository struct {
	mu     sync.RWMutex
	issues map[string]*Issue
}

// NewMemoryIssueRepository creates an empty in-memory issue repository.
func NewMemoryIssueRepository() *MemoryIssueRepository {
	return &MemoryIssueRepository{issues: make(map[string]*Issue)}
}

// Upsert stores a detected issue, refreshing an existing open one in place.
func (r *MemoryIssueRepository) Upsert(_ context.Context, issue *Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.issues {
		if existing.EntityID == issue.EntityID &&
			existing.Type == issue.Type &&
			existing.Status == IssueStatusOpen {
			existing.Severity = issue.Severity
			existing.Description = issue.Description
			existing.Evidence = issue.Evidence
			existing.DetectedAt = issue.DetectedAt
			existing.UpdatedAt = time.Now()
			issue.ID = existing.ID
			return nil
		}
	}

	if issue.ID == "" {
		issue.ID = xid.New().String()
	}
	issue.Status = IssueStatusOpen
	issue.CreatedAt = time.Now()
	issue.UpdatedAt = time.Now()
	stored := *issue
	r.issues[issue.ID] = &stored
	return nil
}

// GetByID retrieves an issue by ID.
func (r *MemoryIssueRepository) GetByID(_ context.Context, id string) (*Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	issue, ok := r.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	copied := *issue
	return &copied, nil
}

// ListOpen lists open issues for an entity.
func (r *MemoryIssueRepository) ListOpen(_ context.Context, entityID string) ([]*Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Issue
	for _, issue := range r.issues {
		if issue.EntityID == entityID && issue.Status == IssueStatusOpen {
			copied := *issue
			result = append(result, &copied)
		}
	}
	return result, nil
}

// Resolve closes an issue.
func (r *MemoryIssueRepository) Resolve(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	now := time.Now()
	issue.Status = IssueStatusResolved
	issue.ResolvedAt = &now
	issue.UpdatedAt = now
	return nil
}

// Reopen makes a resolved issue open again.
func (r *MemoryIssueRepository) Reopen(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	issue.Status = IssueStatusOpen
	issue.ResolvedAt = nil
	issue.UpdatedAt = time.Now()
	return nil
}
