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

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Approval holds a low-confidence fix awaiting a human decision.
// A request has exactly one terminal transition.
type Approval struct {
	ID        string         `json:"id"         gorm:"primaryKey"`
	FixID     string         `json:"fix_id"     gorm:"index"`
	IssueID   string         `json:"issue_id"   gorm:"index"`
	EntityID  string         `json:"entity_id"  gorm:"index"`
	Domain    string         `json:"domain"`
	Status    ApprovalStatus `json:"status"     gorm:"index"`
	QueuedAt  time.Time      `json:"queued_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`
}

// TableName returns the table name for the Approval model.
func (Approval) TableName() string {
	return "approvals"
}

// ApprovalRepository defines approval request persistence.
type ApprovalRepository interface {
	Create(ctx context.Context, approval *Approval) error
	GetByID(ctx context.Context, id string) (*Approval, error)
	ListByStatus(ctx context.Context, status ApprovalStatus) ([]*Approval, error)

	// Decide applies the terminal transition. When the request was already
	// decided, the stored record is returned with decided=false instead of
	// an error, so callers can report the existing decision.
	Decide(ctx context.Context, id string, status ApprovalStatus, decidedBy string) (*Approval, bool, error)

	// ExistsPendingForIssue reports whether the issue has a fix queued for
	// human review.
	ExistsPendingForIssue(ctx context.Context, issueID string) (bool, error)
}

// PGApprovalRepository is the PostgreSQL implementation of ApprovalRepository.
type PGApprovalRepository struct {
	pool pool.Pool
}

// NewApprovalRepository creates an approval repository.
func NewApprovalRepository(_ context.Context, p pool.Pool) ApprovalRepository {
	if p != nil {
		return &PGApprovalRepository{pool: p}
	}
	return NewMemoryApprovalRepository()
}

func (r *PGApprovalRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Create stores a new pending approval request.
func (r *PGApprovalRepository) Create(ctx context.Context, approval *Approval) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	if approval.ID == "" {
		approval.ID = xid.New().String()
	}
	approval.Status = ApprovalStatusPending
	if approval.QueuedAt.IsZero() {
		approval.QueuedAt = time.Now()
	}
	return db.Create(approval).Error
}

// GetByID retrieves an approval request by ID.
func (r *PGApprovalRepository) GetByID(ctx context.Context, id string) (*Approval, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var approval Approval
	if err := db.First(&approval, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &approval, nil
}

// ListByStatus lists approval requests with a specific status, oldest first.
func (r *PGApprovalRepository) ListByStatus(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var approvals []*Approval
	err := db.Where("status = ?", status).Order("queued_at ASC").Find(&approvals).Error
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// Decide applies the terminal transition.
func (r *PGApprovalRepository) Decide(
	ctx context.Context,
	id string,
	status ApprovalStatus,
	decidedBy string,
) (*Approval, bool, error) {
	db := r.db(ctx, false)
	if db == nil {
		return nil, false, ErrDatabaseUnavailable
	}

	now := time.Now()
	// The status guard makes the transition single-shot under concurrent
	// deciders.
	res := db.Model(&Approval{}).
		Where("id = ? AND status = ?", id, ApprovalStatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"decided_at": &now,
			"decided_by": decidedBy,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	approval, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return approval, res.RowsAffected > 0, nil
}

// ExistsPendingForIssue reports whether the issue has a pending approval.
func (r *PGApprovalRepository) ExistsPendingForIssue(ctx context.Context, issueID string) (bool, error) {
	db := r.db(ctx, true)
	if db == nil {
		return false, ErrDatabaseUnavailable
	}

	var count int64
	err := db.Model(&Approval{}).
		Where("issue_id = ? AND status = ?", issueID, ApprovalStatusPending).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MemoryApprovalRepository is an in-memory approval repository for testing.
type MemoryApprovalRepository struct {
	mu        sync.Mutex
	approvals map[string]*Approval
}

// NewMemoryApprovalRepository creates an empty in-memory approval repository.
func NewMemoryApprovalRepository() *MemoryApprovalRepository {
	return &MemoryApprovalRepository{approvals: make(map[string]*Approval)}
}

// Create stores a new pending approval request.
func (r *MemoryApprovalRepository) Create(_ context.Context, approval *Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if approval.ID == "" {
		approval.ID = xid.New().String()
	}
	approval.Status = ApprovalStatusPending
	if approval.QueuedAt.IsZero() {
		approval.QueuedAt = time.Now()
	}
	stored := *approval
	r.approvals[approval.ID] = &stored
	return nil
}

// GetByID retrieves an approval request by ID.
func (r *MemoryApprovalRepository) GetByID(_ context.Context, id string) (*Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	approval, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	copied := *approval
	return &copied, nil
}

// ListByStatus lists approval requests with a specific status, oldest first.
func (r *MemoryApprovalRepository) ListByStatus(_ context.Context, status ApprovalStatus) ([]*Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Approval
	for _, approval := range r.approvals {
		if approval.Status == status {
			copied := *approval
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QueuedAt.Before(result[j].QueuedAt) })
	return result, nil
}

// Decide applies the terminal transition.
func (r *MemoryApprovalRepository) Decide(
	_ context.Context,
	id string,
	status ApprovalStatus,
	decidedBy string,
) (*Approval, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	approval, ok := r.approvals[id]
	if !ok {
		return nil, false, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if approval.Status != ApprovalStatusPending {
		copied := *approval
		return &copied, false, nil
	}
	now := time.Now()
	approval.Status = status
	approval.DecidedAt = &now
	approval.DecidedBy = decidedBy
	copied := *approval
	return &copied, true, nil
}

// ExistsPendingForIssue reports whether the issue has a pending approval.
func (r *MemoryApprovalRepository) ExistsPendingForIssue(_ context.Context, issueID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, approval := range r.approvals {
		if approval.IssueID == issueID && approval.Status == ApprovalStatusPending {
			return true, nil
		}
	}
	return false, nil
}
