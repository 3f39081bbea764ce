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

// FixActionType identifies the corrective action a fix applies.
type FixActionType string

const (
	FixActionSchemaInjection     FixActionType = "schema_injection"
	FixActionContentOptimization FixActionType = "content_optimization"
	FixActionInfoStandardization FixActionType = "information_standardization"
)

// Fix is a generated corrective action tied to exactly one issue.
// Rows are immutable: regeneration produces a new fix.
type Fix struct {
	ID            string          `json:"id"             gorm:"primaryKey"`
	IssueID       string          `json:"issue_id"       gorm:"index"`
	EntityID      string          `json:"entity_id"      gorm:"index"`
	Domain        string          `json:"domain"`
	ActionType    FixActionType   `json:"action_type"`
	Payload       json.RawMessage `json:"payload"        gorm:"type:jsonb"`
	Confidence    float64         `json:"confidence"`
	EstimatedGain float64         `json:"estimated_gain"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TableName returns the table name for the Fix model.
func (Fix) TableName() string {
	return "fixes"
}

// FixRepository defines fix persistence.
type FixRepository interface {
	Create(ctx context.Context, fix *Fix) error
	GetByID(ctx context.Context, id string) (*Fix, error)
}

// PGFixRepository is the PostgreSQL implementation of FixRepository.
type PGFixRepository struct {
	pool pool.Pool
}

// NewFixRepository creates a fix repository.
func NewFixRepository(_ context.Context, p pool.Pool) FixRepository {
	if p != nil {
		return &PGFixRepository{pool: p}
	}
	return NewMemoryFixRepository()
}

func (r *PGFixRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Create stores a new fix.
func (r *PGFixRepository) Create(ctx context.Context, fix *Fix) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	if fix.ID == "" {
		fix.ID = xid.New().String()
	}
	fix.CreatedAt = time.Now()
	return db.Create(fix).Error
}

// GetByID retrieves a fix by ID.
func (r *PGFixRepository) GetByID(ctx context.Context, id string) (*Fix, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var fix Fix
	if err := db.First(&fix, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fix %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &fix, nil
}

// MemoryFixRepository is an in-memory fix repository for testing.
type MemoryFixRepository struct {
	mu    sync.RWMutex
	fixes map[string]*Fix
}

// NewMemoryFixRepository creates an empty in-memory fix repository.
func NewMemoryFixRepository() *MemoryFixRepository {
	return &MemoryFixRepository{fixes: make(map[string]*Fix)}
}

// Create stores a new fix.
func (r *MemoryFixRepository) Create(_ context.Context, fix *Fix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fix.ID == "" {
		fix.ID = xid.New().String()
	}
	fix.CreatedAt = time.Now()
	stored := *fix
	r.fixes[fix.ID] = &stored
	return nil
}

// GetByID retrieves a fix by ID.
func (r *MemoryFixRepository) GetByID(_ context.Context, id string) (*Fix, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fix, ok := r.fixes[id]
	if !ok {
		return nil, fmt.Errorf("fix %s: %w", id, ErrNotFound)
	}
	copied := *fix
	return &copied, nil
}
