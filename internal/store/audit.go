package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

// AuditStatus is the status enum carried by every audit record.
type AuditStatus string

const (
	AuditStatusPending   AuditStatus = "pending"
	AuditStatusCompleted AuditStatus = "completed"
	AuditStatusFailed    AuditStatus = "failed"
)

// Audit record kinds produced by measurement crawlers.
const (
	AuditKindSchema      = "schema"
	AuditKindEntityGraph = "entity-graph"
	AuditKindConsensus   = "ai-consensus"
)

// Audit record kinds appended by the remediation pipeline.
const (
	AuditKindAutoFix               = "auto-fix"
	AuditKindAutoFixPending        = "auto-fix-pending"
	AuditKindVerificationScheduled = "verification-scheduled"
	AuditKindFixVerification       = "fix-verification"
)

// Audit is an append-only structured record attached to an entity.
type Audit struct {
	ID        string          `json:"id"         gorm:"primaryKey"`
	EntityID  string          `json:"entity_id"  gorm:"index"`
	Domain    string          `json:"domain"`
	Kind      string          `json:"kind"       gorm:"index"`
	Payload   json.RawMessage `json:"payload"    gorm:"type:jsonb"`
	Status    AuditStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at" gorm:"index"`
}

// TableName returns the table name for the Audit model.
func (Audit) TableName() string {
	return "audits"
}

// AuditRepository defines read access and append-only writes for audits.
type AuditRepository interface {
	// ListRecent returns up to limit audits for an entity, newest first.
	ListRecent(ctx context.Context, entityID string, limit int) ([]*Audit, error)

	// Append stores a new audit record. Records are never updated.
	Append(ctx context.Context, audit *Audit) error
}

// PGAuditRepository is the PostgreSQL implementation of AuditRepository.
type PGAuditRepository struct {
	pool pool.Pool
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(_ context.Context, p pool.Pool) AuditRepository {
	if p != nil {
		return &PGAuditRepository{pool: p}
	}
	return NewMemoryAuditRepository()
}

func (r *PGAuditRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// ListRecent returns up to limit audits for an entity, newest first.
func (r *PGAuditRepository) ListRecent(ctx context.Context, entityID string, limit int) ([]*Audit, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var audits []*Audit
	err := db.Where("entity_id = ?", entityID).
		Order("created_at DESC").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		return nil, err
	}
	return audits, nil
}

// Append stores a new audit record.
func (r *PGAuditRepository) Append(ctx context.Context, audit *Audit) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	if audit.ID == "" {
		audit.ID = xid.New().String()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	return db.Create(audit).Error
}

// MemoryAuditRepository is an in-memory audit repository for testing.
type MemoryAuditRepository struct {
	mu     sync.RWMutex
	audits map[string][]*Audit
}

// NewMemoryAuditRepository creates an empty in-memory audit repository.
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{audits: make(map[string][]*Audit)}
}

// ListRecent returns up to limit audits for an entity, newest first.
func (r *MemoryAuditRepository) ListRecent(_ context.Context, entityID string, limit int) ([]*Audit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := append([]*Audit(nil), r.audits[entityID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Append stores a new audit record.
func (r *MemoryAuditRepository) Append(_ context.Context, audit *Audit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if audit.ID == "" {
		audit.ID = xid.New().String()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	r.audits[audit.EntityID] = append(r.audits[audit.EntityID], audit)
	return nil
}
