package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
)

// Entity is a monitored web property.
type Entity struct {
	ID        string    `json:"id"         gorm:"primaryKey"`
	Domain    string    `json:"domain"     gorm:"uniqueIndex"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"     gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for the Entity model.
func (Entity) TableName() string {
	return "entities"
}

// Measurement is a point-in-time visibility score for an entity.
type Measurement struct {
	ID         string    `json:"id"          gorm:"primaryKey"`
	EntityID   string    `json:"entity_id"   gorm:"index"`
	Visibility float64   `json:"visibility"`
	RecordedAt time.Time `json:"recorded_at" gorm:"index"`
}

// TableName returns the table name for the Measurement model.
func (Measurement) TableName() string {
	return "measurements"
}

// EntityRepository defines read access to monitored entities.
type EntityRepository interface {
	GetByID(ctx context.Context, id string) (*Entity, error)
	ListActive(ctx context.Context) ([]*Entity, error)
}

// MeasurementRepository defines read access to historical measurements.
type MeasurementRepository interface {
	// ListRecent returns up to limit measurements for an entity, newest first.
	// An entity with no measurements yields an empty slice, not an error.
	ListRecent(ctx context.Context, entityID string, limit int) ([]*Measurement, error)

	// Latest returns the newest measurement, or ErrNotFound when none exist.
	Latest(ctx context.Context, entityID string) (*Measurement, error)
}

// PGEntityRepository is the PostgreSQL implementation of EntityRepository.
type PGEntityRepository struct {
	pool pool.Pool
}

// NewEntityRepository creates an entity repository. A nil pool falls back to
// an empty in-memory repository.
func NewEntityRepository(_ context.Context, p pool.Pool) EntityRepository {
	if p != nil {
		return &PGEntityRepository{pool: p}
	}
	return NewMemoryEntityRepository()
}

func (r *PGEntityRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// GetByID retrieves an entity by ID.
func (r *PGEntityRepository) GetByID(ctx context.Context, id string) (*Entity, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var entity Entity
	if err := db.First(&entity, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &entity, nil
}

// ListActive lists all active entities.
func (r *PGEntityRepository) ListActive(ctx context.Context) ([]*Entity, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var entities []*Entity
	if err := db.Where("active = ?", true).Find(&entities).Error; err != nil {
		return nil, err
	}
	return entities, nil
}

// PGMeasurementRepository is the PostgreSQL implementation of MeasurementRepository.
type PGMeasurementRepository struct {
	pool pool.Pool
}

// NewMeasurementRepository creates a measurement repository.
func NewMeasurementRepository(_ context.Context, p pool.Pool) MeasurementRepository {
	if p != nil {
		return &PGMeasurementRepository{pool: p}
	}
	return NewMemoryMeasurementRepository()
}

func (r *PGMeasurementRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// ListRecent returns up to limit measurements for an entity, newest first.
func (r *PGMeasurementRepository) ListRecent(
	ctx context.Context,
	entityID string,
	limit int,
) ([]*Measurement, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var measurements []*Measurement
	err := db.Where("entity_id = ?", entityID).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&measurements).Error
	if err != nil {
		return nil, err
	}
	return measurements, nil
}

// Latest returns the newest measurement for an entity.
func (r *PGMeasurementRepository) Latest(ctx context.Context, entityID string) (*Measurement, error) {
	measurements, err := r.ListRecent(ctx, entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(measurements) == 0 {
		return nil, fmt.Errorf("measurement for entity %s: %w", entityID, ErrNotFound)
	}
	return measurements[0], nil
}

// MemoryEntityRepository is an in-memory entity repository for testing.
type MemoryEntityRepository struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewMemoryEntityRepository creates an empty in-memory entity repository.
func NewMemoryEntityRepository() *MemoryEntityRepository {
	return &MemoryEntityRepository{entities: make(map[string]*Entity)}
}

// Add stores an entity.
func (r *MemoryEntityRepository) Add(entity *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entity.ID] = entity
}

// GetByID retrieves an entity by ID.
func (r *MemoryEntityRepository) GetByID(_ context.Context, id string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return entity, nil
}

// ListActive lists all active entities.
func (r *MemoryEntityRepository) ListActive(_ context.Context) ([]*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Entity
	for _, entity := range r.entities {
		if entity.Active {
			result = append(result, entity)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemoryMeasurementRepository is an in-memory measurement repository for testing.
type MemoryMeasurementRepository struct {
	mu           sync.RWMutex
	measurements map[string][]*Measurement
}

// NewMemoryMeasurementRepository creates an empty in-memory measurement repository.
func NewMemoryMeasurementRepository() *MemoryMeasurementRepository {
	return &MemoryMeasurementRepository{measurements: make(map[string][]*Measurement)}
}

// Add stores a measurement.
func (r *MemoryMeasurementRepository) Add(m *Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements[m.EntityID] = append(r.measurements[m.EntityID], m)
}

// ListRecent returns up to limit measurements for an entity, newest first.
func (r *MemoryMeasurementRepository) ListRecent(
	_ context.Context,
	entityID string,
	limit int,
) ([]*Measurement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := append([]*Measurement(nil), r.measurements[entityID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].RecordedAt.After(all[j].RecordedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Latest returns the newest measurement for an entity.
func (r *MemoryMeasurementRepository) Latest(ctx context.Context, entityID string) (*Measurement, error) {
	measurements, err := r.ListRecent(ctx, entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(measurements) == 0 {
		return nil, fmt.Errorf("measurement for entity %s: %w", entityID, ErrNotFound)
	}
	return measurements[0], nil
}
