package store

import (
	"context"

	"github.com/pitabwire/frame/datastore/pool"
)

// Migrate creates or updates the schema for every model in the store.
func Migrate(ctx context.Context, p pool.Pool) error {
	if p == nil {
		return nil
	}
	db := p.DB(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}
	err := db.AutoMigrate(
		&Entity{},
		&Measurement{},
		&Audit{},
		&Issue{},
		&Fix{},
		&Deployment{},
		&Approval{},
		&Verification{},
	)
	if err != nil {
		return err
	}

	// Issue identity is (entity_id, type) among open issues only; a plain
	// unique index would also reject re-detection after a resolve. The
	// partial index makes the store enforce it under concurrent upserts.
	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_identity
		 ON issues (entity_id, type) WHERE status = 'open'`,
	).Error
}
