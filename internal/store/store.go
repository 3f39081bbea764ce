// Package store provides the persistent records the remediation pipeline
// operates on: monitored entities, their measurements and audits, detected
// issues, generated fixes, deployments, approvals and verifications.
//
// Each repository has a PostgreSQL implementation backed by the frame
// datastore pool and an in-memory implementation used in tests and when no
// database is configured.
package store

import "errors"

// Common repository errors.
var (
	// ErrDatabaseUnavailable is returned when the database connection is not available.
	ErrDatabaseUnavailable = errors.New("database connection is not available")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)
