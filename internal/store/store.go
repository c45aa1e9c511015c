// Package store persists license rows and provides the per-code exclusive
// hold the binding transition depends on. Two implementations share one
// interface: Postgres (production, transactional row locks) and an in-memory
// arena of per-code mutexes (development and tests). Locking a code blocks
// other lockers of the same code only; codes never contend with each other.
package store

import (
	"context"
	"errors"
	"time"

	"licensegate/internal/license"
)

var (
	// ErrNotFound is returned when no license row matches the lookup key.
	ErrNotFound = errors.New("store: license not found")
	// ErrDuplicateCode is returned when provisioning collides with an
	// existing code. Callers retry with a fresh code.
	ErrDuplicateCode = errors.New("store: license code already exists")
)

// Store is the durable keyed license store.
type Store interface {
	// LockByCode begins a transaction holding an exclusive lock on the row
	// for code. The lock wait is time-bounded so a stalled holder cannot
	// starve later contenders.
	LockByCode(ctx context.Context, code string) (Tx, error)

	// LockByFingerprint is the same lock class keyed by device fingerprint,
	// used by the device check-in path where a state flip may occur.
	LockByFingerprint(ctx context.Context, fingerprint string) (Tx, error)

	// ReadByCode returns the license for code without locking.
	ReadByCode(ctx context.Context, code string) (*license.License, error)

	// MarkExpired flips status to expired outside any held transaction.
	MarkExpired(ctx context.Context, code string) error

	// RefreshMetadata merges metadata per-field (COALESCE) and refreshes the
	// last-seen IP and updated_at, outside any held transaction. Concurrent
	// refreshes are commutative per field and need no serialization.
	RefreshMetadata(ctx context.Context, code string, meta license.Metadata, ip string) error

	// Create inserts a fresh pending license row.
	Create(ctx context.Context, code string, expiresAt time.Time) (*license.License, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Tx is a transaction holding the exclusive per-code lock. Exactly one of
// Commit or Rollback must be called; Rollback after Commit is a no-op, so
// `defer tx.Rollback(ctx)` is always safe.
type Tx interface {
	// License returns the row as read under the lock.
	License() *license.License

	// Bind applies the one-time device binding: device id, fingerprint,
	// metadata as provided (absent fields stay null), requester IP,
	// status=active, activated_at=now.
	Bind(ctx context.Context, deviceID, fingerprint string, meta license.Metadata, ip string, now time.Time) error

	// MarkExpired flips status to expired within the transaction.
	MarkExpired(ctx context.Context) error

	// Refresh merges metadata per-field and refreshes IP and updated_at
	// within the transaction.
	Refresh(ctx context.Context, meta license.Metadata, ip string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
