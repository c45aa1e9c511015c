package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"licensegate/internal/license"
)

// Memory implements Store on an in-process map guarded by an arena of
// per-code locks. It backs development mode and tests, and doubles as the
// reference implementation of the locking contract: one lock per code, never
// a global one, acquired with a context-bounded wait and evicted when idle.
type Memory struct {
	mu    sync.Mutex
	rows  map[string]*license.License
	locks map[string]*codeLock

	// now is replaceable in tests.
	now func() time.Time
}

type codeLock struct {
	ch      chan struct{}
	waiters int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows:  make(map[string]*license.License),
		locks: make(map[string]*codeLock),
		now:   time.Now,
	}
}

// acquire takes the exclusive lock for code, waiting at most until ctx is
// done. Idle locks are removed from the arena once the last waiter leaves.
func (m *Memory) acquire(ctx context.Context, code string) (*codeLock, error) {
	m.mu.Lock()
	l, ok := m.locks[code]
	if !ok {
		l = &codeLock{ch: make(chan struct{}, 1)}
		m.locks[code] = l
	}
	l.waiters++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		m.releaseWaiter(code, l)
		return nil, fmt.Errorf("store: lock wait for %s: %w", code, ctx.Err())
	}
}

func (m *Memory) release(code string, l *codeLock) {
	<-l.ch
	m.releaseWaiter(code, l)
}

func (m *Memory) releaseWaiter(code string, l *codeLock) {
	m.mu.Lock()
	l.waiters--
	if l.waiters == 0 {
		delete(m.locks, code)
	}
	m.mu.Unlock()
}

// LockByCode locks the license for code and returns a transaction over a
// working copy of the row.
func (m *Memory) LockByCode(ctx context.Context, code string) (Tx, error) {
	l, err := m.acquire(ctx, code)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	row, ok := m.rows[code]
	var working *license.License
	if ok {
		working = cloneLicense(row)
	}
	m.mu.Unlock()

	if !ok {
		m.release(code, l)
		return nil, ErrNotFound
	}

	return &memTx{store: m, code: code, lock: l, lic: working}, nil
}

// LockByFingerprint resolves the code bound to fingerprint, then takes the
// same per-code lock as LockByCode. When a device holds several bindings the
// oldest one wins, with the code as tie-break. The binding is re-checked
// after the lock is held because it may have changed while waiting.
func (m *Memory) LockByFingerprint(ctx context.Context, fingerprint string) (Tx, error) {
	m.mu.Lock()
	code := ""
	var oldest *license.License
	for _, row := range m.rows {
		if !row.BoundTo(fingerprint) {
			continue
		}
		if oldest == nil ||
			row.CreatedAt.Before(oldest.CreatedAt) ||
			(row.CreatedAt.Equal(oldest.CreatedAt) && row.Code < oldest.Code) {
			oldest = row
		}
	}
	if oldest != nil {
		code = oldest.Code
	}
	m.mu.Unlock()

	if code == "" {
		return nil, ErrNotFound
	}

	tx, err := m.LockByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !tx.License().BoundTo(fingerprint) {
		_ = tx.Rollback(ctx)
		return nil, ErrNotFound
	}
	return tx, nil
}

// ReadByCode returns a copy of the license for code without locking.
func (m *Memory) ReadByCode(ctx context.Context, code string) (*license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[code]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLicense(row), nil
}

// MarkExpired flips status to expired outside any held transaction.
func (m *Memory) MarkExpired(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[code]
	if !ok {
		return ErrNotFound
	}
	row.Status = license.StatusExpired
	row.UpdatedAt = m.now()
	return nil
}

// RefreshMetadata merges metadata per-field outside any held transaction.
func (m *Memory) RefreshMetadata(ctx context.Context, code string, meta license.Metadata, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[code]
	if !ok {
		return ErrNotFound
	}
	row.Metadata.Merge(meta)
	if ip != "" {
		row.LastIP = &ip
	}
	row.UpdatedAt = m.now()
	return nil
}

// Create inserts a fresh pending license row.
func (m *Memory) Create(ctx context.Context, code string, expiresAt time.Time) (*license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[code]; exists {
		return nil, ErrDuplicateCode
	}

	now := m.now()
	row := &license.License{
		Code:      code,
		Status:    license.StatusPending,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.rows[code] = row
	return cloneLicense(row), nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// memTx operates on a working copy and records each mutation for replay onto
// the live row at Commit. Lock-free writes (MarkExpired, RefreshMetadata) may
// land while the lock is held; replaying only the transaction's own mutations
// keeps them, where a snapshot write-back would erase them.
type memTx struct {
	store *Memory
	code  string
	lock  *codeLock
	lic   *license.License
	muts  []func(*license.License)
	done  bool
}

func (t *memTx) License() *license.License {
	return t.lic
}

// apply runs mut on the working copy now and queues it for the live row.
func (t *memTx) apply(mut func(*license.License)) {
	mut(t.lic)
	t.muts = append(t.muts, mut)
}

func (t *memTx) Bind(ctx context.Context, deviceID, fingerprint string, meta license.Metadata, ip string, now time.Time) error {
	t.apply(func(l *license.License) {
		id, fp := deviceID, fingerprint
		l.DeviceID = &id
		l.DeviceFingerprint = &fp
		l.Metadata = meta
		if ip != "" {
			addr := ip
			l.LastIP = &addr
		}
		l.Status = license.StatusActive
		activatedAt := now
		l.ActivatedAt = &activatedAt
		l.UpdatedAt = now
	})
	return nil
}

func (t *memTx) MarkExpired(ctx context.Context) error {
	now := t.store.now()
	t.apply(func(l *license.License) {
		l.Status = license.StatusExpired
		l.UpdatedAt = now
	})
	return nil
}

func (t *memTx) Refresh(ctx context.Context, meta license.Metadata, ip string) error {
	now := t.store.now()
	t.apply(func(l *license.License) {
		l.Metadata.Merge(meta)
		if ip != "" {
			addr := ip
			l.LastIP = &addr
		}
		l.UpdatedAt = now
	})
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	if row, ok := t.store.rows[t.code]; ok {
		for _, mut := range t.muts {
			mut(row)
		}
	}
	t.store.mu.Unlock()

	t.store.release(t.code, t.lock)
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.release(t.code, t.lock)
	return nil
}

func cloneLicense(l *license.License) *license.License {
	c := *l
	c.DeviceID = clonePtr(l.DeviceID)
	c.DeviceFingerprint = clonePtr(l.DeviceFingerprint)
	c.LastIP = clonePtr(l.LastIP)
	c.Metadata = license.Metadata{
		SystemVersion: clonePtr(l.Metadata.SystemVersion),
		Model:         clonePtr(l.Metadata.Model),
		IDFV:          clonePtr(l.Metadata.IDFV),
		SerialNumber:  clonePtr(l.Metadata.SerialNumber),
		UUID:          clonePtr(l.Metadata.UUID),
		MACAddress:    clonePtr(l.Metadata.MACAddress),
	}
	if l.ActivatedAt != nil {
		t := *l.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
