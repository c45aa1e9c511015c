package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	return NewMemory()
}

func createPending(t *testing.T, m *Memory, code string, expiresAt time.Time) *license.License {
	t.Helper()
	lic, err := m.Create(context.Background(), code, expiresAt)
	require.NoError(t, err)
	return lic
}

func TestCreateAndRead(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(30 * 24 * time.Hour)

	created := createPending(t, m, "ABC123", expiresAt)
	assert.Equal(t, license.StatusPending, created.Status)
	assert.Nil(t, created.DeviceFingerprint)

	got, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.Code)
	assert.True(t, expiresAt.Equal(got.ExpiresAt))
}

func TestCreateDuplicateCode(t *testing.T) {
	m := newTestStore(t)
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	_, err := m.Create(context.Background(), "ABC123", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrDuplicateCode)
}

func TestReadByCodeNotFound(t *testing.T) {
	m := newTestStore(t)
	_, err := m.ReadByCode(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockByCodeNotFound(t *testing.T) {
	m := newTestStore(t)
	_, err := m.LockByCode(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBindVisibleOnlyAfterCommit(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)

	now := time.Now()
	fp := license.Fingerprint("dev1")
	require.NoError(t, tx.Bind(ctx, "dev1", fp, license.Metadata{}, "203.0.113.9", now))

	// Uncommitted writes must not be visible to readers.
	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusPending, read.Status)

	require.NoError(t, tx.Commit(ctx))

	read, err = m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, read.Status)
	require.NotNil(t, read.DeviceFingerprint)
	assert.Equal(t, fp, *read.DeviceFingerprint)
	require.NotNil(t, read.LastIP)
	assert.Equal(t, "203.0.113.9", *read.LastIP)
	require.NotNil(t, read.ActivatedAt)
}

func TestRollbackDiscardsChanges(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NoError(t, tx.MarkExpired(ctx))
	require.NoError(t, tx.Rollback(ctx))

	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusPending, read.Status)

	// Rollback after commit (or double rollback) is a no-op.
	assert.NoError(t, tx.Rollback(ctx))
}

func TestLockByFingerprint(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	fp := license.Fingerprint("dev1")
	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NoError(t, tx.Bind(ctx, "dev1", fp, license.Metadata{}, "", time.Now()))
	require.NoError(t, tx.Commit(ctx))

	got, err := m.LockByFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.License().Code)
	require.NoError(t, got.Rollback(ctx))

	_, err = m.LockByFingerprint(ctx, license.Fingerprint("unknown"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockByFingerprintOldestBindingWins(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	createPending(t, m, "OLD111", base.Add(time.Hour))
	m.now = func() time.Time { return base.Add(time.Minute) }
	createPending(t, m, "NEW222", base.Add(time.Hour))
	m.now = time.Now

	fp := license.Fingerprint("dev1")
	for _, code := range []string{"NEW222", "OLD111"} {
		tx, err := m.LockByCode(ctx, code)
		require.NoError(t, err)
		require.NoError(t, tx.Bind(ctx, "dev1", fp, license.Metadata{}, "", time.Now()))
		require.NoError(t, tx.Commit(ctx))
	}

	tx, err := m.LockByFingerprint(ctx, fp)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	assert.Equal(t, "OLD111", tx.License().Code)
}

func TestIdleCommitKeepsLockFreeRefresh(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NoError(t, tx.Bind(ctx, "dev1", license.Fingerprint("dev1"), license.Metadata{}, "", time.Now()))
	require.NoError(t, tx.Commit(ctx))

	// Re-lock without mutating, as an idempotent re-activation does, while a
	// lock-free refresh lands on the same row.
	tx, err = m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)

	model := "iPhone14,2"
	require.NoError(t, m.RefreshMetadata(ctx, "ABC123", license.Metadata{Model: &model}, ""))
	require.NoError(t, tx.Commit(ctx))

	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NotNil(t, read.Metadata.Model)
	assert.Equal(t, "iPhone14,2", *read.Metadata.Model)
}

func TestCommitDoesNotRevertLockFreeExpiry(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)

	version := "17.4"
	require.NoError(t, tx.Refresh(ctx, license.Metadata{SystemVersion: &version}, ""))
	require.NoError(t, m.MarkExpired(ctx, "ABC123"))
	require.NoError(t, tx.Commit(ctx))

	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, read.Status, "status transition is monotonic")
	require.NotNil(t, read.Metadata.SystemVersion)
	assert.Equal(t, "17.4", *read.Metadata.SystemVersion)
}

func TestLockSerializesSameCode(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)

	// A second locker for the same code must block until the first commits.
	acquired := make(chan Tx)
	go func() {
		tx2, err := m.LockByCode(context.Background(), "ABC123")
		if err == nil {
			acquired <- tx2
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Commit(ctx))

	select {
	case tx2 := <-acquired:
		require.NoError(t, tx2.Rollback(ctx))
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after commit")
	}
}

func TestLockDifferentCodesDoNotContend(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "AAA111", time.Now().Add(time.Hour))
	createPending(t, m, "BBB222", time.Now().Add(time.Hour))

	tx1, err := m.LockByCode(ctx, "AAA111")
	require.NoError(t, err)
	defer tx1.Rollback(ctx)

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	tx2, err := m.LockByCode(ctx2, "BBB222")
	require.NoError(t, err, "a different code must not contend")
	require.NoError(t, tx2.Rollback(ctx))
}

func TestLockWaitIsTimeBounded(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = m.LockByCode(waitCtx, "ABC123")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshMetadataCoalesces(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	model := "iPhone14,2"
	version := "17.0"
	tx, err := m.LockByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NoError(t, tx.Bind(ctx, "dev1", license.Fingerprint("dev1"),
		license.Metadata{Model: &model, SystemVersion: &version}, "", time.Now()))
	require.NoError(t, tx.Commit(ctx))

	newVersion := "17.4"
	require.NoError(t, m.RefreshMetadata(ctx, "ABC123",
		license.Metadata{SystemVersion: &newVersion}, "198.51.100.7"))

	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "17.4", *read.Metadata.SystemVersion, "provided field updated")
	assert.Equal(t, "iPhone14,2", *read.Metadata.Model, "absent field untouched")
	assert.Equal(t, "198.51.100.7", *read.LastIP)
}

func TestConcurrentLockersObserveCommittedState(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createPending(t, m, "ABC123", time.Now().Add(time.Hour))

	const n = 16
	statuses := make([]license.Status, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := m.LockByCode(ctx, "ABC123")
			if err != nil {
				return
			}
			defer tx.Rollback(ctx)
			statuses[i] = tx.License().Status

			if tx.License().Status == license.StatusPending {
				_ = tx.Bind(ctx, "dev1", license.Fingerprint("dev1"), license.Metadata{}, "", time.Now())
				_ = tx.Commit(ctx)
			}
		}(i)
	}
	wg.Wait()

	// Exactly one locker saw the pending row; everyone after it observed the
	// committed active state, never a half-applied one.
	pendingSeen := 0
	for _, s := range statuses {
		switch s {
		case license.StatusPending:
			pendingSeen++
		case license.StatusActive:
		default:
			t.Fatalf("unexpected observed status %q", s)
		}
	}
	assert.Equal(t, 1, pendingSeen)

	read, err := m.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, read.Status)
}
