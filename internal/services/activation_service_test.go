package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/store"
	"licensegate/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer("test-signing-secret")
	require.NoError(t, err)
	return issuer
}

func newActivationFixture(t *testing.T) (*store.Memory, *token.Issuer, ActivationService) {
	t.Helper()
	mem := store.NewMemory()
	issuer := testIssuer(t)
	svc := NewActivationService(mem, issuer, testLogger())
	return mem, issuer, svc
}

func mustCreate(t *testing.T, m *store.Memory, code string, expiresAt time.Time) {
	t.Helper()
	_, err := m.Create(context.Background(), code, expiresAt)
	require.NoError(t, err)
}

func apiCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return apierrors.AsAPIError(err).ErrorCode
}

func TestActivateMissingParameters(t *testing.T) {
	_, _, svc := newActivationFixture(t)
	ctx := context.Background()

	_, err := svc.Activate(ctx, "", "dev1", license.Metadata{}, "")
	assert.Equal(t, "MISSING_PARAMETER", apiCode(t, err))

	_, err = svc.Activate(ctx, "ABC123", "", license.Metadata{}, "")
	assert.Equal(t, "MISSING_PARAMETER", apiCode(t, err))
}

func TestActivateUnknownCode(t *testing.T) {
	_, _, svc := newActivationFixture(t)

	_, err := svc.Activate(context.Background(), "NOPE", "dev1", license.Metadata{}, "")
	assert.Equal(t, apierrors.ErrLicenseNotFound, apierrors.AsAPIError(err))
}

func TestActivatePendingBindsDevice(t *testing.T) {
	mem, issuer, svc := newActivationFixture(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	mustCreate(t, mem, "ABC123", expiresAt)

	model := "iPhone14,2"
	res, err := svc.Activate(ctx, "abc123", "dev1", license.Metadata{Model: &model}, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "License activated successfully", res.Message)
	assert.True(t, expiresAt.Equal(res.ExpiresAt))

	claims, err := issuer.VerifyActivation(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", claims.Code)
	assert.Equal(t, "dev1", claims.DeviceID)

	lic, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
	require.NotNil(t, lic.DeviceFingerprint)
	assert.Equal(t, license.Fingerprint("dev1"), *lic.DeviceFingerprint)
	require.NotNil(t, lic.Metadata.Model)
	assert.Equal(t, "iPhone14,2", *lic.Metadata.Model)
	require.NotNil(t, lic.ActivatedAt)
}

func TestActivateIdempotentFromBoundDevice(t *testing.T) {
	mem, issuer, svc := newActivationFixture(t)
	ctx := context.Background()
	mustCreate(t, mem, "ABC123", time.Now().Add(time.Hour))

	first, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "203.0.113.9")
	require.NoError(t, err)

	before, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)

	// Second activation from the same device is a success that rewrites
	// nothing, even if it reports fresher metadata.
	version := "17.4"
	second, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{SystemVersion: &version}, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, "License already activated on this device", second.Message)
	assert.NotEmpty(t, second.Token)

	claims, err := issuer.VerifyActivation(second.Token)
	require.NoError(t, err)
	assert.Equal(t, claims.DeviceID, mustDeref(t, before.DeviceID))

	after, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Nil(t, after.Metadata.SystemVersion)
	assert.Equal(t, mustDeref(t, before.LastIP), mustDeref(t, after.LastIP))
	require.NotNil(t, after.ActivatedAt)
	assert.True(t, before.ActivatedAt.Equal(*after.ActivatedAt))

	_ = first
}

func mustDeref(t *testing.T, s *string) string {
	t.Helper()
	require.NotNil(t, s)
	return *s
}

func TestActivateRejectsSecondDevice(t *testing.T) {
	mem, _, svc := newActivationFixture(t)
	ctx := context.Background()
	mustCreate(t, mem, "ABC123", time.Now().Add(time.Hour))

	_, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "ABC123", "dev2", license.Metadata{}, "")
	assert.Equal(t, apierrors.ErrDeviceMismatch, apierrors.AsAPIError(err))

	// The original binding survives the rejected attempt.
	lic, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.Fingerprint("dev1"), mustDeref(t, lic.DeviceFingerprint))
}

func TestActivateExpiredPendingFlipsStatus(t *testing.T) {
	mem, _, svc := newActivationFixture(t)
	ctx := context.Background()
	mustCreate(t, mem, "OLD001", time.Now().Add(-time.Minute))

	_, err := svc.Activate(ctx, "OLD001", "dev1", license.Metadata{}, "")
	assert.Equal(t, apierrors.ErrLicenseExpired, apierrors.AsAPIError(err))

	// The failed request still commits the expiry flip.
	lic, err := mem.ReadByCode(ctx, "OLD001")
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, lic.Status)
	assert.Nil(t, lic.DeviceFingerprint, "expired code must never bind")
}

func TestActivateExpiredActiveFlipsStatus(t *testing.T) {
	mem, _, svc := newActivationFixture(t)
	ctx := context.Background()
	mustCreate(t, mem, "ABC123", time.Now().Add(50*time.Millisecond))

	_, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	// Expiry wins even from the bound device.
	_, err = svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "")
	assert.Equal(t, apierrors.ErrLicenseExpired, apierrors.AsAPIError(err))

	lic, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, lic.Status)
}

// clockAdvancingStore pushes the injected clock forward when the lock is
// taken, simulating a long wait on a contended code.
type clockAdvancingStore struct {
	store.Store
	advance func()
}

func (s *clockAdvancingStore) LockByCode(ctx context.Context, code string) (store.Tx, error) {
	s.advance()
	return s.Store.LockByCode(ctx, code)
}

func TestActivateExpiryDuringLockWait(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	expiresAt := time.Now().Add(time.Hour)
	mustCreate(t, mem, "ABC123", expiresAt)

	// The license expires while the caller is waiting for the row lock. The
	// expiry decision must use the post-lock clock and reject the bind.
	now := time.Now()
	wrapped := &clockAdvancingStore{
		Store:   mem,
		advance: func() { now = expiresAt.Add(time.Second) },
	}
	svc := NewActivationService(wrapped, testIssuer(t), testLogger())
	impl := svc.(*activationService)
	impl.now = func() time.Time { return now }

	_, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "")
	assert.Equal(t, apierrors.ErrLicenseExpired, apierrors.AsAPIError(err))

	lic, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, lic.Status)
	assert.Nil(t, lic.DeviceFingerprint, "expired code must never bind")
}

func TestActivateExpiryBoundaryIsStillValid(t *testing.T) {
	mem, _, svc := newActivationFixture(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	mustCreate(t, mem, "ABC123", at)

	impl := svc.(*activationService)
	impl.now = func() time.Time { return at }

	_, err := svc.Activate(ctx, "ABC123", "dev1", license.Metadata{}, "")
	assert.NoError(t, err, "expires_at itself is inside the validity window")
}

func TestActivateConcurrentDevicesExactlyOneWins(t *testing.T) {
	mem, _, svc := newActivationFixture(t)
	ctx := context.Background()
	mustCreate(t, mem, "ABC123", time.Now().Add(time.Hour))

	const n = 12
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deviceID := string(rune('a'+i)) + "-device"
			_, results[i] = svc.Activate(ctx, "ABC123", deviceID, license.Metadata{}, "")
		}(i)
	}
	wg.Wait()

	wins, mismatches := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case apierrors.AsAPIError(err) == apierrors.ErrDeviceMismatch:
			mismatches++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one device may win the binding")
	assert.Equal(t, n-1, mismatches)

	lic, err := mem.ReadByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
}
