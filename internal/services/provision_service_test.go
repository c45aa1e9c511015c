package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/store"
)

const testAdminSecret = "admin-test-secret"

func newProvisionFixture(t *testing.T) (*store.Memory, ProvisionService) {
	t.Helper()
	mem := store.NewMemory()
	svc := NewProvisionService(mem, license.RandomCodeGenerator{}, testAdminSecret, testLogger())
	return mem, svc
}

func TestGenerateDefaults(t *testing.T) {
	mem, svc := newProvisionFixture(t)
	ctx := context.Background()

	before := time.Now()
	res, err := svc.Generate(ctx, testAdminSecret, 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Licenses, 1)

	issued := res.Licenses[0]
	assert.Regexp(t, regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{4}-[A-HJ-KM-NP-Z2-9]{4}-[A-HJ-KM-NP-Z2-9]{4}$`), issued.Code)

	// Default validity is 30 days from now.
	assert.WithinDuration(t, before.Add(30*24*time.Hour), issued.ExpiresAt, 5*time.Second)

	lic, err := mem.ReadByCode(ctx, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, license.StatusPending, lic.Status)
	assert.Nil(t, lic.DeviceFingerprint)
}

func TestGenerateBatch(t *testing.T) {
	mem, svc := newProvisionFixture(t)
	ctx := context.Background()

	res, err := svc.Generate(ctx, testAdminSecret, 7, 5)
	require.NoError(t, err)
	require.Len(t, res.Licenses, 5)

	seen := make(map[string]bool, 5)
	for _, issued := range res.Licenses {
		assert.False(t, seen[issued.Code], "codes in a batch must be unique")
		seen[issued.Code] = true

		lic, err := mem.ReadByCode(ctx, issued.Code)
		require.NoError(t, err)
		assert.Equal(t, license.StatusPending, lic.Status)
	}
}

func TestGenerateSecretNotConfigured(t *testing.T) {
	mem := store.NewMemory()
	svc := NewProvisionService(mem, license.RandomCodeGenerator{}, "", testLogger())

	_, err := svc.Generate(context.Background(), "anything", 30, 1)
	assert.Equal(t, apierrors.ErrSecretNotConfigured, apierrors.AsAPIError(err))
}

func TestGenerateWrongSecret(t *testing.T) {
	_, svc := newProvisionFixture(t)

	_, err := svc.Generate(context.Background(), "not-the-secret", 30, 1)
	assert.Equal(t, apierrors.ErrInvalidSecret, apierrors.AsAPIError(err))
}

func TestGenerateRangeValidation(t *testing.T) {
	_, svc := newProvisionFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		days     int
		quantity int
	}{
		{"negative days", -1, 1},
		{"days above cap", 3651, 1},
		{"negative quantity", 30, -1},
		{"quantity above cap", 30, 101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Generate(ctx, testAdminSecret, tc.days, tc.quantity)
			assert.Equal(t, "VALIDATION_FAILED", apiCode(t, err))
		})
	}

	// The caps themselves are allowed.
	_, err := svc.Generate(ctx, testAdminSecret, 3650, 1)
	assert.NoError(t, err)
}

type collidingGenerator struct {
	codes []string
	i     int
}

func (g *collidingGenerator) Generate() (string, error) {
	if g.i >= len(g.codes) {
		return "", errors.New("out of codes")
	}
	code := g.codes[g.i]
	g.i++
	return code, nil
}

func TestGenerateRetriesOnDuplicate(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.Create(context.Background(), "TAKEN-0000-AAAA", time.Now().Add(time.Hour))
	require.NoError(t, err)

	gen := &collidingGenerator{codes: []string{"TAKEN-0000-AAAA", "FRESH-1111-BBBB"}}
	svc := NewProvisionService(mem, gen, testAdminSecret, testLogger())

	res, err := svc.Generate(context.Background(), testAdminSecret, 30, 1)
	require.NoError(t, err)
	require.Len(t, res.Licenses, 1)
	assert.Equal(t, "FRESH-1111-BBBB", res.Licenses[0].Code)
}

func TestGenerateMidBatchFailureKeepsEarlierCodes(t *testing.T) {
	mem := store.NewMemory()
	gen := &collidingGenerator{codes: []string{"ONE1-ONE1-ONE1"}}
	svc := NewProvisionService(mem, gen, testAdminSecret, testLogger())

	// The generator runs dry after one code; the batch fails but the first
	// code stays provisioned.
	_, err := svc.Generate(context.Background(), testAdminSecret, 30, 2)
	assert.Equal(t, apierrors.ErrInternalServer, apierrors.AsAPIError(err))

	lic, err := mem.ReadByCode(context.Background(), "ONE1-ONE1-ONE1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusPending, lic.Status)
}
