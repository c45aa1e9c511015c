package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/store"
)

// Provisioning bounds. Out-of-range values are rejected, zero values take the
// defaults.
const (
	DefaultValidityDays = 30
	MaxValidityDays     = 3650
	DefaultQuantity     = 1
	MaxQuantity         = 100

	// duplicateRetries bounds collision retries per code. The code space is
	// large enough that exhausting this indicates a broken generator.
	duplicateRetries = 5
)

// ProvisionService mints fresh pending licenses. It is the only admin-facing
// service and authenticates by shared secret, not by token.
type ProvisionService interface {
	Generate(ctx context.Context, secret string, days, quantity int) (*ProvisionResult, error)
}

// IssuedLicense describes one freshly minted code.
type IssuedLicense struct {
	Code      string
	ExpiresAt time.Time
}

// ProvisionResult is the successful outcome of a generate request.
type ProvisionResult struct {
	Licenses []IssuedLicense
}

type provisionService struct {
	store       store.Store
	codes       license.CodeGenerator
	adminSecret string
	logger      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewProvisionService creates a provisioning service. An empty adminSecret is
// accepted here and rejected per request so a misconfigured deployment fails
// loudly instead of silently granting access.
func NewProvisionService(st store.Store, codes license.CodeGenerator, adminSecret string, logger *slog.Logger) ProvisionService {
	return &provisionService{
		store:       st,
		codes:       codes,
		adminSecret: adminSecret,
		logger:      logger.With(slog.String("service", "provision")),
		now:         time.Now,
	}
}

// Generate mints quantity pending codes, each valid for days from now. Codes
// are committed independently: a mid-batch failure keeps the codes already
// created and reports an internal error for the batch.
func (s *provisionService) Generate(ctx context.Context, secret string, days, quantity int) (*ProvisionResult, error) {
	if s.adminSecret == "" {
		s.logger.ErrorContext(ctx, "generate rejected, admin secret not configured")
		return nil, apierrors.ErrSecretNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
		s.logger.WarnContext(ctx, "generate rejected, admin secret mismatch")
		return nil, apierrors.ErrInvalidSecret
	}

	if days == 0 {
		days = DefaultValidityDays
	}
	if days < 1 || days > MaxValidityDays {
		return nil, apierrors.ErrValidation("days", "must be between 1 and 3650")
	}
	if quantity == 0 {
		quantity = DefaultQuantity
	}
	if quantity < 1 || quantity > MaxQuantity {
		return nil, apierrors.ErrValidation("quantity", "must be between 1 and 100")
	}

	expiresAt := s.now().Add(time.Duration(days) * 24 * time.Hour)

	issued := make([]IssuedLicense, 0, quantity)
	for i := 0; i < quantity; i++ {
		lic, err := s.createOne(ctx, expiresAt)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to create license",
				slog.Int("created", len(issued)), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		issued = append(issued, IssuedLicense{Code: lic.Code, ExpiresAt: lic.ExpiresAt})
	}

	s.logger.InfoContext(ctx, "licenses generated",
		slog.Int("count", len(issued)), slog.Int("days", days))
	return &ProvisionResult{Licenses: issued}, nil
}

func (s *provisionService) createOne(ctx context.Context, expiresAt time.Time) (*license.License, error) {
	for attempt := 0; attempt < duplicateRetries; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, err
		}
		lic, err := s.store.Create(ctx, code, expiresAt)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateCode) {
				continue
			}
			return nil, err
		}
		return lic, nil
	}
	return nil, errors.New("code generation exhausted retries on duplicates")
}
