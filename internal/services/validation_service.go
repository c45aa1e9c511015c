package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/ratelimit"
	"licensegate/internal/store"
	"licensegate/internal/token"
)

// ValidationService re-validates existing bindings. The authenticated path
// trusts a verified long-lived token to resolve the code; the unauthenticated
// device check-in path resolves by fingerprint and is rate limited per device.
type ValidationService interface {
	Validate(ctx context.Context, code, deviceID string, meta license.Metadata, ip string) (*ValidationResult, error)
	DeviceCheckin(ctx context.Context, deviceID string, meta license.Metadata, ip string) (*CheckinResult, error)
}

// ValidationResult is the successful outcome of an authenticated validation.
type ValidationResult struct {
	ExpiresAt     time.Time
	DaysRemaining int
}

// CheckinResult is the successful outcome of a device check-in. It carries a
// short-lived token and never exposes fingerprints or raw identifiers.
type CheckinResult struct {
	Code      string
	ExpiresAt time.Time
	Token     string
}

type validationService struct {
	store   store.Store
	tokens  *token.Issuer
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewValidationService creates a validation service.
func NewValidationService(st store.Store, tokens *token.Issuer, limiter *ratelimit.Limiter, logger *slog.Logger) ValidationService {
	return &validationService{
		store:   st,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger.With(slog.String("service", "validation")),
		now:     time.Now,
	}
}

// Validate checks the binding for a code already resolved from a verified
// long-lived token. The metadata refresh is lock-free: concurrent refreshes
// coalesce per field and need no serialization.
func (s *validationService) Validate(ctx context.Context, code, deviceID string, meta license.Metadata, ip string) (*ValidationResult, error) {
	if deviceID == "" {
		return nil, apierrors.MissingParameter("device_id")
	}
	code = license.CanonicalCode(code)

	lic, err := s.store.ReadByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.ErrLicenseNotFound
		}
		s.logger.ErrorContext(ctx, "failed to read license",
			slog.String("code", code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}

	if !lic.BoundTo(license.Fingerprint(deviceID)) {
		s.logger.WarnContext(ctx, "validation rejected, device mismatch",
			slog.String("code", code))
		return nil, apierrors.ErrDeviceNotAllowed
	}

	now := s.now()
	if lic.ExpiredAt(now) {
		if err := s.store.MarkExpired(ctx, code); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire license",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		return nil, apierrors.ErrLicenseExpired
	}

	if lic.Status != license.StatusActive {
		return nil, apierrors.ErrLicenseNotActive
	}

	if err := s.store.RefreshMetadata(ctx, code, meta, ip); err != nil {
		s.logger.ErrorContext(ctx, "failed to refresh metadata",
			slog.String("code", code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}

	return &ValidationResult{
		ExpiresAt:     lic.ExpiresAt,
		DaysRemaining: license.DaysRemaining(lic.ExpiresAt, now),
	}, nil
}

// DeviceCheckin resolves a license by device fingerprint without prior
// authentication. Admission control runs before any store access; the lookup
// takes the same lock class as activation because a state flip may occur.
func (s *validationService) DeviceCheckin(ctx context.Context, deviceID string, meta license.Metadata, ip string) (*CheckinResult, error) {
	if deviceID == "" {
		return nil, apierrors.MissingParameter("device_id")
	}

	fingerprint := license.Fingerprint(deviceID)

	if !s.limiter.Admit(fingerprint) {
		s.logger.WarnContext(ctx, "device check-in rate limited")
		return nil, apierrors.ErrRateLimited
	}

	tx, err := s.store.LockByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.ErrLicenseNotFound
		}
		s.logger.ErrorContext(ctx, "failed to lock license by fingerprint",
			slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}
	defer tx.Rollback(ctx)

	lic := tx.License()
	now := s.now()

	// Same order as activation: expiry strictly precedes status checks, and
	// the flip is committed even though the request fails.
	if lic.ExpiredAt(now) {
		if err := tx.MarkExpired(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire license",
				slog.String("code", lic.Code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		if err := tx.Commit(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to commit expiry flip",
				slog.String("code", lic.Code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		return nil, apierrors.ErrLicenseExpired
	}

	if lic.Status != license.StatusActive {
		return nil, apierrors.ErrLicenseNotActive
	}

	if err := tx.Refresh(ctx, meta, ip); err != nil {
		s.logger.ErrorContext(ctx, "failed to refresh metadata",
			slog.String("code", lic.Code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}

	// Short-lived credential: this path carries no prior strong-auth proof.
	signed, err := s.tokens.IssueCheckin(lic.Code, fingerprint)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue check-in token",
			slog.String("code", lic.Code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to commit check-in",
			slog.String("code", lic.Code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}

	return &CheckinResult{
		Code:      lic.Code,
		ExpiresAt: lic.ExpiresAt,
		Token:     signed,
	}, nil
}
