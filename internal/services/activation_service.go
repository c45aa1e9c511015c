package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/store"
	"licensegate/internal/token"
)

// ActivationService orchestrates the first-binding transition: it is the only
// path that can move a license from pending to active.
type ActivationService interface {
	Activate(ctx context.Context, code, deviceID string, meta license.Metadata, ip string) (*ActivationResult, error)
}

// ActivationResult is the successful outcome of an activation attempt.
type ActivationResult struct {
	Token     string
	ExpiresAt time.Time
	Message   string
}

type activationService struct {
	store  store.Store
	tokens *token.Issuer
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewActivationService creates an activation service.
func NewActivationService(st store.Store, tokens *token.Issuer, logger *slog.Logger) ActivationService {
	return &activationService{
		store:  st,
		tokens: tokens,
		logger: logger.With(slog.String("service", "activation")),
		now:    time.Now,
	}
}

// Activate binds code to the requesting device, exactly once. The per-code
// row lock serializes concurrent attempts into a total order: the first
// locker decides the outcome, later contenders observe the committed state.
func (s *activationService) Activate(ctx context.Context, code, deviceID string, meta license.Metadata, ip string) (*ActivationResult, error) {
	code = license.CanonicalCode(code)
	if code == "" {
		return nil, apierrors.MissingParameter("code")
	}
	if deviceID == "" {
		return nil, apierrors.MissingParameter("device_id")
	}

	tx, err := s.store.LockByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.ErrLicenseNotFound
		}
		s.logger.ErrorContext(ctx, "failed to lock license",
			slog.String("code", code), slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}
	defer tx.Rollback(ctx)

	lic := tx.License()

	// The clock is read after the lock is held so a long lock wait cannot
	// bind a license that expired in the meantime.
	now := s.now()

	// Expiry is checked first, unconditionally: an expired code fails the
	// same way whether or not it was ever activated, and the flip to
	// expired is committed even though the request fails.
	if lic.ExpiredAt(now) {
		if err := tx.MarkExpired(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire license",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		if err := tx.Commit(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to commit expiry flip",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		s.logger.InfoContext(ctx, "activation rejected, license expired",
			slog.String("code", code))
		return nil, apierrors.ErrLicenseExpired
	}

	fingerprint := license.Fingerprint(deviceID)

	switch lic.Status {
	case license.StatusActive:
		// The binding is compared, never replaced.
		if !lic.BoundTo(fingerprint) {
			s.logger.WarnContext(ctx, "activation rejected, bound to another device",
				slog.String("code", code))
			return nil, apierrors.ErrDeviceMismatch
		}

		// Idempotent re-activation from the bound device: reissue a token
		// from the stored row, rewrite nothing.
		boundDeviceID := deviceID
		if lic.DeviceID != nil {
			boundDeviceID = *lic.DeviceID
		}
		signed, err := s.tokens.IssueActivation(lic.Code, boundDeviceID, lic.ExpiresAt)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to issue token",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		if err := tx.Commit(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to commit",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}

		s.logger.InfoContext(ctx, "license already activated on this device",
			slog.String("code", code))
		return &ActivationResult{
			Token:     signed,
			ExpiresAt: lic.ExpiresAt,
			Message:   "License already activated on this device",
		}, nil

	case license.StatusPending:
		if err := tx.Bind(ctx, deviceID, fingerprint, meta, ip, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to bind device",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}

		signed, err := s.tokens.IssueActivation(lic.Code, deviceID, lic.ExpiresAt)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to issue token",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}
		if err := tx.Commit(ctx); err != nil {
			s.logger.ErrorContext(ctx, "failed to commit binding",
				slog.String("code", code), slog.String("error", err.Error()))
			return nil, apierrors.ErrInternalServer
		}

		s.logger.InfoContext(ctx, "license activated",
			slog.String("code", code), slog.String("ip", ip))
		return &ActivationResult{
			Token:     signed,
			ExpiresAt: lic.ExpiresAt,
			Message:   "License activated successfully",
		}, nil

	default:
		// Status expired with a future expires_at cannot arise from normal
		// flows; treat it as expired rather than reviving the row.
		return nil, apierrors.ErrLicenseExpired
	}
}
