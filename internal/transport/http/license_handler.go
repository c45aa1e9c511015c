package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
	"licensegate/internal/services"
	"licensegate/internal/token"
)

// LicenseHandler handles the license API endpoints.
type LicenseHandler struct {
	activation services.ActivationService
	validation services.ValidationService
	provision  services.ProvisionService
	issuer     *token.Issuer
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewLicenseHandler creates a new license handler. metrics may be nil when
// metrics are disabled.
func NewLicenseHandler(
	activation services.ActivationService,
	validation services.ValidationService,
	provision services.ProvisionService,
	issuer *token.Issuer,
	metrics *infrastructure.BusinessMetrics,
	logger *slog.Logger,
) *LicenseHandler {
	return &LicenseHandler{
		activation: activation,
		validation: validation,
		provision:  provision,
		issuer:     issuer,
		metrics:    metrics,
		logger:     logger.With(slog.String("handler", "license")),
		validate:   validator.New(),
	}
}

// ActivateRequest is the activation request payload. Device metadata fields
// are optional and flattened into the body.
type ActivateRequest struct {
	Code     string `json:"code" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
	license.Metadata
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	return nil
}

// ValidateRequest is the authenticated validation request payload. The code
// comes from the verified token, never from the body.
type ValidateRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	license.Metadata
}

// Bind implements render.Binder.
func (v *ValidateRequest) Bind(r *http.Request) error {
	return nil
}

// CheckinRequest is the unauthenticated device check-in payload.
type CheckinRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	license.Metadata
}

// Bind implements render.Binder.
func (c *CheckinRequest) Bind(r *http.Request) error {
	return nil
}

// GenerateRequest is the admin provisioning payload. Zero values select the
// service defaults (30 days, 1 code).
type GenerateRequest struct {
	Days     int    `json:"days" validate:"omitempty,min=1,max=3650"`
	Quantity int    `json:"quantity" validate:"omitempty,min=1,max=100"`
	Secret   string `json:"secret"`
}

// Bind implements render.Binder.
func (g *GenerateRequest) Bind(r *http.Request) error {
	return nil
}

// ActivateResponse is the successful activation response.
type ActivateResponse struct {
	Success    bool      `json:"success"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerTime time.Time `json:"server_time"`
	Message    string    `json:"message"`
}

// Render implements render.Renderer.
func (a *ActivateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// ValidateResponse is the successful validation response.
type ValidateResponse struct {
	Valid         bool      `json:"valid"`
	ExpiresAt     time.Time `json:"expires_at"`
	ServerTime    time.Time `json:"server_time"`
	DaysRemaining int       `json:"days_remaining"`
}

// Render implements render.Renderer.
func (v *ValidateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// CheckinResponse is the successful device check-in response. It carries the
// resolved code and a short-lived token, never fingerprints.
type CheckinResponse struct {
	Valid      bool      `json:"valid"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerTime time.Time `json:"server_time"`
	Token      string    `json:"token"`
}

// Render implements render.Renderer.
func (c *CheckinResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// IssuedLicense is one provisioned code in a GenerateResponse.
type IssuedLicense struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateResponse is the successful provisioning response.
type GenerateResponse struct {
	Success  bool            `json:"success"`
	Licenses []IssuedLicense `json:"licenses"`
	Count    int             `json:"count"`
}

// Render implements render.Renderer.
func (g *GenerateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

// Routes returns the chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/activate", h.Activate)
	r.Post("/checkin", h.Checkin)
	r.Post("/generate", h.Generate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireActivationToken(h.issuer, h.logger))
		r.Post("/validate", h.Validate)
	})

	return r
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &ActivateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderError(w, r, apierrors.ErrValidationFailed)
		return
	}

	if h.metrics != nil {
		h.metrics.ActivationAttempts.Add(ctx, 1)
	}

	start := time.Now()
	result, err := h.activation.Activate(ctx, req.Code, req.DeviceID, req.Metadata, middleware.GetRealIP(r))
	if h.metrics != nil {
		h.metrics.ActivationDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ActivationSuccess.Add(ctx, 1)
	}

	_ = render.Render(w, r, &ActivateResponse{
		Success:    true,
		Token:      result.Token,
		ExpiresAt:  result.ExpiresAt,
		ServerTime: time.Now().UTC(),
		Message:    result.Message,
	})
}

// Validate handles POST /api/license/validate. The route is behind
// RequireActivationToken, so claims are always present here.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := middleware.ActivationClaimsFromContext(ctx)
	if claims == nil {
		h.renderError(w, r, apierrors.ErrUnauthorized)
		return
	}

	req := &ValidateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderError(w, r, apierrors.ErrValidationFailed)
		return
	}

	if h.metrics != nil {
		h.metrics.ValidationChecks.Add(ctx, 1)
	}

	result, err := h.validation.Validate(ctx, claims.Code, req.DeviceID, req.Metadata, middleware.GetRealIP(r))
	if err != nil {
		if h.metrics != nil {
			h.metrics.ValidationFailures.Add(ctx, 1)
		}
		h.renderError(w, r, err)
		return
	}

	_ = render.Render(w, r, &ValidateResponse{
		Valid:         true,
		ExpiresAt:     result.ExpiresAt,
		ServerTime:    time.Now().UTC(),
		DaysRemaining: result.DaysRemaining,
	})
}

// Checkin handles POST /api/license/checkin.
func (h *LicenseHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CheckinRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderError(w, r, apierrors.ErrValidationFailed)
		return
	}

	if h.metrics != nil {
		h.metrics.CheckinAttempts.Add(ctx, 1)
	}

	result, err := h.validation.DeviceCheckin(ctx, req.DeviceID, req.Metadata, middleware.GetRealIP(r))
	if err != nil {
		if h.metrics != nil && apierrors.AsAPIError(err) == apierrors.ErrRateLimited {
			h.metrics.CheckinRateLimited.Add(ctx, 1)
		}
		h.renderError(w, r, err)
		return
	}

	_ = render.Render(w, r, &CheckinResponse{
		Valid:      true,
		Code:       result.Code,
		ExpiresAt:  result.ExpiresAt,
		ServerTime: time.Now().UTC(),
		Token:      result.Token,
	})
}

// Generate handles POST /api/license/generate. The admin secret is compared
// inside the service, constant-time.
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &GenerateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderError(w, r, apierrors.ErrValidationFailed)
		return
	}

	// The secret travels in the X-Admin-Secret header; older clients send it
	// in the body instead.
	secret := r.Header.Get("X-Admin-Secret")
	if secret == "" {
		secret = req.Secret
	}

	result, err := h.provision.Generate(ctx, secret, req.Days, req.Quantity)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.LicensesProvisioned.Add(ctx, int64(len(result.Licenses)))
	}

	licenses := make([]IssuedLicense, len(result.Licenses))
	for i, issued := range result.Licenses {
		licenses[i] = IssuedLicense{Code: issued.Code, ExpiresAt: issued.ExpiresAt}
	}

	_ = render.Render(w, r, &GenerateResponse{
		Success:  true,
		Licenses: licenses,
		Count:    len(licenses),
	})
}

// renderError renders the standard error envelope for any error a service
// returned.
func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.AsAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", apiErr.StatusCode),
			slog.String("error_code", apiErr.ErrorCode))
	}
	_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
}
