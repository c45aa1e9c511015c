// Package token mints and verifies the signed, stateless credentials issued
// by the license flows. Verification is pure computation against the
// process-wide secret and never touches the store.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that cannot be accepted: missing,
// malformed, expired, wrong signature, or wrong class. Callers must treat all
// of these identically as unauthorized.
var ErrInvalidToken = errors.New("invalid token")

const (
	// subjectActivation marks long-lived tokens minted after activation or
	// authenticated validation.
	subjectActivation = "activation"
	// subjectCheckin marks short-lived tokens minted by the unauthenticated
	// device check-in. The path has no prior strong-auth proof, so the
	// credential's exposure window is deliberately small.
	subjectCheckin = "checkin"

	// DefaultActivationTTL is the validity of long-lived tokens.
	DefaultActivationTTL = 31 * 24 * time.Hour
	// DefaultCheckinTTL is the validity of short-lived check-in tokens.
	DefaultCheckinTTL = 15 * time.Minute
)

// ActivationClaims is the claim set of long-lived tokens. Field names follow
// the wire format consumed by existing clients.
type ActivationClaims struct {
	jwt.RegisteredClaims
	Code             string    `json:"code"`
	DeviceID         string    `json:"deviceId"`
	LicenseExpiresAt time.Time `json:"expiresAt"`
}

// CheckinClaims is the minimal claim set of short-lived check-in tokens:
// code and device hash only, never raw identifiers.
type CheckinClaims struct {
	jwt.RegisteredClaims
	Code       string `json:"code"`
	DeviceHash string `json:"device_hash"`
}

// Issuer signs and verifies tokens with an HS256 keyed MAC.
type Issuer struct {
	secret        []byte
	activationTTL time.Duration
	checkinTTL    time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewIssuer creates an Issuer. The secret is process-wide configuration; an
// empty secret is a startup error, not a per-request one.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	return &Issuer{
		secret:        []byte(secret),
		activationTTL: DefaultActivationTTL,
		checkinTTL:    DefaultCheckinTTL,
		now:           time.Now,
	}, nil
}

// IssueActivation mints a long-lived token carrying the code, the raw device
// id, and the license expiry.
func (i *Issuer) IssueActivation(code, deviceID string, licenseExpiresAt time.Time) (string, error) {
	now := i.now().UTC()
	claims := ActivationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectActivation,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.activationTTL)),
		},
		Code:             code,
		DeviceID:         deviceID,
		LicenseExpiresAt: licenseExpiresAt,
	}
	return i.sign(claims)
}

// IssueCheckin mints a short-lived token for a device check-in.
func (i *Issuer) IssueCheckin(code, deviceHash string) (string, error) {
	now := i.now().UTC()
	claims := CheckinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectCheckin,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.checkinTTL)),
		},
		Code:       code,
		DeviceHash: deviceHash,
	}
	return i.sign(claims)
}

// VerifyActivation validates a long-lived token and returns its claims.
// Short-lived check-in tokens are rejected: the two classes are not
// interchangeable.
func (i *Issuer) VerifyActivation(tokenString string) (*ActivationClaims, error) {
	claims := &ActivationClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Subject != subjectActivation || claims.Code == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyCheckin validates a short-lived check-in token and returns its claims.
func (i *Issuer) VerifyCheckin(tokenString string) (*CheckinClaims, error) {
	claims := &CheckinClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Subject != subjectCheckin || claims.Code == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		// Pin the signing method so an attacker cannot downgrade to "none"
		// or swap in an asymmetric method.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
