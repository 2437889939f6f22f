// Package auth provides capability tokens for the perpetuals engine.
//
// A Capability names the caller (trader, liquidity provider, keeper or
// operator) and the permissions it holds. Capabilities are carried as
// HS256 JWTs on the HTTP API and passed explicitly to privileged engine
// operations.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/perp-engine/internal/model"
)

// Permission is a named capability bit.
type Permission string

const (
	PermTrade  Permission = "trade"
	PermKeeper Permission = "keeper"
	PermAdmin  Permission = "admin"
)

var (
	ErrMissingPermission = fmt.Errorf("auth: missing permission: %w", model.ErrUnauthorized)
	ErrInvalidToken      = fmt.Errorf("auth: invalid token: %w", model.ErrUnauthorized)
	ErrNoSecret          = errors.New("auth: signing secret is empty")
)

// Capability is the identity and permissions of a caller.
type Capability struct {
	Subject string       `json:"sub"`
	Perms   []Permission `json:"perms"`
}

// Has reports whether the capability carries p.
func (c Capability) Has(p Permission) bool {
	return slices.Contains(c.Perms, p)
}

// Require returns ErrMissingPermission unless the capability carries p.
func (c Capability) Require(p Permission) error {
	if c.Subject == "" || !c.Has(p) {
		return fmt.Errorf("%w: %s requires %q", ErrMissingPermission, c.Subject, p)
	}
	return nil
}

// Admin returns an operator capability, used at boot and in tests.
func Admin(subject string) Capability {
	return Capability{Subject: subject, Perms: []Permission{PermAdmin, PermKeeper, PermTrade}}
}

type claims struct {
	Perms []Permission `json:"perms"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies capability tokens.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer for the shared HMAC secret.
func NewIssuer(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for the capability valid for ttl.
func (i *Issuer) Issue(c Capability, ttl time.Duration) (string, error) {
	now := i.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Perms: c.Perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(i.secret)
}

// Parse verifies a token and returns its capability.
func (i *Issuer) Parse(raw string) (Capability, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if cl.Subject == "" {
		return Capability{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return Capability{Subject: cl.Subject, Perms: cl.Perms}, nil
}

type ctxKey struct{}

// WithCapability stores c on the context.
func WithCapability(ctx context.Context, c Capability) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the capability stored by WithCapability.
func FromContext(ctx context.Context) (Capability, bool) {
	c, ok := ctx.Value(ctxKey{}).(Capability)
	return c, ok
}
