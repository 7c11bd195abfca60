// Package jwtauth validates bearer tokens against the JWKS cache.
// Validate follows the same order as the original provider-resolution
// algorithm: parse the header to get kid and alg without verifying the
// signature, peek at the unverified claims to find the issuer, resolve the
// matching provider and key, then perform the real signature verification
// with that key and algorithm.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trybotster/webterm-hubd/internal/apierror"
	"github.com/trybotster/webterm-hubd/internal/jwks"
)

// DefaultAllowedAlgorithms matches every provider configured with no
// explicit algorithm restriction.
var DefaultAllowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}

// Claims carries the registered JWT claims plus the optional identity
// fields providers commonly attach.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	EntityRef []string `json:"ent,omitempty"`
}

// Validated is the result of a successful validation.
type Validated struct {
	Claims    Claims
	Provider  string
	Algorithm string
}

// Validator validates bearer tokens against a jwks.Cache.
type Validator struct {
	cache             *jwks.Cache
	allowedAlgorithms map[string]bool
	clockSkew         time.Duration
}

// New builds a Validator. allowedAlgorithms defaults to
// DefaultAllowedAlgorithms when empty.
func New(cache *jwks.Cache, allowedAlgorithms []string, clockSkew time.Duration) *Validator {
	if len(allowedAlgorithms) == 0 {
		allowedAlgorithms = DefaultAllowedAlgorithms
	}
	set := make(map[string]bool, len(allowedAlgorithms))
	for _, a := range allowedAlgorithms {
		set[a] = true
	}
	return &Validator{cache: cache, allowedAlgorithms: set, clockSkew: clockSkew}
}

// Validate performs the full JWKS-backed validation of token.
func (v *Validator) Validate(ctx context.Context, token string) (*Validated, error) {
	parser := jwt.NewParser()

	unverified, _, err := parser.ParseUnverified(token, &Claims{})
	if err != nil {
		return nil, apierror.AuthInvalid("malformed token", err)
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, apierror.AuthInvalid("token header missing kid", nil)
	}

	alg, _ := unverified.Header["alg"].(string)
	if !v.allowedAlgorithms[alg] {
		return nil, apierror.AuthInvalid(fmt.Sprintf("algorithm %q is not permitted", alg), nil)
	}

	claims, ok := unverified.Claims.(*Claims)
	if !ok || claims.Issuer == "" {
		return nil, apierror.AuthInvalid("token missing issuer claim", nil)
	}

	provider, ok := v.cache.ProviderByIssuer(claims.Issuer)
	if !ok {
		return nil, apierror.WrongIssuer(claims.Issuer)
	}
	if len(provider.Algorithms) > 0 {
		permitted := false
		for _, a := range provider.Algorithms {
			if a == alg {
				permitted = true
				break
			}
		}
		if !permitted {
			return nil, apierror.AuthInvalid(fmt.Sprintf("algorithm %q is not permitted for provider %s", alg, provider.Name), nil)
		}
	}

	key, err := v.cache.Find(ctx, provider.Name, kid)
	if err != nil {
		return nil, apierror.KeyUnavailable(kid, err)
	}

	pub, err := key.PublicKey()
	if err != nil {
		return nil, apierror.AuthInvalid("unusable signing key", err)
	}

	verified := &Claims{}
	parsedToken, err := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(provider.Issuer),
		jwt.WithLeeway(v.clockSkew),
	).ParseWithClaims(token, verified, func(t *jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierror.AuthExpired("token has expired", err)
		}
		return nil, apierror.AuthInvalid("token signature verification failed", err)
	}
	if !parsedToken.Valid {
		return nil, apierror.AuthInvalid("token is not valid", nil)
	}

	return &Validated{Claims: *verified, Provider: provider.Name, Algorithm: alg}, nil
}
