package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trybotster/webterm-hubd/internal/apierror"
	"github.com/trybotster/webterm-hubd/internal/jwks"
)

type jwksKeyDoc struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func setupProvider(t *testing.T, issuer string) (*Validator, *rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	kid := "test-kid"
	eBytes := big.NewInt(int64(priv.PublicKey.E)).Bytes()
	doc := jwksKeyDoc{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(eBytes),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []jwksKeyDoc{doc}})
	}))
	t.Cleanup(srv.Close)

	cache := jwks.NewCache([]jwks.Provider{{
		Name:     "test-provider",
		JWKSURL:  srv.URL,
		Issuer:   issuer,
		CacheTTL: time.Minute,
	}}, nil, nil)

	return New(cache, nil, 30*time.Second), priv, kid
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid, issuer, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Groups: []string{"user"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	validator, priv, kid := setupProvider(t, "https://issuer.example")
	token := signToken(t, priv, kid, "https://issuer.example", "user-1", time.Hour)

	validated, err := validator.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if validated.Claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", validated.Claims.Subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	validator, priv, kid := setupProvider(t, "https://issuer.example")
	token := signToken(t, priv, kid, "https://issuer.example", "user-1", -time.Hour)

	_, err := validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("Validate() on expired token returned nil error")
	}
	apiErr, ok := apierror.As(err)
	if !ok {
		t.Fatalf("error is not an *apierror.Error: %v", err)
	}
	if apiErr.Kind != apierror.KindAuthExpired {
		t.Errorf("error kind = %v, want auth_expired", apiErr.Kind)
	}
}

func TestValidateRejectsUnknownIssuer(t *testing.T) {
	validator, priv, kid := setupProvider(t, "https://issuer.example")
	token := signToken(t, priv, kid, "https://someone-else.example", "user-1", time.Hour)

	_, err := validator.Validate(context.Background(), token)
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != "UNKNOWN_ISSUER" {
		t.Errorf("error = %v, want UNKNOWN_ISSUER", err)
	}
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	validator, _, _ := setupProvider(t, "https://issuer.example")

	_, err := validator.Validate(context.Background(), "not-a-jwt")
	if err == nil {
		t.Error("Validate() on malformed token returned nil error")
	}
}
