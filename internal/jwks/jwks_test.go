package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func rsaJWK(t *testing.T, kid string) (JSONWebKey, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	eBytes := big.NewInt(int64(priv.PublicKey.E)).Bytes()
	return JSONWebKey{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(eBytes),
	}, priv
}

func TestKeysFetchesAndCaches(t *testing.T) {
	key, _ := rsaJWK(t, "kid-1")

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		_ = json.NewEncoder(w).Encode(jwksResponse{Keys: []JSONWebKey{key}})
	}))
	defer srv.Close()

	cache := NewCache([]Provider{{Name: "p1", JWKSURL: srv.URL, Issuer: "https://issuer.example", CacheTTL: time.Minute}}, nil, nil)

	for i := 0; i < 3; i++ {
		keys, err := cache.Keys(context.Background(), "p1")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(keys) != 1 || keys[0].Kid != "kid-1" {
			t.Fatalf("Keys() = %+v, want one key kid-1", keys)
		}
	}

	if atomic.LoadInt32(&requests) != 1 {
		t.Errorf("requests = %d, want 1 (cached after first fetch)", requests)
	}
}

func TestFindUnknownKidErrors(t *testing.T) {
	key, _ := rsaJWK(t, "kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksResponse{Keys: []JSONWebKey{key}})
	}))
	defer srv.Close()

	cache := NewCache([]Provider{{Name: "p1", JWKSURL: srv.URL, Issuer: "https://issuer.example", CacheTTL: time.Minute}}, nil, nil)

	if _, err := cache.Find(context.Background(), "p1", "missing-kid"); err == nil {
		t.Error("Find() with unknown kid returned nil error")
	}
}

func TestPublicKeyRejectsNonSigUse(t *testing.T) {
	key, _ := rsaJWK(t, "kid-1")
	key.Use = "enc"

	if _, err := key.PublicKey(); err == nil {
		t.Error("PublicKey() on a use=enc key succeeded, want error")
	}
}

func TestProviderByIssuer(t *testing.T) {
	cache := NewCache([]Provider{{Name: "p1", Issuer: "https://issuer.example"}}, nil, nil)

	p, ok := cache.ProviderByIssuer("https://issuer.example")
	if !ok || p.Name != "p1" {
		t.Errorf("ProviderByIssuer() = %+v, %v, want p1, true", p, ok)
	}
	if _, ok := cache.ProviderByIssuer("https://unknown.example"); ok {
		t.Error("ProviderByIssuer() matched an unconfigured issuer")
	}
}

func TestKeysFailOpenOnRefreshFailure(t *testing.T) {
	key, _ := rsaJWK(t, "kid-1")
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksResponse{Keys: []JSONWebKey{key}})
	}))
	defer srv.Close()

	cache := NewCache([]Provider{{Name: "p1", JWKSURL: srv.URL, Issuer: "https://issuer.example", CacheTTL: time.Nanosecond}}, nil, nil)

	if _, err := cache.Keys(context.Background(), "p1"); err != nil {
		t.Fatalf("initial Keys() error = %v", err)
	}

	fail = true
	time.Sleep(time.Millisecond)
	keys, err := cache.Keys(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Keys() after failed refresh returned error, want fail-open stale result: %v", err)
	}
	if len(keys) != 1 || keys[0].Kid != "kid-1" {
		t.Errorf("stale keys = %+v, want the original cached key", keys)
	}
}
