package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func jwksDocument(t *testing.T, kid string, key *rsa.PrivateKey) string {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	return fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"use":"sig","alg":"RS256","n":%q,"e":%q}]}`, kid, n, e)
}

func TestJWKSProviderVerifiesRemoteKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	doc := jwksDocument(t, testKid, key)

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys, err := NewJWKSProvider(ctx, srv.URL, time.Hour, nil)
	if err != nil {
		t.Fatalf("jwks provider: %v", err)
	}

	a := NewJWTAuthenticator(JWTConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
	}, keys, nil)

	id, err := a.Authenticate(context.Background(), signToken(t, key, validClaims()))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "auth0|user-42" || id.Method != "jwt" {
		t.Fatalf("unexpected identity %+v", id)
	}

	// The key set is cached: a second verification must not refetch.
	before := fetches.Load()
	if _, err := a.Authenticate(context.Background(), signToken(t, key, validClaims())); err != nil {
		t.Fatalf("authenticate (cached): %v", err)
	}
	if fetches.Load() != before {
		t.Fatalf("expected cached key set, got %d extra fetches", fetches.Load()-before)
	}
}

func TestJWKSProviderRejectsUnreachableEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewJWKSProvider(ctx, "http://127.0.0.1:1/jwks.json", time.Hour, nil); err == nil {
		t.Fatalf("expected error for unreachable jwks endpoint")
	}
}
