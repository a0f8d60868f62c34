package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tracklight/tracklight-mcp/auth"
)

type mockOIDC struct {
	srv *httptest.Server
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.srv.URL,
			"jwks_uri":                 m.srv.URL + "/keys",
			"authorization_endpoint":   m.srv.URL + "/authorize",
			"token_endpoint":           m.srv.URL + "/oauth/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newAuthenticator(t *testing.T, issuer, aud string) *Authenticator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audience = aud
	cfg.Leeway = 0
	a, err := NewFromDiscovery(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestAuthenticate_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	aud := "https://mcp.tracklight.dev/mcp"
	a := newAuthenticator(t, oidcSrv.srv.URL, aud)

	now := time.Now()
	tok := signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
		"iss":   oidcSrv.srv.URL,
		"sub":   "user-123",
		"aud":   aud,
		"email": "user@example.com",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
	})

	claims, err := a.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("want sub user-123, got %q", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("email mismatch: %q", claims.Email)
	}
	if claims.Raw["iss"] != oidcSrv.srv.URL {
		t.Fatalf("raw claim bag missing iss")
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	aud := "https://mcp.tracklight.dev/mcp"
	a := newAuthenticator(t, oidcSrv.srv.URL, aud)

	tok := signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
		"iss": oidcSrv.srv.URL,
		"sub": "user-123",
		"aud": aud,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticate_WrongAudience(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	a := newAuthenticator(t, oidcSrv.srv.URL, "https://mcp.tracklight.dev/mcp")

	tok := signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
		"iss": oidcSrv.srv.URL,
		"sub": "user-123",
		"aud": "https://other.example",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticate_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	aud := "https://mcp.tracklight.dev/mcp"
	a := newAuthenticator(t, oidcSrv.srv.URL, aud)

	tok := signToken(t, pk, kid, "JWT", jwt.MapClaims{
		"iss": oidcSrv.srv.URL,
		"sub": "user-123",
		"aud": aud,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticate_MissingSub(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	aud := "https://mcp.tracklight.dev/mcp"
	a := newAuthenticator(t, oidcSrv.srv.URL, aud)

	tok := signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
		"iss": oidcSrv.srv.URL,
		"aud": aud,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
