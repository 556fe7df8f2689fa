package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testAuthorization(verifier TokenVerifier) *Authorization {
	return NewAuthorization(AuthorizationConfig{
		Resource:             "https://mcp.example.com",
		MetadataURL:          "https://mcp.example.com/.well-known/oauth-protected-resource",
		AuthorizationServers: []string{"https://as.example.com"},
		RequiredScopes:       []string{"mcp:tools"},
	}, verifier)
}

func staticVerifier(tokens map[string]AuthorizationContext) TokenVerifier {
	return func(_ context.Context, token string) (AuthorizationContext, error) {
		ac, ok := tokens[token]
		if !ok {
			return AuthorizationContext{}, fmt.Errorf("%w: unknown token", ErrInvalidToken)
		}
		return ac, nil
	}
}

func bearerRequest(auth *Authorization, header string) *httptest.ResponseRecorder {
	handler := auth.RequireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenYields401WithChallenge(t *testing.T) {
	auth := testAuthorization(staticVerifier(nil))

	rec := bearerRequest(auth, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer resource_metadata=") {
		t.Errorf("unexpected challenge %q", challenge)
	}
	if !strings.Contains(challenge, auth.cfg.MetadataURL) {
		t.Errorf("challenge should reference the metadata URL: %q", challenge)
	}
}

func TestInvalidTokenYields401(t *testing.T) {
	auth := testAuthorization(staticVerifier(map[string]AuthorizationContext{}))

	rec := bearerRequest(auth, "Bearer nope")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestValidTokenAdmitsRequest(t *testing.T) {
	auth := testAuthorization(staticVerifier(map[string]AuthorizationContext{
		"good": {Subject: "alice", Scopes: []string{"mcp:tools", "extra"}},
	}))

	rec := bearerRequest(auth, "Bearer good")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInsufficientScopeYields403(t *testing.T) {
	auth := testAuthorization(staticVerifier(map[string]AuthorizationContext{
		"narrow": {Subject: "bob", Scopes: []string{"other"}},
	}))

	rec := bearerRequest(auth, "Bearer narrow")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("403 should carry a challenge")
	}
}

func TestProviderFailureClosedByDefault(t *testing.T) {
	auth := testAuthorization(func(context.Context, string) (AuthorizationContext, error) {
		return AuthorizationContext{}, errors.New("jwks fetch failed")
	})

	rec := bearerRequest(auth, "Bearer whatever")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestProviderFailureFailOpenAdmits(t *testing.T) {
	auth := NewAuthorization(AuthorizationConfig{
		MetadataURL: "https://mcp.example.com/prm",
		FailOpen:    true,
	}, func(context.Context, string) (AuthorizationContext, error) {
		return AuthorizationContext{}, errors.New("jwks fetch failed")
	})

	rec := bearerRequest(auth, "Bearer whatever")
	if rec.Code != http.StatusOK {
		t.Fatalf("fail-open should admit on provider failure, got %d", rec.Code)
	}

	// An invalid token is still rejected even with fail-open.
	auth2 := NewAuthorization(AuthorizationConfig{FailOpen: true},
		func(context.Context, string) (AuthorizationContext, error) {
			return AuthorizationContext{}, ErrInvalidToken
		})
	rec = bearerRequest(auth2, "Bearer bad")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("fail-open must not admit invalid tokens, got %d", rec.Code)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	auth := testAuthorization(staticVerifier(nil))

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	auth.MetadataHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=300" {
		t.Errorf("unexpected cache control %q", cc)
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if doc["resource"] != "https://mcp.example.com" {
		t.Errorf("unexpected resource: %v", doc["resource"])
	}
	servers, _ := doc["authorization_servers"].([]any)
	if len(servers) != 1 || servers[0] != "https://as.example.com" {
		t.Errorf("unexpected authorization servers: %v", doc["authorization_servers"])
	}

	req = httptest.NewRequest(http.MethodPost, "/.well-known/oauth-protected-resource", nil)
	rec = httptest.NewRecorder()
	auth.MetadataHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST to metadata: expected 405, got %d", rec.Code)
	}
}
