package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticateScopes(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "adapter", Scopes: []string{ScopeDispatchRW, ScopeInteractionsRW}},
		{Token: "viewer", Scopes: []string{" events:ro ", ""}},
	}

	admin, ok := Authenticate("root-key", "root-key", tokens)
	if !ok || !HasAnyScope(admin, ScopeDispatchRW) {
		t.Fatalf("api key should authenticate with full access")
	}

	adapter, ok := Authenticate("adapter", "root-key", tokens)
	if !ok {
		t.Fatalf("adapter token should authenticate")
	}
	if !HasAnyScope(adapter, ScopeInteractionsRO) {
		t.Fatalf("interactions:rw should imply interactions:ro")
	}
	if HasAnyScope(adapter, ScopeEventsRO) {
		t.Fatalf("adapter token must not read events")
	}

	viewer, ok := Authenticate("viewer", "", tokens)
	if !ok || !HasAnyScope(viewer, ScopeEventsRO) || HasAnyScope(viewer, ScopeDispatchRW) {
		t.Fatalf("viewer scopes = %v", viewer.Scopes)
	}

	if _, ok := Authenticate("nope", "root-key", tokens); ok {
		t.Fatalf("unknown token should not authenticate")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatalf("empty token should not authenticate")
	}
}
