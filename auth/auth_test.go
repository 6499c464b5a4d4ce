// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func staticVerifier(info *TokenInfo, err error) TokenVerifier {
	return func(context.Context, string, *http.Request) (*TokenInfo, error) {
		return info, err
	}
}

func validInfo() *TokenInfo {
	return &TokenInfo{
		Scopes:     []string{"calls:read", "calls:write"},
		Expiration: time.Now().Add(time.Hour),
		Subject:    "user-1",
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		verifier TokenVerifier
		opts     *RequireBearerTokenOptions
		wantMsg  string
		wantCode int
	}{
		{
			name:     "valid token",
			header:   "Bearer abc",
			verifier: staticVerifier(validInfo(), nil),
		},
		{
			name:     "case-insensitive scheme",
			header:   "bearer abc",
			verifier: staticVerifier(validInfo(), nil),
		},
		{
			name:     "no header",
			verifier: staticVerifier(validInfo(), nil),
			wantMsg:  "no bearer token",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong scheme",
			header:   "Basic abc",
			verifier: staticVerifier(validInfo(), nil),
			wantMsg:  "no bearer token",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "empty token",
			header:   "Bearer   ",
			verifier: staticVerifier(validInfo(), nil),
			wantMsg:  "no bearer token",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "rejected token",
			header:   "Bearer abc",
			verifier: staticVerifier(nil, ErrInvalidToken),
			wantMsg:  "invalid token",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "verifier failure",
			header:   "Bearer abc",
			verifier: staticVerifier(nil, errors.New("backend down")),
			wantMsg:  "token verification failed",
			wantCode: http.StatusInternalServerError,
		},
		{
			name:     "missing expiration",
			header:   "Bearer abc",
			verifier: staticVerifier(&TokenInfo{Scopes: []string{"calls:read"}}, nil),
			wantMsg:  "token missing expiration",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:   "expired",
			header: "Bearer abc",
			verifier: staticVerifier(&TokenInfo{
				Expiration: time.Now().Add(-time.Minute),
			}, nil),
			wantMsg:  "token expired",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "insufficient scope",
			header:   "Bearer abc",
			verifier: staticVerifier(validInfo(), nil),
			opts:     &RequireBearerTokenOptions{Scopes: []string{"calls:write", "admin"}},
			wantMsg:  "insufficient scope",
			wantCode: http.StatusForbidden,
		},
		{
			name:     "all scopes present",
			header:   "Bearer abc",
			verifier: staticVerifier(validInfo(), nil),
			opts:     &RequireBearerTokenOptions{Scopes: []string{"calls:read", "calls:write"}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}
			info, msg, code := verify(req, test.verifier, test.opts)
			if msg != test.wantMsg || code != test.wantCode {
				t.Errorf("verify() = (%q, %d), want (%q, %d)", msg, code, test.wantMsg, test.wantCode)
			}
			if test.wantCode == 0 && info == nil {
				t.Error("verify() passed without token info")
			}
		})
	}
}

func TestRequireBearerToken(t *testing.T) {
	var got *TokenInfo
	handler := RequireBearerToken(staticVerifier(validInfo(), nil), &RequireBearerTokenOptions{
		Realm: "forrst",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TokenInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got == nil || got.Subject != "user-1" {
		t.Errorf("TokenInfoFromContext = %+v", got)
	}

	// Denials carry the WWW-Authenticate challenge and skip the handler.
	got = nil
	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if challenge := w.Header().Get("WWW-Authenticate"); challenge != `Bearer realm="forrst"` {
		t.Errorf("WWW-Authenticate = %q", challenge)
	}
	if got != nil {
		t.Error("handler ran without a token")
	}
}

func TestRequireBearerTokenScopeChallenge(t *testing.T) {
	handler := RequireBearerToken(staticVerifier(validInfo(), nil), &RequireBearerTokenOptions{
		Scopes: []string{"admin"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler ran with insufficient scope")
	}))

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if challenge := w.Header().Get("WWW-Authenticate"); !strings.Contains(challenge, `error="insufficient_scope"`) {
		t.Errorf("WWW-Authenticate = %q", challenge)
	}
}

func TestTokenInfoFromContextAbsent(t *testing.T) {
	if info := TokenInfoFromContext(context.Background()); info != nil {
		t.Errorf("TokenInfoFromContext on bare context = %+v", info)
	}
}
