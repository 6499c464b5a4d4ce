// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package auth provides bearer-token authentication middleware for
// transports hosting a Forrst server. The core runtime is auth-agnostic;
// transports that need authentication wrap the RPC handler with
// RequireBearerToken and read the verified identity back out of the request
// context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ErrInvalidToken is returned by a TokenVerifier when the token is
// malformed, forged, or revoked. The middleware answers 401.
var ErrInvalidToken = errors.New("invalid token")

// TokenInfo is the verified identity a token carries.
type TokenInfo struct {
	// Scopes are the token's granted scopes.
	Scopes []string
	// Expiration is when the token stops being valid. Verifiers must set
	// it; the middleware rejects tokens without one.
	Expiration time.Time
	// Issuer, Subject, and Audience mirror the corresponding JWT claims
	// for verifiers that have them.
	Issuer   string
	Subject  string
	Audience []string
	// Extra carries verifier-specific claims.
	Extra map[string]any
}

// A TokenVerifier checks a bearer token and reports the identity behind it.
// The request is provided for verifiers that consult other headers.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configure the middleware.
type RequireBearerTokenOptions struct {
	// Scopes that the token must include, all of them. Empty means any
	// valid token passes.
	Scopes []string
	// Realm is quoted in the WWW-Authenticate header on rejections.
	Realm string
}

type tokenInfoKey struct{}

// TokenInfoFromContext returns the verified token identity, or nil when the
// request did not pass through RequireBearerToken.
func TokenInfoFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info
}

// RequireBearerToken returns middleware that extracts the Authorization
// bearer token, verifies it, checks scopes, and stores the TokenInfo in the
// request context. Requests without a valid token never reach the wrapped
// handler.
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, msg, code := verify(r, verifier, opts)
			if code != 0 {
				writeDenial(w, opts, msg, code)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), tokenInfoKey{}, info))
			handler.ServeHTTP(w, r)
		})
	}
}

// verify runs the checks and reports the failure message and HTTP status,
// with a zero status on success.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	token, ok := bearerToken(req.Header.Get("Authorization"))
	if !ok {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	info, err := verifier(req.Context(), token, req)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, "invalid token", http.StatusUnauthorized
		}
		return nil, "token verification failed", http.StatusInternalServerError
	}
	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if time.Now().After(info.Expiration) {
		return nil, "token expired", http.StatusUnauthorized
	}
	if opts != nil {
		for _, scope := range opts.Scopes {
			if !slices.Contains(info.Scopes, scope) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}
	return info, "", 0
}

// bearerToken extracts the token from an Authorization header. The scheme
// comparison is case-insensitive per RFC 9110.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeDenial(w http.ResponseWriter, opts *RequireBearerTokenOptions, msg string, code int) {
	challenge := "Bearer"
	if opts != nil && opts.Realm != "" {
		challenge = fmt.Sprintf("Bearer realm=%q", opts.Realm)
	}
	if code == http.StatusForbidden {
		challenge += ` error="insufficient_scope"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, msg, code)
}
