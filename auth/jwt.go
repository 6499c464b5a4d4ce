// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifierOptions configure a JWT verifier.
type JWTVerifierOptions struct {
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// ScopeClaim names the claim carrying the space-separated scopes.
	// Defaults to "scope".
	ScopeClaim string
}

// NewHMACVerifier returns a TokenVerifier for HS256-family tokens signed
// with key.
func NewHMACVerifier(key []byte, opts *JWTVerifierOptions) TokenVerifier {
	return newJWTVerifier(func(*jwt.Token) (any, error) { return key, nil },
		[]string{"HS256", "HS384", "HS512"}, opts)
}

// NewRSAVerifier returns a TokenVerifier for RS256-family tokens verified
// against pub.
func NewRSAVerifier(pub *rsa.PublicKey, opts *JWTVerifierOptions) TokenVerifier {
	return newJWTVerifier(func(*jwt.Token) (any, error) { return pub, nil },
		[]string{"RS256", "RS384", "RS512"}, opts)
}

func newJWTVerifier(keyFunc jwt.Keyfunc, methods []string, opts *JWTVerifierOptions) TokenVerifier {
	if opts == nil {
		opts = &JWTVerifierOptions{}
	}
	scopeClaim := opts.ScopeClaim
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(ctx context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		claims := jwt.MapClaims{}
		parsed, err := parser.ParseWithClaims(token, claims, keyFunc)
		if err != nil || !parsed.Valid {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		info := &TokenInfo{Extra: map[string]any{}}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			info.Expiration = exp.Time
		}
		if iss, err := claims.GetIssuer(); err == nil {
			info.Issuer = iss
		}
		if sub, err := claims.GetSubject(); err == nil {
			info.Subject = sub
		}
		if aud, err := claims.GetAudience(); err == nil {
			info.Audience = aud
		}
		if scope, ok := claims[scopeClaim].(string); ok {
			info.Scopes = strings.Fields(scope)
		}
		for k, v := range claims {
			switch k {
			case "exp", "iss", "sub", "aud", "nbf", "iat", scopeClaim:
			default:
				info.Extra[k] = v
			}
		}
		return info, nil
	}
}
