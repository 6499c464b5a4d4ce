// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestHMACVerifier(t *testing.T) {
	verifier := NewHMACVerifier(testKey, &JWTVerifierOptions{
		Issuer:   "https://issuer.example",
		Audience: "forrst-api",
	})

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signHS256(t, jwt.MapClaims{
		"iss":    "https://issuer.example",
		"aud":    "forrst-api",
		"sub":    "user-1",
		"exp":    exp.Unix(),
		"scope":  "calls:read calls:write",
		"tenant": "acme",
	})

	info, err := verifier(context.Background(), token, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if info.Subject != "user-1" || info.Issuer != "https://issuer.example" {
		t.Errorf("identity = %+v", info)
	}
	if !info.Expiration.Equal(exp) {
		t.Errorf("expiration = %v, want %v", info.Expiration, exp)
	}
	if len(info.Scopes) != 2 || info.Scopes[0] != "calls:read" {
		t.Errorf("scopes = %v", info.Scopes)
	}
	if info.Extra["tenant"] != "acme" {
		t.Errorf("extra claims = %v", info.Extra)
	}
	if _, ok := info.Extra["scope"]; ok {
		t.Error("scope claim leaked into Extra")
	}
}

func TestHMACVerifierRejections(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		opts   *JWTVerifierOptions
		claims jwt.MapClaims
	}{
		{
			name:   "expired",
			claims: jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()},
		},
		{
			name:   "missing expiration",
			claims: jwt.MapClaims{"sub": "user-1"},
		},
		{
			name:   "wrong issuer",
			opts:   &JWTVerifierOptions{Issuer: "https://issuer.example"},
			claims: jwt.MapClaims{"iss": "https://other.example", "exp": exp},
		},
		{
			name:   "wrong audience",
			opts:   &JWTVerifierOptions{Audience: "forrst-api"},
			claims: jwt.MapClaims{"aud": "other-api", "exp": exp},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verifier := NewHMACVerifier(testKey, test.opts)
			_, err := verifier(context.Background(), signHS256(t, test.claims), nil)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("verifier = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestHMACVerifierWrongKey(t *testing.T) {
	verifier := NewHMACVerifier([]byte("another-key-entirely-32-bytes!!!"), nil)
	token := signHS256(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := verifier(context.Background(), token, nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("verifier = %v, want ErrInvalidToken", err)
	}
}

func TestHMACVerifierScopeClaim(t *testing.T) {
	verifier := NewHMACVerifier(testKey, &JWTVerifierOptions{ScopeClaim: "permissions"})
	token := signHS256(t, jwt.MapClaims{
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": "ops:list",
	})
	info, err := verifier(context.Background(), token, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if len(info.Scopes) != 1 || info.Scopes[0] != "ops:list" {
		t.Errorf("scopes = %v", info.Scopes)
	}
}
