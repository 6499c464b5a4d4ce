// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package canonjson produces a canonical encoding of a JSON value: object
// keys sorted, insignificant whitespace removed, number literals preserved
// as written. Two JSON texts that encode the same value canonicalize to the
// same bytes, which makes the output suitable for hashing.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/forrstprotocol/forrst-go/internal/json"
)

// Canonicalize returns the canonical encoding of the JSON text in data.
// An empty or nil input canonicalizes to the JSON null literal.
func Canonicalize(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("null"), nil
	}
	// Round-tripping through any gives map-backed objects, which the
	// encoder writes with sorted keys. UseNumber keeps number literals
	// verbatim so 1e2 and 100 remain distinct inputs to the hash.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of data.
func Hash(data []byte) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
