// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json routes the module's JSON encoding through a single
// implementation. Everything under the repository root should call this
// package rather than encoding/json directly so the codec can be swapped in
// one place.
//
// The implementation is github.com/segmentio/encoding/json, an
// API-compatible replacement for encoding/json with a faster encoder and a
// decoder that reports byte offsets on syntax errors, which the protocol
// surfaces in parse-error sources. Public struct fields keep using
// encoding/json.RawMessage; the segmentio decoder understands it.
package json

import (
	"io"

	"github.com/segmentio/encoding/json"
)

// SyntaxError records a malformed-JSON error and the byte offset at which
// it was detected.
type SyntaxError = json.SyntaxError

// UnmarshalTypeError records a JSON value that was not appropriate for a
// value of a specific Go type.
type UnmarshalTypeError = json.UnmarshalTypeError

// Decoder is a streaming JSON decoder.
type Decoder = json.Decoder

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func NewDecoder(r io.Reader) *Decoder {
	return json.NewDecoder(r)
}

// Valid reports whether data is a syntactically valid JSON encoding.
func Valid(data []byte) bool {
	return json.Valid(data)
}
