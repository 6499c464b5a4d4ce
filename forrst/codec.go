// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// A Codec translates between wire bytes and protocol values. Decode
// failures are reported as *Error so the handler can answer with a
// well-formed error response; PARSE_ERROR carries the byte offset at which
// decoding failed.
type Codec interface {
	DecodeRequest(data []byte) (*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
}

// JSONCodec is the default UTF-8 JSON codec.
type JSONCodec struct{}

func (JSONCodec) DecodeRequest(data []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &Error{
			Code:    CodeParseError,
			Message: "empty request body",
			Source:  positionAt(0),
		}
	}
	if trimmed[0] == '[' {
		return nil, Errorf(CodeInvalidRequest, "batch requests are not supported")
	}
	var req Request
	if err := internaljson.Unmarshal(data, &req); err != nil {
		return nil, decodeError(err)
	}
	return &req, nil
}

func (JSONCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return internaljson.Marshal(resp)
}

// marshalResult encodes a handler result as its wire bytes. A nil result is
// JSON null, and a json.RawMessage passes through verbatim.
func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	}
	return internaljson.Marshal(result)
}

// decodeError maps a JSON decoding failure onto the protocol error model.
// Malformed JSON is PARSE_ERROR with the offending byte offset; well-formed
// JSON of the wrong shape is INVALID_REQUEST with a pointer to the field.
func decodeError(err error) *Error {
	var syn *internaljson.SyntaxError
	if errors.As(err, &syn) {
		return &Error{
			Code:    CodeParseError,
			Message: "invalid JSON: " + syn.Error(),
			Source:  positionAt(syn.Offset),
		}
	}
	var typ *internaljson.UnmarshalTypeError
	if errors.As(err, &typ) {
		e := Errorf(CodeInvalidRequest, "invalid %s: expected %s", typ.Field, typ.Type)
		if typ.Field != "" {
			e.withPointer("/" + strings.ReplaceAll(typ.Field, ".", "/"))
		}
		return e
	}
	return Errorf(CodeParseError, "invalid request document: %v", err)
}
