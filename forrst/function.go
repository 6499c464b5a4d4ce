// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// An OperationKind labels a function's effect for discovery and for
// extensions that treat reads and writes differently.
type OperationKind string

const (
	OperationRead   OperationKind = "read"
	OperationWrite  OperationKind = "write"
	OperationDelete OperationKind = "delete"
)

// Capabilities are the optional behaviors a function declares.
type Capabilities struct {
	// Streamable functions can deliver incremental chunks over SSE.
	Streamable bool `json:"streamable,omitempty"`
	// Idempotent functions are safe to retry without an idempotency key.
	Idempotent bool `json:"idempotent,omitempty"`
	// Operation labels the function's effect.
	Operation OperationKind `json:"operation,omitempty"`
}

// A Deprecation marks a function version as scheduled for removal.
type Deprecation struct {
	Message    string     `json:"message,omitempty"`
	SunsetAt   *time.Time `json:"sunset_at,omitempty"`
	ReplacedBy string     `json:"replaced_by,omitempty"`
}

// An ErrorDef declares an error a function can fail with, for discovery.
// Custom codes may carry an explicit HTTP status; without one they map
// to 400.
type ErrorDef struct {
	Code        Code   `json:"code"`
	Description string `json:"description,omitempty"`
	HTTPStatus  int    `json:"http_status,omitempty"`
}

// A Function describes one registered (urn, version) pair. Descriptors are
// immutable once registered.
type Function struct {
	// URN identifies the function. See ParseFunctionURN for the grammar.
	URN string `json:"urn"`
	// Version is the function's exact semantic version.
	Version string `json:"version"`
	// Summary is a one-line human description for discovery.
	Summary string `json:"summary,omitempty"`
	// Arguments is the JSON schema of the argument object. If nil and the
	// function is registered through the typed API, it is inferred from
	// the input type.
	Arguments *jsonschema.Schema `json:"arguments,omitempty"`
	// Result is the JSON schema of the result, if declared.
	Result *jsonschema.Schema `json:"result,omitempty"`
	// Errors declares the non-catalog codes the function can fail with.
	Errors []ErrorDef `json:"errors,omitempty"`
	// Discoverable controls whether describe and capabilities list the
	// function. Unset means true.
	Discoverable *bool `json:"discoverable,omitempty"`
	// Deprecated, when set, is surfaced in response meta by the
	// deprecation extension.
	Deprecated   *Deprecation `json:"deprecated,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

func (f *Function) discoverable() bool {
	return f.Discoverable == nil || *f.Discoverable
}

// A Handler implements a function. It receives the invocation with
// validated arguments in inv.Args and returns the result value, which may
// be nil for a JSON null result.
//
// A returned *Error is sent to the caller as-is. Any other error maps to
// INTERNAL_ERROR with the detail withheld, and context errors map to
// CANCELLED or DEADLINE_EXCEEDED.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// A StreamHandler implements a streamable function. Chunks written to the
// stream are delivered incrementally when the caller requested SSE, and
// accumulated into an array result otherwise.
type StreamHandler func(ctx context.Context, inv *Invocation, stream *Stream) (any, error)

// A HandlerFor implements a function with typed arguments and result. The
// argument schema is inferred from In unless the descriptor declares one,
// and arguments are validated and defaulted before the handler runs.
type HandlerFor[In, Out any] func(ctx context.Context, inv *Invocation, in In) (Out, error)

// typedHandler adapts a typed handler to the raw Handler signature.
func typedHandler[In, Out any](h HandlerFor[In, Out]) Handler {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		in, err := unmarshalArgs[In](inv.Args)
		if err != nil {
			return nil, Errorf(CodeInvalidArguments, "%v", err).
				withPointer("/call/arguments")
		}
		return h(ctx, inv, in)
	}
}

// A Stream delivers a streamable function's chunks. Send before the handler
// returns; the final return value travels in the terminal event (or, for
// buffered calls, overrides the accumulated array).
type Stream struct {
	seq  int64
	send func(seq int64, data any) error // nil when buffering
	acc  []any
}

// Send emits one chunk. It fails fast once ctx is cancelled so that
// generators unwind promptly on disconnect, cancel, or deadline.
func (s *Stream) Send(ctx context.Context, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.send == nil {
		s.acc = append(s.acc, data)
		s.seq++
		return nil
	}
	err := s.send(s.seq, data)
	if err != nil {
		return err
	}
	s.seq++
	return nil
}

// accumulated returns the buffered chunks of a non-SSE streamable call.
func (s *Stream) accumulated() []any {
	if s.acc == nil {
		return []any{}
	}
	return s.acc
}

// bindArguments coerces, defaults, and validates a call's raw arguments
// against the function's resolved schema. Structural mismatches (not an
// object, missing required field, wrong type) yield INVALID_ARGUMENTS;
// constraint violations from full schema validation yield
// SCHEMA_VALIDATION_FAILED.
func bindArguments(raw json.RawMessage, schema *jsonschema.Schema, resolved *jsonschema.Resolved) (json.RawMessage, *Error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	var args map[string]json.RawMessage
	if err := internaljson.Unmarshal(raw, &args); err != nil {
		return nil, Errorf(CodeInvalidArguments, "arguments must be a JSON object").
			withPointer("/call/arguments")
	}
	if schema == nil {
		return raw, nil
	}

	coerced := coerceArguments(args, schema)

	// Structural pass with precise pointers.
	for _, name := range schema.Required {
		if _, ok := coerced[name]; !ok {
			return nil, Errorf(CodeInvalidArguments, "missing required argument %q", name).
				withPointer("/call/arguments/" + name)
		}
	}
	for name, val := range coerced {
		prop, ok := schema.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if got := jsonTypeOf(val); got != "" && !typeMatches(prop.Type, got) {
			return nil, Errorf(CodeInvalidArguments, "argument %q must be %s, got %s", name, prop.Type, got).
				withPointer("/call/arguments/" + name)
		}
	}

	// Full validation with defaults applied.
	obj := make(map[string]any, len(coerced))
	for name, val := range coerced {
		var v any
		if err := internaljson.Unmarshal(val, &v); err != nil {
			return nil, Errorf(CodeInvalidArguments, "argument %q is not valid JSON", name).
				withPointer("/call/arguments/" + name)
		}
		obj[name] = v
	}
	if resolved != nil {
		if err := resolved.ApplyDefaults(&obj); err != nil {
			return nil, Errorf(CodeSchemaValidationFailed, "applying argument defaults: %v", err).
				withPointer("/call/arguments")
		}
		if err := resolved.Validate(&obj); err != nil {
			return nil, Errorf(CodeSchemaValidationFailed, "%v", err).
				withPointer("/call/arguments")
		}
	}
	out, err := internaljson.Marshal(obj)
	if err != nil {
		return nil, Errorf(CodeInternalError, "internal error")
	}
	return out, nil
}

// coerceArguments rewrites string-encoded primitives to the schema's
// declared type, so "42" binds to an integer parameter and "true" to a
// boolean one. Anything that does not parse cleanly is left for validation
// to reject.
func coerceArguments(args map[string]json.RawMessage, schema *jsonschema.Schema) map[string]json.RawMessage {
	if len(schema.Properties) == 0 {
		return args
	}
	out := make(map[string]json.RawMessage, len(args))
	for name, val := range args {
		out[name] = val
		prop, ok := schema.Properties[name]
		if !ok || jsonTypeOf(val) != "string" {
			continue
		}
		var s string
		if err := internaljson.Unmarshal(val, &s); err != nil {
			continue
		}
		switch prop.Type {
		case "integer":
			if _, err := strconv.ParseInt(s, 10, 64); err == nil {
				out[name] = json.RawMessage(s)
			}
		case "number":
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				out[name] = json.RawMessage(s)
			}
		case "boolean":
			if s == "true" || s == "false" {
				out[name] = json.RawMessage(s)
			}
		}
	}
	return out
}

// jsonTypeOf names the JSON type of a raw value, or "" if undecidable.
func jsonTypeOf(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		if _, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
			return "integer"
		}
		if _, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
			return "number"
		}
		return ""
	}
}

// typeMatches reports whether a value of JSON type got satisfies the
// schema type want. JSON integers satisfy "number", and any integral
// number satisfies "integer" by the time it parses as one.
func typeMatches(want, got string) bool {
	if want == got {
		return true
	}
	if want == "number" && got == "integer" {
		return true
	}
	if got == "null" {
		// Nullability is the schema's call; leave it to full validation.
		return true
	}
	return false
}

// resolveSchema resolves a descriptor schema at registration time so that
// request-time validation does no schema work.
func resolveSchema(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	if s == nil {
		return nil, nil
	}
	return s.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
}

// schemaByType caches inferred schemas per Go type, so typed registration
// of the same shapes stays cheap. Schemas in the cache are shared and must
// not be mutated.
var schemaByType sync.Map // reflect.Type -> *jsonschema.Schema

// inferSchema builds a schema from a Go type for the typed registration
// API.
func inferSchema[T any]() (*jsonschema.Schema, error) {
	t := reflect.TypeFor[T]()
	if cached, ok := schemaByType.Load(t); ok {
		return cached.(*jsonschema.Schema), nil
	}
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, err
	}
	schemaByType.Store(t, schema)
	return schema, nil
}

// unmarshalArgs binds validated arguments to a typed input value.
func unmarshalArgs[In any](args json.RawMessage) (In, error) {
	var in In
	if len(args) == 0 {
		return in, nil
	}
	if err := internaljson.Unmarshal(args, &in); err != nil {
		return in, fmt.Errorf("binding arguments: %w", err)
	}
	return in, nil
}
