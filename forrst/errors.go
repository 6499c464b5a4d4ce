// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"fmt"
	"net/http"
	"regexp"
)

// A Code identifies an error condition. The protocol defines a closed set of
// codes, each with a fixed HTTP status and client/server classification;
// functions may additionally fail with custom codes of their own, which must
// be SCREAMING_SNAKE_CASE and should be declared on the function descriptor.
type Code string

const (
	CodeParseError             Code = "PARSE_ERROR"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeInvalidProtocolVersion Code = "INVALID_PROTOCOL_VERSION"
	CodeFunctionNotFound       Code = "FUNCTION_NOT_FOUND"
	CodeVersionNotFound        Code = "VERSION_NOT_FOUND"
	CodeInvalidArguments       Code = "INVALID_ARGUMENTS"
	CodeSchemaValidationFailed Code = "SCHEMA_VALIDATION_FAILED"
	CodeExtensionNotSupported  Code = "EXTENSION_NOT_SUPPORTED"
	CodeExtensionNotApplicable Code = "EXTENSION_NOT_APPLICABLE"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeGone                   Code = "GONE"
	CodeDeadlineExceeded       Code = "DEADLINE_EXCEEDED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeCancelled              Code = "CANCELLED"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeUnavailable            Code = "UNAVAILABLE"
	CodeDependencyError        Code = "DEPENDENCY_ERROR"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyProcessing  Code = "IDEMPOTENCY_PROCESSING"
	CodeAsyncOperationNotFound Code = "ASYNC_OPERATION_NOT_FOUND"
	CodeAsyncOperationFailed   Code = "ASYNC_OPERATION_FAILED"
	CodeAsyncCannotCancel      Code = "ASYNC_CANNOT_CANCEL"
	CodeCancelTokenUnknown     Code = "CANCEL_TOKEN_UNKNOWN"
)

// httpStatusCancelled is the status used for CANCELLED responses. 499 is the
// nginx convention for "client closed request"; it is not an IANA-registered
// status but is widely understood by proxies and log pipelines.
const httpStatusCancelled = 499

type codeInfo struct {
	status    int
	server    bool // server fault, as opposed to a problem with the request
	retryable bool // safe to retry without operator intervention
}

var codeCatalog = map[Code]codeInfo{
	CodeParseError:             {status: http.StatusBadRequest},
	CodeInvalidRequest:         {status: http.StatusBadRequest},
	CodeInvalidProtocolVersion: {status: http.StatusBadRequest},
	CodeFunctionNotFound:       {status: http.StatusNotFound},
	CodeVersionNotFound:        {status: http.StatusNotFound},
	CodeInvalidArguments:       {status: http.StatusBadRequest},
	CodeSchemaValidationFailed: {status: http.StatusUnprocessableEntity},
	CodeExtensionNotSupported:  {status: http.StatusBadRequest},
	CodeExtensionNotApplicable: {status: http.StatusBadRequest},
	CodeUnauthorized:           {status: http.StatusUnauthorized},
	CodeForbidden:              {status: http.StatusForbidden},
	CodeNotFound:               {status: http.StatusNotFound},
	CodeConflict:               {status: http.StatusConflict},
	CodeGone:                   {status: http.StatusGone},
	CodeDeadlineExceeded:       {status: http.StatusGatewayTimeout, server: true, retryable: true},
	CodeRateLimited:            {status: http.StatusTooManyRequests, retryable: true},
	CodeCancelled:              {status: httpStatusCancelled},
	CodeInternalError:          {status: http.StatusInternalServerError, server: true},
	CodeUnavailable:            {status: http.StatusServiceUnavailable, server: true, retryable: true},
	CodeDependencyError:        {status: http.StatusBadGateway, server: true, retryable: true},
	CodeIdempotencyConflict:    {status: http.StatusConflict},
	CodeIdempotencyProcessing:  {status: http.StatusConflict},
	CodeAsyncOperationNotFound: {status: http.StatusNotFound},
	CodeAsyncOperationFailed:   {status: http.StatusInternalServerError, server: true},
	CodeAsyncCannotCancel:      {status: http.StatusBadRequest},
	CodeCancelTokenUnknown:     {status: http.StatusNotFound},
}

// customCodeRE matches caller-defined codes: SCREAMING_SNAKE_CASE,
// starting with a letter.
var customCodeRE = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)

// Known reports whether c belongs to the protocol's closed code set.
func (c Code) Known() bool {
	_, ok := codeCatalog[c]
	return ok
}

// Valid reports whether c is a catalog code or a well-formed custom code.
func (c Code) Valid() bool {
	return c.Known() || customCodeRE.MatchString(string(c))
}

// HTTPStatus returns the HTTP status the code maps to. Custom codes map to
// 400: they describe the caller's request being rejected on domain grounds,
// while server faults surface through the catalog's 5xx codes.
func (c Code) HTTPStatus() int {
	if info, ok := codeCatalog[c]; ok {
		return info.status
	}
	return http.StatusBadRequest
}

// Retryable reports whether a failure with this code is transient enough
// that a client may retry the identical request.
func (c Code) Retryable() bool {
	return codeCatalog[c].retryable
}

// ServerFault reports whether the code describes a fault in the server
// rather than in the request.
func (c Code) ServerFault() bool {
	return codeCatalog[c].server
}

// An Error is a protocol error object. It is used both as the wire shape of
// an entry in a response's errors array and as a Go error value returned by
// functions and extension hooks.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Source  *ErrorSource   `json:"source,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// An ErrorSource locates the origin of an error within the request document.
type ErrorSource struct {
	// Pointer is an RFC 6901 JSON pointer into the request body.
	Pointer string `json:"pointer,omitempty"`
	// Position is a byte offset into the raw request, for errors detected
	// before the body could be parsed.
	Position *int64 `json:"position,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf constructs an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// withDetail returns e with the detail key set, allocating the map lazily.
func (e *Error) withDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// withPointer returns e with its source set to a JSON pointer.
func (e *Error) withPointer(ptr string) *Error {
	e.Source = &ErrorSource{Pointer: ptr}
	return e
}

// positionAt builds an ErrorSource from a byte offset.
func positionAt(off int64) *ErrorSource {
	return &ErrorSource{Position: &off}
}
