// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

const (
	// ProtocolName is the value of the envelope's protocol.name field.
	ProtocolName = "forrst"
	// ProtocolVersion is the protocol version this runtime speaks.
	ProtocolVersion = "0.1.0"
)

// Limits fixed by the protocol, independent of server configuration.
const (
	maxErrors           = 100 // errors array length cap
	maxExtensionOutputs = 50  // response extensions array length cap
)

// Protocol is the envelope naming the protocol and its version. Requests
// whose major version differs from the server's are rejected.
type Protocol struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// currentProtocol is stamped on every response.
var currentProtocol = Protocol{Name: ProtocolName, Version: ProtocolVersion}

// compatibleWith reports whether p can be served by a runtime speaking
// serverVersion. Only the major version must agree.
func (p Protocol) compatibleWith(serverVersion string) bool {
	if p.Name != ProtocolName {
		return false
	}
	pv, err := ParseVersion(p.Version)
	if err != nil {
		return false
	}
	sv, err := ParseVersion(serverVersion)
	if err != nil {
		return false
	}
	return semverMajor(pv) == semverMajor(sv)
}

func semverMajor(v Version) string {
	n := v.Normalized()
	if i := strings.IndexByte(n, '.'); i >= 0 {
		return n[:i]
	}
	return n
}

// A Request is one call as received on the wire.
type Request struct {
	Protocol Protocol `json:"protocol"`
	// ID is the caller's correlation id, echoed verbatim on the response.
	ID   string `json:"id"`
	Call Call   `json:"call"`
	// Context carries caller identity and propagation keys.
	Context CallContext `json:"context,omitempty"`
	// Extensions are the declared extensions in request order.
	Extensions []*ExtensionRef `json:"extensions,omitempty"`
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type req Request // avoid recursion
	var r2 req
	if err := internaljson.Unmarshal(data, &r2); err != nil {
		return err
	}
	*r = Request(r2)
	return nil
}

// extensionRef returns the request's declaration of the given extension URN,
// or nil if the request did not declare it.
func (r *Request) extensionRef(urn string) *ExtensionRef {
	for _, ref := range r.Extensions {
		if ref.URN == urn {
			return ref
		}
	}
	return nil
}

// A Call names the function to invoke.
type Call struct {
	// Function is the function URN.
	Function string `json:"function"`
	// Version selects a version: an exact semver, a stability alias
	// (stable, beta, alpha, rc), or empty for the latest stable.
	Version string `json:"version,omitempty"`
	// Arguments is a JSON object keyed by parameter name.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallContext is the optional request context map. Well-known keys are
// accessed through methods; custom keys must be namespaced ("myapp.key").
type CallContext map[string]any

// Well-known context keys.
const (
	contextKeyCaller    = "caller"
	contextKeyRequestID = "request_id"
	contextKeyTenantID  = "tenant_id"
	contextKeyUserID    = "user_id"
	contextKeyRoles     = "roles"
	contextKeyLocale    = "locale"
)

func (c CallContext) str(key string) string {
	s, _ := c[key].(string)
	return s
}

// Caller returns the calling service's identifier, or "".
func (c CallContext) Caller() string { return c.str(contextKeyCaller) }

// RequestID returns the end-to-end request id, or "".
func (c CallContext) RequestID() string { return c.str(contextKeyRequestID) }

// TenantID returns the tenant identifier, or "".
func (c CallContext) TenantID() string { return c.str(contextKeyTenantID) }

// UserID returns the acting user's identifier, or "".
func (c CallContext) UserID() string { return c.str(contextKeyUserID) }

// Locale returns the caller's locale, or "".
func (c CallContext) Locale() string { return c.str(contextKeyLocale) }

// Roles returns the caller's roles, or nil.
func (c CallContext) Roles() []string {
	switch v := c[contextKeyRoles].(type) {
	case []string:
		return v
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}

// Owner returns the identity an async operation should be attributed to:
// the user id when present, otherwise the caller.
func (c CallContext) Owner() string {
	if id := c.UserID(); id != "" {
		return id
	}
	return c.Caller()
}

// WithCaller returns a copy of c with the caller key replaced. Servers
// making downstream calls propagate the context unchanged except for caller.
func (c CallContext) WithCaller(caller string) CallContext {
	out := make(CallContext, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[contextKeyCaller] = caller
	return out
}

var wellKnownContextKeys = map[string]bool{
	contextKeyCaller:    true,
	contextKeyRequestID: true,
	contextKeyTenantID:  true,
	contextKeyUserID:    true,
	contextKeyRoles:     true,
	contextKeyLocale:    true,
}

// validate checks that custom context keys are namespaced.
func (c CallContext) validate() error {
	for k := range c {
		if wellKnownContextKeys[k] {
			continue
		}
		if !strings.Contains(k, ".") {
			return fmt.Errorf("custom context key %q must be namespaced", k)
		}
	}
	return nil
}

// An ExtensionRef is one entry of a request's extensions list.
type ExtensionRef struct {
	URN     string          `json:"urn"`
	Options json.RawMessage `json:"options,omitempty"`
}

// An ExtensionOutput is one entry of a response's extensions list. Each
// extension contributes at most one output per response.
type ExtensionOutput struct {
	URN  string `json:"urn"`
	Data any    `json:"data,omitempty"`
}

// A Duration is a wire duration with an explicit unit.
type Duration struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// UnitMillisecond is the only duration unit the runtime emits. Requests may
// additionally use the coarser units when specifying deadlines.
const (
	UnitMillisecond = "millisecond"
	UnitSecond      = "second"
	UnitMinute      = "minute"
)

// asTimeDuration converts d to a time.Duration.
func (d Duration) asTimeDuration() (time.Duration, error) {
	switch d.Unit {
	case UnitMillisecond:
		return time.Duration(d.Value * float64(time.Millisecond)), nil
	case UnitSecond:
		return time.Duration(d.Value * float64(time.Second)), nil
	case UnitMinute:
		return time.Duration(d.Value * float64(time.Minute)), nil
	}
	return 0, fmt.Errorf("unknown duration unit %q", d.Unit)
}

// millis builds the wire form of a measured duration.
func millis(d time.Duration) Duration {
	return Duration{Value: float64(d) / float64(time.Millisecond), Unit: UnitMillisecond}
}

// Meta is the response metadata map. The runtime populates duration and
// node; extensions may add keys such as rate_limit and deprecated.
type Meta map[string]any

// Response is one call's outcome as sent on the wire. Exactly one of Result
// and Errors is present: a response with a non-empty Errors array has no
// result, and any successful response carries a result, which may be JSON
// null.
type Response struct {
	Protocol Protocol `json:"protocol"`
	// ID echoes the request id. It is null only when the request could not
	// be parsed at all.
	ID *string `json:"id"`
	// Result holds the function's result when the call succeeded. A nil
	// RawMessage means the field is absent; JSON null is the two-byte
	// message "null".
	Result json.RawMessage `json:"result,omitempty"`
	// Errors holds at least one error when the call failed.
	Errors []*Error `json:"errors,omitempty"`
	// Extensions carries per-extension output, at most one entry per URN.
	Extensions []*ExtensionOutput `json:"extensions,omitempty"`
	Meta       Meta               `json:"meta,omitempty"`

	// httpStatus overrides the status derived from Errors, for functions
	// that declare custom codes with explicit mappings. Zero means derive.
	httpStatus int
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type resp Response // avoid recursion
	var r2 resp
	if err := internaljson.Unmarshal(data, &r2); err != nil {
		return err
	}
	*r = Response(r2)
	return nil
}

// HTTPStatus returns the HTTP status for the response: 200 on success,
// otherwise the mapping of the first error's code.
func (r *Response) HTTPStatus() int {
	if len(r.Errors) == 0 {
		return 200
	}
	if r.httpStatus != 0 {
		return r.httpStatus
	}
	return r.Errors[0].Code.HTTPStatus()
}

// checkInvariants verifies the structural rules every response must obey.
// It is used by tests and by the handler in debug builds.
func (r *Response) checkInvariants() error {
	hasResult := r.Result != nil
	hasErrors := len(r.Errors) > 0
	if hasResult == hasErrors {
		return fmt.Errorf("response must carry exactly one of result and errors (result present: %t, errors: %d)", hasResult, len(r.Errors))
	}
	if len(r.Errors) > maxErrors {
		return fmt.Errorf("%d errors exceeds the cap of %d", len(r.Errors), maxErrors)
	}
	if len(r.Extensions) > maxExtensionOutputs {
		return fmt.Errorf("%d extension outputs exceeds the cap of %d", len(r.Extensions), maxExtensionOutputs)
	}
	seen := make(map[string]bool, len(r.Extensions))
	for _, out := range r.Extensions {
		if seen[out.URN] {
			return fmt.Errorf("duplicate extension output %q", out.URN)
		}
		seen[out.URN] = true
	}
	return nil
}
