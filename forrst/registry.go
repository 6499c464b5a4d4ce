// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// A registeredFunction binds a descriptor to its handler and the schema
// forms resolved at registration time.
type registeredFunction struct {
	fn      *Function
	version Version
	handler Handler
	stream  StreamHandler // non-nil iff the function is streamable
	args    *jsonschema.Resolved
	// statusByCode maps declared custom error codes to explicit HTTP
	// statuses.
	statusByCode map[Code]int
}

type fnKey struct {
	urn     string
	version string // normalized
}

// A FunctionRegistry indexes functions by URN and version. It is populated
// during server construction and frozen before the first request, after
// which reads take no locks.
type FunctionRegistry struct {
	mu     sync.Mutex
	frozen atomic.Bool
	byKey  map[fnKey]*registeredFunction
	byURN  map[string][]Version // sorted by ascending precedence
}

func newFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		byKey: make(map[fnKey]*registeredFunction),
		byURN: make(map[string][]Version),
	}
}

// register validates and indexes a function. Violations are returned as
// plain errors: registration happens at startup and any failure is fatal.
func (r *FunctionRegistry) register(fn *Function, h Handler, sh StreamHandler, allowReserved bool, reserved []string) error {
	if fn == nil {
		return fmt.Errorf("register: nil function")
	}
	if h == nil && sh == nil {
		return fmt.Errorf("register %s: no handler", fn.URN)
	}
	if _, err := ParseFunctionURN(fn.URN); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if reservedURN(fn.URN, reserved) && !allowReserved {
		return fmt.Errorf("register %s: URN is in a reserved namespace", fn.URN)
	}
	version, err := ParseVersion(fn.Version)
	if err != nil {
		return fmt.Errorf("register %s: %w", fn.URN, err)
	}

	// The registry owns a copy of the descriptor so later mutation by the
	// caller cannot skew discovery or validation.
	own := *fn
	own.Version = version.Normalized()
	if sh != nil {
		own.Capabilities.Streamable = true
	}

	resolved, err := resolveSchema(own.Arguments)
	if err != nil {
		return fmt.Errorf("register %s@%s: resolving argument schema: %w", own.URN, own.Version, err)
	}

	statusByCode := make(map[Code]int)
	for _, def := range own.Errors {
		if !def.Code.Valid() {
			return fmt.Errorf("register %s@%s: invalid error code %q", own.URN, own.Version, def.Code)
		}
		if def.HTTPStatus != 0 {
			if def.Code.Known() {
				return fmt.Errorf("register %s@%s: cannot remap catalog code %q", own.URN, own.Version, def.Code)
			}
			statusByCode[def.Code] = def.HTTPStatus
		}
	}

	rf := &registeredFunction{
		fn:           &own,
		version:      version,
		handler:      h,
		stream:       sh,
		args:         resolved,
		statusByCode: statusByCode,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %s@%s: registry is frozen", own.URN, own.Version)
	}
	key := fnKey{urn: own.URN, version: own.Version}
	if _, ok := r.byKey[key]; ok {
		return fmt.Errorf("register %s@%s: duplicate registration", own.URN, own.Version)
	}
	r.byKey[key] = rf
	versions := append(r.byURN[own.URN], version)
	sortVersions(versions)
	r.byURN[own.URN] = versions
	return nil
}

// freeze ends the registration phase. Afterwards the indices are read-only
// and lock-free.
func (r *FunctionRegistry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// resolve maps a call's URN and version spec to one registered function.
func (r *FunctionRegistry) resolve(urn, spec string) (*registeredFunction, *Error) {
	available, ok := r.byURN[urn]
	if !ok {
		return nil, Errorf(CodeFunctionNotFound, "function %s is not registered", urn).
			withDetail("function", urn)
	}
	vspec, err := parseVersionSpec(spec)
	if err != nil {
		return nil, versionNotFound(urn, spec, available)
	}
	version := pickVersion(vspec, available)
	if version.IsZero() {
		return nil, versionNotFound(urn, spec, available)
	}
	return r.byKey[fnKey{urn: urn, version: version.Normalized()}], nil
}

func versionNotFound(urn, spec string, available []Version) *Error {
	err := Errorf(CodeVersionNotFound, "no version of %s matches %q", urn, specOrLatest(spec))
	err.withDetail("function", urn)
	err.withDetail("requested_version", spec)
	err.withDetail("available_versions", versionStrings(available))
	return err
}

func specOrLatest(spec string) string {
	if spec == "" {
		return "stable"
	}
	return spec
}

func versionStrings(vs []Version) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Normalized()
	}
	return out
}

// get returns the function registered under an exact normalized version.
func (r *FunctionRegistry) get(urn, version string) *registeredFunction {
	return r.byKey[fnKey{urn: urn, version: version}]
}

// list returns every URN with its version strings, sorted for stable
// discovery output.
func (r *FunctionRegistry) list() map[string][]string {
	out := make(map[string][]string, len(r.byURN))
	for urn, versions := range r.byURN {
		out[urn] = versionStrings(versions)
	}
	return out
}

// count returns the number of registered (urn, version) pairs.
func (r *FunctionRegistry) count() int {
	return len(r.byKey)
}

// descriptors returns full descriptors for discovery, skipping functions
// marked not discoverable. Empty urn selects all URNs; empty version
// selects all versions of the selected URNs.
func (r *FunctionRegistry) descriptors(urn, version string) []*Function {
	var urns []string
	if urn != "" {
		urns = []string{urn}
	} else {
		for u := range r.byURN {
			urns = append(urns, u)
		}
		sort.Strings(urns)
	}
	var out []*Function
	for _, u := range urns {
		for _, v := range r.byURN[u] {
			if version != "" && v.Normalized() != version {
				continue
			}
			rf := r.byKey[fnKey{urn: u, version: v.Normalized()}]
			if rf == nil || !rf.fn.discoverable() {
				continue
			}
			out = append(out, rf.fn)
		}
	}
	return out
}
