// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// URNs of the built-in extensions.
const (
	ExtDeadline     = "urn:forrst:ext:deadline"
	ExtCancellation = "urn:forrst:ext:cancellation"
	ExtTracing      = "urn:forrst:ext:tracing"
	ExtIdempotency  = "urn:forrst:ext:idempotency"
	ExtCaching      = "urn:forrst:ext:caching"
	ExtQuota        = "urn:forrst:ext:quota"
	ExtDryRun       = "urn:forrst:ext:dry-run"
	ExtAsync        = "urn:forrst:ext:async"
	ExtRetry        = "urn:forrst:ext:retry"
	ExtDeprecation  = "urn:forrst:ext:deprecation"
	ExtStream       = "urn:forrst:ext:stream"
)

// A Priority fixes an extension's place in the pipeline. Before hooks run in
// ascending priority order and after hooks in descending order. Ties are
// broken by registration order.
type Priority int

const (
	PriorityDeadline     Priority = 10
	PriorityCancellation Priority = 20
	PriorityTracing      Priority = 30
	PriorityIdempotency  Priority = 40
	PriorityCaching      Priority = 50
	PriorityQuota        Priority = 60
	PriorityDryRun       Priority = 70
	PriorityAsync        Priority = 80
	PriorityStream       Priority = 90
	// PriorityDefault places custom extensions after the built-ins.
	PriorityDefault Priority = 100
)

// An Extension observes or modifies invocations through the hook interfaces
// it implements: BeforeHook, AroundHook, AfterHook. An Extension that
// implements none of them is declarable but inert.
type Extension interface {
	// URN identifies the extension. See ParseExtensionURN for the grammar.
	URN() string
	// Priority fixes the extension's pipeline position.
	Priority() Priority
}

// Unconditional marks an Extension that participates in every invocation,
// not only in those that declare its URN.
type Unconditional interface {
	Extension
	// Unconditional is a marker; implementations are empty.
	Unconditional()
}

// A BeforeHook runs ahead of the function, in priority order. It may derive
// a new context (deadline, tracing span) for the hooks and function that
// follow, and it may end the pipeline early through inv.ShortCircuit,
// inv.ShortCircuitError, or by returning an error.
type BeforeHook interface {
	Before(ctx context.Context, inv *Invocation) (context.Context, error)
}

// Next continues the pipeline from within an around hook.
type Next func(ctx context.Context) (any, error)

// An AroundHook wraps the function invocation. Hooks nest in priority
// order: the lowest-priority around hook is outermost.
type AroundHook interface {
	Around(ctx context.Context, inv *Invocation, next Next) (any, error)
}

// An AfterHook observes the outcome. After hooks run in reverse priority
// order for every extension whose before hook ran, including when an
// earlier hook short-circuited. They typically attach extension data and
// meta entries.
type AfterHook interface {
	After(ctx context.Context, inv *Invocation, result any, errs []*Error)
}

// extNotApplicable builds the error for a structurally misused extension.
func extNotApplicable(urn, reason string) *Error {
	return Errorf(CodeExtensionNotApplicable, "extension %s not applicable: %s", urn, reason).
		withDetail("extension", urn)
}

// extNotSupported builds the error for a declared but unregistered
// extension.
func extNotSupported(urn string) *Error {
	return Errorf(CodeExtensionNotSupported, "extension %s is not supported", urn).
		withDetail("extension", urn)
}

type extensionEntry struct {
	ext    Extension
	always bool
	order  int
}

// An ExtensionRegistry holds the server's extensions in pipeline order.
// Like the function registry it is frozen before the first request.
type ExtensionRegistry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	entries []extensionEntry
	byURN   map[string]Extension
}

func newExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{byURN: make(map[string]Extension)}
}

func (r *ExtensionRegistry) register(ext Extension, allowReserved bool, reserved []string) error {
	if ext == nil {
		return fmt.Errorf("register: nil extension")
	}
	urn := ext.URN()
	if _, err := ParseExtensionURN(urn); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if reservedURN(urn, reserved) && !allowReserved {
		return fmt.Errorf("register %s: URN is in a reserved namespace", urn)
	}
	_, always := ext.(Unconditional)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %s: registry is frozen", urn)
	}
	if _, ok := r.byURN[urn]; ok {
		return fmt.Errorf("register %s: duplicate registration", urn)
	}
	r.byURN[urn] = ext
	r.entries = append(r.entries, extensionEntry{ext: ext, always: always, order: len(r.entries)})
	return nil
}

// freeze sorts the entries into pipeline order and ends registration.
func (r *ExtensionRegistry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].ext.Priority() != r.entries[j].ext.Priority() {
			return r.entries[i].ext.Priority() < r.entries[j].ext.Priority()
		}
		return r.entries[i].order < r.entries[j].order
	})
	r.frozen.Store(true)
}

// lookup returns the extension registered under urn, or nil.
func (r *ExtensionRegistry) lookup(urn string) Extension {
	return r.byURN[urn]
}

// urns returns all registered extension URNs in pipeline order.
func (r *ExtensionRegistry) urns() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.ext.URN()
	}
	return out
}

// active selects the extensions participating in a request: unconditional
// ones plus those the request declares, in pipeline order. A declared URN
// with no registered extension fails with EXTENSION_NOT_SUPPORTED; a URN
// declared twice fails with INVALID_REQUEST.
func (r *ExtensionRegistry) active(req *Request) ([]Extension, *Error) {
	declared := make(map[string]bool, len(req.Extensions))
	for _, ref := range req.Extensions {
		if declared[ref.URN] {
			return nil, Errorf(CodeInvalidRequest, "extension %s declared more than once", ref.URN).
				withDetail("extension", ref.URN)
		}
		declared[ref.URN] = true
		if _, ok := r.byURN[ref.URN]; !ok {
			return nil, extNotSupported(ref.URN)
		}
	}
	var active []Extension
	for _, e := range r.entries {
		if e.always || declared[e.ext.URN()] {
			active = append(active, e.ext)
		}
	}
	return active, nil
}
