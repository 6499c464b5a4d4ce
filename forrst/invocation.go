// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Cancellation causes. The cause on the invocation's context distinguishes
// an expired deadline from the ways a call can be cancelled explicitly.
var (
	errCancelledByToken      = errors.New("cancelled by cancellation token")
	errCancelledByDisconnect = errors.New("client disconnected")
	errCancelledByOperation  = errors.New("async operation cancelled")
)

// An Invocation is the per-request state shared by the extension pipeline
// and the function for the lifetime of one call. Hooks run sequentially, so
// extensions may read and write it without coordination; the few fields the
// runtime touches from other goroutines are guarded internally.
type Invocation struct {
	// Request is the parsed request. Read-only.
	Request *Request
	// Function is the resolved function's descriptor.
	Function *Function
	// Version is the concrete version the call resolved to.
	Version Version
	// Args is the argument object after schema defaults and validation.
	Args json.RawMessage

	server *Server
	start  time.Time

	// deadline is the absolute deadline, zero when none applies.
	deadline time.Time
	// cancel cancels the invocation's context with a cause.
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	meta     Meta
	outputs  []*ExtensionOutput
	outIdx   map[string]int
	local    map[string]any
	cleanups []func()

	// done marks a short-circuited pipeline; result or errs holds the
	// outcome.
	done   bool
	result any
	errs   []*Error

	// stream is non-nil while a streamable function runs.
	stream *Stream
	// progress, when set, forwards progress reports to the operation
	// record of an async execution.
	progress func(OperationProgress)
}

func newInvocation(s *Server, req *Request) *Invocation {
	return &Invocation{
		Request: req,
		server:  s,
		start:   time.Now(),
		meta:    Meta{},
		outIdx:  map[string]int{},
	}
}

// Elapsed returns the wall time since the invocation began.
func (inv *Invocation) Elapsed() time.Duration { return time.Since(inv.start) }

// Deadline returns the absolute deadline, if one applies.
func (inv *Invocation) Deadline() (time.Time, bool) {
	return inv.deadline, !inv.deadline.IsZero()
}

// CallContext returns the request's context map, never nil.
func (inv *Invocation) CallContext() CallContext {
	if inv.Request == nil || inv.Request.Context == nil {
		return CallContext{}
	}
	return inv.Request.Context
}

// ExtensionOptions returns the raw options the request declared for the
// given extension URN, or nil.
func (inv *Invocation) ExtensionOptions(urn string) json.RawMessage {
	if inv.Request == nil {
		return nil
	}
	if ref := inv.Request.extensionRef(urn); ref != nil {
		return ref.Options
	}
	return nil
}

// SetMeta adds a key to the response's meta map.
func (inv *Invocation) SetMeta(key string, v any) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.meta[key] = v
}

// SetExtensionData records an extension's output for the response. Each URN
// gets at most one entry; setting it again replaces the data but keeps the
// original position.
func (inv *Invocation) SetExtensionData(urn string, data any) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if i, ok := inv.outIdx[urn]; ok {
		inv.outputs[i].Data = data
		return
	}
	inv.outIdx[urn] = len(inv.outputs)
	inv.outputs = append(inv.outputs, &ExtensionOutput{URN: urn, Data: data})
}

// metaValue reads one meta key under the invocation's lock.
func (inv *Invocation) metaValue(key string) any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.meta[key]
}

// SetLocal stores per-invocation extension state under key, conventionally
// the extension's URN. It is visible only within this invocation.
func (inv *Invocation) SetLocal(key string, v any) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.local == nil {
		inv.local = map[string]any{}
	}
	inv.local[key] = v
}

// Local returns state stored with SetLocal, or nil.
func (inv *Invocation) Local(key string) any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.local[key]
}

// ShortCircuit ends the pipeline early with a successful result. Only
// meaningful from a before hook.
func (inv *Invocation) ShortCircuit(result any) {
	inv.done = true
	inv.result = result
	inv.errs = nil
}

// ShortCircuitError ends the pipeline early with one or more errors.
func (inv *Invocation) ShortCircuitError(errs ...*Error) {
	inv.done = true
	inv.result = nil
	inv.errs = errs
}

// snapshotOutputs returns the collected meta and extension outputs.
func (inv *Invocation) snapshotOutputs() (Meta, []*ExtensionOutput) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.meta, inv.outputs
}

// ReportProgress publishes a progress update. It has an effect only when
// the call executes as an async operation; synchronous calls ignore it.
func (inv *Invocation) ReportProgress(percent float64, message string) {
	if inv.progress != nil {
		inv.progress(OperationProgress{Percent: percent, Message: message})
	}
}

// SetLastModified reports when the data behind the result last changed, so
// the caching extension can answer if_modified_since validators.
func (inv *Invocation) SetLastModified(t time.Time) {
	inv.SetLocal(localLastModified, t)
}

// addCleanup defers f until the invocation finishes, whatever the exit
// path. Cleanups run after the pipeline's after hooks, in reverse order.
func (inv *Invocation) addCleanup(f func()) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.cleanups = append(inv.cleanups, f)
}

func (inv *Invocation) runCleanups() {
	inv.mu.Lock()
	cleanups := inv.cleanups
	inv.cleanups = nil
	inv.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// interruptError classifies a context interruption. The deadline wins
// whenever it has expired, even if an explicit cancel raced it.
func (inv *Invocation) interruptError(ctx context.Context) *Error {
	if d, ok := inv.Deadline(); ok && !time.Now().Before(d) {
		return deadlineExceededError(inv)
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return deadlineExceededError(inv)
	case errors.Is(cause, errCancelledByToken):
		return Errorf(CodeCancelled, "call cancelled by caller")
	case errors.Is(cause, errCancelledByDisconnect):
		return Errorf(CodeCancelled, "client disconnected")
	case errors.Is(cause, errCancelledByOperation):
		return Errorf(CodeCancelled, "operation cancelled")
	default:
		return Errorf(CodeCancelled, "call cancelled")
	}
}

func deadlineExceededError(inv *Invocation) *Error {
	err := Errorf(CodeDeadlineExceeded, "deadline exceeded")
	if d, ok := inv.Deadline(); ok {
		err.withDetail("deadline", d.UTC().Format(time.RFC3339Nano))
	}
	return err
}

// isInterrupt reports whether err stems from cancellation or an expired
// deadline rather than from the function's own logic.
func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
