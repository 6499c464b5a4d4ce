// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// AsyncOptions are the wire options of urn:forrst:ext:async.
type AsyncOptions struct {
	// Preferred asks the server to run the call as an async operation.
	// False leaves the call synchronous.
	Preferred bool `json:"preferred"`
}

// asyncRetryAfterSeconds is the suggested initial poll delay.
const asyncRetryAfterSeconds = 1

// The async extension diverts execution to the operation store: the caller
// gets an operation descriptor immediately and a worker goroutine runs the
// function, recording its outcome for operation.status to serve.
type asyncExtension struct {
	server *Server
	ops    OperationStore
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

func newAsyncExtension(s *Server, ops OperationStore, ttl time.Duration, logger *zap.Logger) *asyncExtension {
	return &asyncExtension{
		server:  s,
		ops:     ops,
		ttl:     ttl,
		logger:  logger,
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

func (*asyncExtension) URN() string        { return ExtAsync }
func (*asyncExtension) Priority() Priority { return PriorityAsync }

func (e *asyncExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var opts AsyncOptions
	if raw := inv.ExtensionOptions(ExtAsync); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtAsync, "malformed options")
		}
	}
	if !opts.Preferred {
		return ctx, nil
	}

	op := newOperation(inv.Function.URN, inv.Function.Version, callOwner(inv.CallContext()), e.ttl, time.Now())
	if err := e.ops.Create(ctx, op); err != nil {
		e.logger.Error("creating operation failed", zap.Error(err))
		return nil, Errorf(CodeDependencyError, "operation store unavailable")
	}

	e.spawn(op.ID, inv)

	inv.SetExtensionData(ExtAsync, map[string]any{
		"operation_id": op.ID,
		"status":       string(OperationPending),
		"poll": map[string]any{
			"function":  fnOperationStatus,
			"arguments": map[string]any{"operation_id": op.ID},
		},
		"retry_after": asyncRetryAfterSeconds,
	})
	inv.ShortCircuit(nil)
	return ctx, nil
}

// spawn starts the worker that actually runs the function. The worker's
// context is detached from the request so the caller's disconnect does not
// kill the operation; only operation.cancel does.
func (e *asyncExtension) spawn(opID string, inv *Invocation) {
	workerCtx, cancel := context.WithCancelCause(context.Background())
	e.mu.Lock()
	e.cancels[opID] = cancel
	e.mu.Unlock()

	worker := newInvocation(e.server, inv.Request)
	worker.Function = inv.Function
	worker.Version = inv.Version
	worker.Args = inv.Args
	worker.cancel = cancel
	worker.progress = func(p OperationProgress) {
		if _, err := e.ops.Transition(workerCtx, opID, OperationProcessing, &OperationPatch{Progress: &p}); err != nil {
			e.logger.Debug("progress update dropped", zap.String("operation", opID), zap.Error(err))
		}
	}

	e.wg.Add(1)
	if m := e.server.metrics; m != nil {
		m.operationStarted()
	}
	go func() {
		defer e.wg.Done()
		defer e.forget(opID)
		if m := e.server.metrics; m != nil {
			defer m.operationFinished()
		}
		e.run(workerCtx, opID, worker)
	}()
}

func (e *asyncExtension) run(ctx context.Context, opID string, inv *Invocation) {
	// Store writes must land even after the worker context is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	if _, err := e.ops.Transition(storeCtx, opID, OperationProcessing, nil); err != nil {
		// Cancelled before the worker started; leave the record alone.
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrOperationNotFound) {
			return
		}
		e.logger.Error("operation transition failed", zap.String("operation", opID), zap.Error(err))
		return
	}

	rf := e.server.functions.get(inv.Function.URN, inv.Function.Version)
	if rf == nil {
		_, err := e.ops.Transition(storeCtx, opID, OperationFailed, &OperationPatch{
			Errors: []*Error{Errorf(CodeAsyncOperationFailed, "operation execution failed")},
		})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			e.logger.Error("operation transition failed", zap.String("operation", opID), zap.Error(err))
		}
		return
	}

	result, err := e.server.invokeFunction(ctx, inv, rf)
	if err != nil {
		status := OperationFailed
		patch := &OperationPatch{Errors: e.server.invokeErrors(ctx, inv, err)}
		if errors.Is(context.Cause(ctx), errCancelledByOperation) {
			// operation.cancel or shutdown interrupted the worker; the
			// record ends cancelled, not failed.
			status, patch = OperationCancelled, nil
		}
		if _, terr := e.ops.Transition(storeCtx, opID, status, patch); terr != nil {
			if !errors.Is(terr, ErrInvalidTransition) && !errors.Is(terr, ErrOperationNotFound) {
				e.logger.Error("operation transition failed", zap.String("operation", opID), zap.Error(terr))
			}
		}
		return
	}

	raw, merr := marshalResult(result)
	if merr != nil {
		e.logger.Error("marshaling operation result failed", zap.String("operation", opID), zap.Error(merr))
		if _, terr := e.ops.Transition(storeCtx, opID, OperationFailed, &OperationPatch{
			Errors: []*Error{Errorf(CodeAsyncOperationFailed, "operation execution failed")},
		}); terr != nil && !errors.Is(terr, ErrInvalidTransition) {
			e.logger.Error("operation transition failed", zap.String("operation", opID), zap.Error(terr))
		}
		return
	}
	if _, terr := e.ops.Transition(storeCtx, opID, OperationCompleted, &OperationPatch{Result: raw}); terr != nil {
		// A concurrent cancel won; terminal states are immutable.
		if !errors.Is(terr, ErrInvalidTransition) && !errors.Is(terr, ErrOperationNotFound) {
			e.logger.Error("operation transition failed", zap.String("operation", opID), zap.Error(terr))
		}
	}
}

func (e *asyncExtension) forget(opID string) {
	e.mu.Lock()
	delete(e.cancels, opID)
	e.mu.Unlock()
}

// cancelRunning interrupts the worker for opID, if one is still running.
func (e *asyncExtension) cancelRunning(opID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[opID]
	e.mu.Unlock()
	if ok {
		cancel(errCancelledByOperation)
	}
}

// cancelAll interrupts every running worker, for shutdown.
func (e *asyncExtension) cancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(e.cancels))
	for _, cancel := range e.cancels {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel(errCancelledByOperation)
	}
}

// drain waits for in-flight workers, for orderly shutdown and tests.
func (e *asyncExtension) drain() {
	e.wg.Wait()
}
