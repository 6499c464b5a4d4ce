// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// An ErrorList lets a handler fail with several protocol errors at once.
type ErrorList []*Error

func (l ErrorList) Error() string {
	if len(l) == 0 {
		return "no errors"
	}
	if len(l) == 1 {
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", l[0], len(l)-1)
}

// runPipeline drives one invocation through the active extensions and the
// function.
//
// Before hooks run in pipeline order and may short-circuit; around hooks
// nest with the earliest extension outermost; after hooks run in reverse
// order for every extension whose before hook ran. Extensions without a
// before hook cannot be left half-initialized by a short circuit, so their
// after hooks run whenever the extension was reached.
func (s *Server) runPipeline(ctx context.Context, inv *Invocation, rf *registeredFunction, active []Extension) (any, []*Error) {
	var ran []Extension
	for _, ext := range active {
		ran = append(ran, ext)
		before, ok := ext.(BeforeHook)
		if !ok {
			continue
		}
		newCtx, err := before.Before(ctx, inv)
		if err != nil {
			inv.ShortCircuitError(s.hookError(ext, err))
			break
		}
		if newCtx != nil {
			ctx = newCtx
		}
		if inv.done {
			break
		}
	}

	if !inv.done {
		next := Next(func(ctx context.Context) (any, error) {
			return s.invokeFunction(ctx, inv, rf)
		})
		for i := len(active) - 1; i >= 0; i-- {
			if around, ok := active[i].(AroundHook); ok {
				inner := next
				next = func(ctx context.Context) (any, error) {
					return around.Around(ctx, inv, inner)
				}
			}
		}
		result, err := next(ctx)
		if err != nil {
			inv.errs = s.invokeErrors(ctx, inv, err)
			inv.result = nil
		} else {
			inv.result = result
		}
	}

	for i := len(ran) - 1; i >= 0; i-- {
		if after, ok := ran[i].(AfterHook); ok {
			after.After(ctx, inv, inv.result, inv.errs)
		}
	}
	return inv.result, inv.errs
}

// invokeFunction runs the resolved function's handler, recovering panics
// into INTERNAL_ERROR so one bad function cannot take the worker down.
func (s *Server) invokeFunction(ctx context.Context, inv *Invocation, rf *registeredFunction) (result any, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("function panicked",
				zap.String("function", inv.Function.URN),
				zap.String("version", inv.Function.Version),
				zap.Any("panic", r))
			result, err = nil, Errorf(CodeInternalError, "internal error")
		}
	}()
	if rf.stream != nil {
		stream := inv.stream
		buffered := stream == nil
		if buffered {
			stream = &Stream{}
		}
		result, err = rf.stream(ctx, inv, stream)
		if err != nil {
			return nil, err
		}
		if result == nil && buffered {
			// A buffered streamable call's result is the chunk array.
			result = stream.accumulated()
		}
		return result, nil
	}
	return rf.handler(ctx, inv)
}

// invokeErrors converts a handler failure into the response's error list.
func (s *Server) invokeErrors(ctx context.Context, inv *Invocation, err error) []*Error {
	if isInterrupt(err) {
		return []*Error{inv.interruptError(ctx)}
	}
	var list ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		out := make([]*Error, 0, min(len(list), maxErrors))
		for _, e := range list {
			if e == nil {
				continue
			}
			out = append(out, s.sanitizeError(e))
			if len(out) == maxErrors {
				break
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	var perr *Error
	if errors.As(err, &perr) {
		return []*Error{s.sanitizeError(perr)}
	}
	s.logger.Error("function failed",
		zap.String("function", inv.Function.URN),
		zap.String("version", inv.Function.Version),
		zap.Error(err))
	return []*Error{Errorf(CodeInternalError, "internal error")}
}

// sanitizeError enforces that error codes leaving the server are either
// catalog codes or well-formed custom codes.
func (s *Server) sanitizeError(e *Error) *Error {
	if e.Code.Valid() {
		return e
	}
	s.logger.Warn("function returned malformed error code", zap.String("code", string(e.Code)))
	return Errorf(CodeInternalError, "internal error")
}

// hookError maps an extension hook failure: protocol errors pass through,
// anything else is an internal fault.
func (s *Server) hookError(ext Extension, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	s.logger.Error("extension hook failed", zap.String("extension", ext.URN()), zap.Error(err))
	return Errorf(CodeInternalError, "internal error")
}
