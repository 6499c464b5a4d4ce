// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// A streamSink receives a streamable function's chunks as they are
// produced. The SSE adapter supplies one; transports that cannot stream
// leave it nil and receive the accumulated array instead.
type streamSink func(seq int64, data any) error

// Dispatch decodes and serves one request. It always returns a well-formed
// response; transport errors aside, every failure mode is expressed in the
// protocol's error model.
func (s *Server) Dispatch(ctx context.Context, data []byte) *Response {
	s.freeze()
	inv := newInvocation(s, nil)
	req, derr := s.codec.DecodeRequest(data)
	if derr != nil {
		var perr *Error
		if !errors.As(derr, &perr) {
			perr = Errorf(CodeParseError, "invalid request document: %v", derr)
		}
		return s.respond(inv, nil, nil, []*Error{perr})
	}
	inv.Request = req
	return s.dispatch(ctx, inv, nil)
}

// dispatch serves a decoded request: envelope validation, function
// resolution, argument binding, extension activation, and the pipeline.
func (s *Server) dispatch(ctx context.Context, inv *Invocation, sink streamSink) (resp *Response) {
	req := inv.Request
	defer func() {
		// A panicking extension hook must not take the worker down.
		if r := recover(); r != nil {
			s.logger.Error("dispatch panicked",
				zap.String("function", req.Call.Function),
				zap.Any("panic", r))
			resp = s.respond(inv, nil, nil, []*Error{Errorf(CodeInternalError, "internal error")})
		}
	}()

	if errs := validateEnvelope(req); len(errs) > 0 {
		return s.respond(inv, nil, nil, errs)
	}

	rf, rerr := s.functions.resolve(req.Call.Function, req.Call.Version)
	if rerr != nil {
		return s.respond(inv, nil, nil, []*Error{rerr})
	}
	inv.Function = rf.fn
	inv.Version = rf.version

	active, xerr := s.extensions.active(req)
	if xerr != nil {
		return s.respond(inv, rf, nil, []*Error{xerr})
	}

	args, aerr := bindArguments(req.Call.Arguments, rf.fn.Arguments, rf.args)
	if aerr != nil {
		return s.respond(inv, rf, nil, []*Error{aerr})
	}
	inv.Args = args

	if sink != nil && rf.stream != nil {
		inv.stream = &Stream{send: sink}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	inv.cancel = cancel

	result, errs := s.runPipeline(ctx, inv, rf, active)
	if len(errs) > 0 {
		return s.respond(inv, rf, nil, errs)
	}
	raw, merr := marshalResult(result)
	if merr != nil {
		s.logger.Error("marshaling result failed",
			zap.String("function", rf.fn.URN),
			zap.String("version", rf.fn.Version),
			zap.Error(merr))
		return s.respond(inv, rf, nil, []*Error{Errorf(CodeInternalError, "internal error")})
	}
	return s.respond(inv, rf, raw, nil)
}

// validateEnvelope checks the request's structural rules. All violations
// are reported together, each with a pointer to the offending field.
func validateEnvelope(req *Request) []*Error {
	var errs []*Error
	switch {
	case req.Protocol == (Protocol{}):
		errs = append(errs, Errorf(CodeInvalidRequest, "protocol is required").
			withPointer("/protocol"))
	case !req.Protocol.compatibleWith(ProtocolVersion):
		errs = append(errs, Errorf(CodeInvalidProtocolVersion,
			"cannot serve protocol %s %s", req.Protocol.Name, req.Protocol.Version).
			withPointer("/protocol").
			withDetail("supported", []string{ProtocolVersion}))
	}
	if req.ID == "" {
		errs = append(errs, Errorf(CodeInvalidRequest, "id is required").
			withPointer("/id"))
	}
	if req.Call.Function == "" {
		errs = append(errs, Errorf(CodeInvalidRequest, "call.function is required").
			withPointer("/call/function"))
	} else if _, err := ParseFunctionURN(req.Call.Function); err != nil {
		errs = append(errs, Errorf(CodeInvalidRequest, "%v", err).
			withPointer("/call/function"))
	}
	if err := req.Context.validate(); err != nil {
		errs = append(errs, Errorf(CodeInvalidRequest, "%v", err).
			withPointer("/context"))
	}
	return errs
}

// respond assembles the final response: it stamps meta, collects extension
// outputs, applies declared status overrides, and releases the invocation's
// resources. Exactly one of result and errs must be set by the caller;
// a nil result with no errors becomes JSON null.
func (s *Server) respond(inv *Invocation, rf *registeredFunction, result json.RawMessage, errs []*Error) *Response {
	if len(errs) > maxErrors {
		errs = errs[:maxErrors]
	}
	if len(errs) > 0 {
		result = nil
		// Failures that never reach the pipeline skip the retry
		// extension's after hook; attach its advice here instead.
		if s.extensions.lookup(ExtRetry) != nil {
			attachRetryAdvice(inv, errs)
		}
	} else if result == nil {
		result = json.RawMessage("null")
	}

	meta, outputs := inv.snapshotOutputs()
	if len(outputs) > maxExtensionOutputs {
		outputs = outputs[:maxExtensionOutputs]
	}
	meta["duration"] = millis(inv.Elapsed())
	meta["node"] = s.node

	resp := &Response{
		Protocol:   currentProtocol,
		ID:         echoID(inv.Request),
		Result:     result,
		Errors:     errs,
		Extensions: outputs,
		Meta:       meta,
	}
	if rf != nil && len(errs) > 0 {
		if status, ok := rf.statusByCode[errs[0].Code]; ok {
			resp.httpStatus = status
		}
	}
	if err := resp.checkInvariants(); err != nil {
		s.logger.Error("response violates protocol invariants", zap.Error(err))
	}

	inv.runCleanups()
	s.observe(inv, resp)
	return resp
}

// echoID returns the request id to echo, or nil when no id was decoded.
func echoID(req *Request) *string {
	if req == nil || req.ID == "" {
		return nil
	}
	return &req.ID
}

// observe records the call's outcome in the metrics and the debug log.
func (s *Server) observe(inv *Invocation, resp *Response) {
	function := "unresolved"
	if inv.Function != nil {
		function = inv.Function.URN
	}
	code := "ok"
	if len(resp.Errors) > 0 {
		code = string(resp.Errors[0].Code)
	}
	if s.metrics != nil {
		s.metrics.observe(function, code, inv.Elapsed())
	}

	fields := []zap.Field{
		zap.String("function", function),
		zap.String("code", code),
		zap.Duration("elapsed", inv.Elapsed()),
	}
	if inv.Request != nil {
		fields = append(fields, zap.String("id", inv.Request.ID))
		if rid := inv.CallContext().RequestID(); rid != "" {
			fields = append(fields, zap.String("request_id", rid))
		}
	}
	s.logger.Debug("call served", fields...)
}
