// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// StreamOptions are the wire options of urn:forrst:ext:stream.
type StreamOptions struct {
	// Accept requests chunk delivery over server-sent events. False
	// leaves the call buffered even on a transport that could stream.
	Accept bool `json:"accept,omitempty" jsonschema:"request chunk delivery over server-sent events"`
}

// The stream extension negotiates chunked delivery. Acceptance requires a
// streamable function and a transport that can flush events; anything else
// is answered with EXTENSION_NOT_APPLICABLE so the caller never waits on a
// stream that cannot start.
type streamExtension struct{}

func newStreamExtension() Extension { return streamExtension{} }

func (streamExtension) URN() string        { return ExtStream }
func (streamExtension) Priority() Priority { return PriorityStream }

func (streamExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var opts StreamOptions
	if raw := inv.ExtensionOptions(ExtStream); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtStream, "malformed options")
		}
	}
	if !opts.Accept {
		// Declared but declined; the call proceeds unstreamed.
		return ctx, nil
	}
	if inv.Function == nil || !inv.Function.Capabilities.Streamable {
		return nil, extNotApplicable(ExtStream, "function is not streamable")
	}
	if inv.stream == nil || inv.stream.send == nil {
		return nil, extNotApplicable(ExtStream, "transport does not support streaming")
	}
	inv.SetLocal(ExtStream, true)
	return ctx, nil
}

func (streamExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	accepted, _ := inv.Local(ExtStream).(bool)
	if !accepted || inv.stream == nil {
		return
	}
	inv.SetExtensionData(ExtStream, map[string]any{
		"accepted": true,
		"chunks":   inv.stream.seq,
	})
}

// A streamChunk is the JSON payload of one SSE data event. Ordinary chunks
// carry seq and data; the terminal chunk has done set and carries the
// call's result or errors together with the response meta and extension
// output.
type streamChunk struct {
	Seq        int64              `json:"seq"`
	Data       any                `json:"data,omitempty"`
	Done       bool               `json:"done"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Errors     []*Error           `json:"errors,omitempty"`
	Extensions []*ExtensionOutput `json:"extensions,omitempty"`
	Meta       Meta               `json:"meta,omitempty"`
}

// wantsSSE reports whether req asks for chunk delivery and the call would
// resolve to a function that can provide it. Requests that fail this check
// take the JSON path, where the stream extension explains the refusal.
func (s *Server) wantsSSE(req *Request) bool {
	if req == nil {
		return false
	}
	ref := req.extensionRef(ExtStream)
	if ref == nil {
		return false
	}
	var opts StreamOptions
	if len(ref.Options) > 0 {
		if err := internaljson.Unmarshal(ref.Options, &opts); err != nil {
			return false
		}
	}
	if !opts.Accept {
		return false
	}
	rf, rerr := s.functions.resolve(req.Call.Function, req.Call.Version)
	return rerr == nil && rf.stream != nil
}

// writeSSEEvent writes one event and flushes it, so chunks reach the client
// as they are produced rather than when the response ends.
func writeSSEEvent(w http.ResponseWriter, f http.Flusher, name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// serveSSE answers one decoded call as a server-sent event stream: a
// connected event naming the request, one data event per chunk with seq
// monotonic from 0, and a terminal event with done set carrying the final
// result or errors. Client disconnect cancels the invocation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req *Request) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, err := internaljson.Marshal(map[string]string{"id": req.ID})
	if err == nil {
		err = writeSSEEvent(w, flusher, "connected", connected)
	}
	if err != nil {
		return
	}

	if s.metrics != nil {
		s.metrics.streamOpened()
		defer s.metrics.streamClosed()
	}

	// The invocation's context must outlive r.Context() long enough to
	// record the disconnect cause, so cancellation is re-derived rather
	// than inherited.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(r.Context()))
	defer cancel(nil)
	stop := context.AfterFunc(r.Context(), func() { cancel(errCancelledByDisconnect) })
	defer stop()

	var next int64
	var writeErr error
	sink := func(seq int64, data any) error {
		payload, err := internaljson.Marshal(streamChunk{Seq: seq, Data: data})
		if err != nil {
			return fmt.Errorf("encoding chunk %d: %w", seq, err)
		}
		if err := writeSSEEvent(w, flusher, "", payload); err != nil {
			writeErr = err
			cancel(errCancelledByDisconnect)
			return err
		}
		next = seq + 1
		return nil
	}

	inv := newInvocation(s, req)
	resp := s.dispatch(ctx, inv, sink)
	if writeErr != nil {
		return
	}

	final := streamChunk{
		Seq:        next,
		Done:       true,
		Result:     resp.Result,
		Errors:     resp.Errors,
		Extensions: resp.Extensions,
		Meta:       resp.Meta,
	}
	payload, err := internaljson.Marshal(final)
	if err != nil {
		s.logger.Error("encoding terminal stream event failed",
			zap.String("function", req.Call.Function),
			zap.Error(err))
		return
	}
	if err := writeSSEEvent(w, flusher, "", payload); err != nil {
		s.logger.Debug("terminal stream event not delivered", zap.Error(err))
	}
}
