// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewHTTPHandler returns the HTTP binding for s. Calls are POSTed to path
// ("/rpc" when empty) as application/json; streamable calls that accept
// the stream extension are answered as server-sent events. When the server
// owns its metrics registry, GET /metrics serves it.
func NewHTTPHandler(s *Server, path string) http.Handler {
	if path == "" {
		path = "/rpc"
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(path, s.handleCall)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// handleCall serves one call. Every outcome past the Content-Type check is
// a protocol response; transport-level rejections stop at the envelope.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	s.freeze()

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body := io.Reader(r.Body)
	if max := s.cfg.Request.MaxBytes; max > 0 {
		body = http.MaxBytesReader(w, r.Body, max)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			resp := s.respond(newInvocation(s, nil), nil, nil, []*Error{
				Errorf(CodeInvalidRequest, "request body exceeds %d bytes", maxErr.Limit),
			})
			s.writeResponse(w, resp)
			return
		}
		s.logger.Debug("reading request body failed", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, derr := s.codec.DecodeRequest(data)
	if derr != nil {
		var perr *Error
		if !errors.As(derr, &perr) {
			perr = Errorf(CodeParseError, "invalid request document: %v", derr)
		}
		s.writeResponse(w, s.respond(newInvocation(s, nil), nil, nil, []*Error{perr}))
		return
	}

	if s.wantsSSE(req) {
		if flusher, ok := w.(http.Flusher); ok {
			s.serveSSE(w, r, flusher, req)
			return
		}
		// Without a flusher the events would arrive in one burst at the
		// end, so the call takes the JSON path and the stream extension
		// reports the refusal.
	}

	inv := newInvocation(s, req)
	s.writeResponse(w, s.dispatch(r.Context(), inv, nil))
}

// writeResponse encodes resp and emits it with the semantic status and the
// X-Forrst-* headers. Responses over the configured soft cap are logged
// and sent anyway.
func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	data, err := s.codec.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encoding response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if max := s.cfg.Response.MaxBytes; max > 0 && int64(len(data)) > max {
		s.logger.Warn("response exceeds size cap",
			zap.Int("bytes", len(data)),
			zap.Int64("cap", max))
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	if resp.ID != nil {
		h.Set("X-Forrst-Request-Id", *resp.ID)
	}
	if d, ok := resp.Meta["duration"].(Duration); ok {
		h.Set("X-Forrst-Duration-Ms", strconv.FormatFloat(d.Value, 'f', 3, 64))
	}
	if s.node != "" {
		h.Set("X-Forrst-Node", s.node)
	}
	if info, ok := resp.Meta["rate_limit"].(*RateLimitInfo); ok {
		h.Set("RateLimit-Limit", strconv.Itoa(info.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(info.Remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(int(math.Ceil(info.ResetSeconds))))
	}

	w.WriteHeader(resp.HTTPStatus())
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("writing response failed", zap.Error(err))
	}
}

// isJSONContentType accepts application/json with any parameters, and an
// absent Content-Type does not pass.
func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json"
}
