// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func requestBody(t *testing.T, req map[string]any) string {
	t.Helper()
	if _, ok := req["protocol"]; !ok {
		req["protocol"] = map[string]any{"name": ProtocolName, "version": ProtocolVersion}
	}
	if _, ok := req["id"]; !ok {
		req["id"] = "req_http"
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) *Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response %s: %v", w.Body.String(), err)
	}
	return &resp
}

func TestHTTPContentType(t *testing.T) {
	s := newTestServer(t, nil)
	h := NewHTTPHandler(s, "")

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", w.Code)
	}

	// Parameters on the media type are fine.
	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(requestBody(t, map[string]any{
		"call": map[string]any{"function": fnPing},
	})))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestHTTPRequestSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Request.MaxBytes = 256
	s := newTestServer(t, &ServerOptions{Config: cfg})
	h := NewHTTPHandler(s, "")

	big := requestBody(t, map[string]any{
		"call": map[string]any{
			"function":  fnPing,
			"arguments": map[string]any{"pad": strings.Repeat("x", 1024)},
		},
	})
	w := postJSON(t, h, big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if len(resp.Errors) == 0 || resp.Errors[0].Code != CodeInvalidRequest {
		t.Errorf("errors = %+v, want INVALID_REQUEST", resp.Errors)
	}
}

func TestHTTPHeadersAndStatus(t *testing.T) {
	s := addServer(t)
	h := NewHTTPHandler(s, "")

	w := postJSON(t, h, requestBody(t, map[string]any{
		"id": "req_42",
		"call": map[string]any{
			"function":  "urn:acme:forrst:fn:math.add",
			"arguments": map[string]any{"a": 1, "b": 2},
		},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Forrst-Request-Id"); got != "req_42" {
		t.Errorf("X-Forrst-Request-Id = %q, want req_42", got)
	}
	if w.Header().Get("X-Forrst-Duration-Ms") == "" {
		t.Error("X-Forrst-Duration-Ms is missing")
	}
	if w.Header().Get("X-Forrst-Node") == "" {
		t.Error("X-Forrst-Node is missing")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	// Error codes drive the HTTP status.
	w = postJSON(t, h, requestBody(t, map[string]any{
		"call": map[string]any{"function": "urn:acme:forrst:fn:no.such"},
	}))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHTTPRateLimitHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.Rate = 0.001
	cfg.Quota.Burst = 1
	s := newTestServer(t, &ServerOptions{Config: cfg})
	h := NewHTTPHandler(s, "")

	body := requestBody(t, map[string]any{
		"call":    map[string]any{"function": fnPing},
		"context": map[string]any{"caller": "svc-a"},
	})
	if w := postJSON(t, h, body); w.Code != http.StatusOK {
		t.Fatalf("first call status = %d: %s", w.Code, w.Body.String())
	}
	w := postJSON(t, h, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("RateLimit-Limit"); got != "1" {
		t.Errorf("RateLimit-Limit = %q, want 1", got)
	}
	if w.Header().Get("RateLimit-Reset") == "" {
		t.Error("RateLimit-Reset is missing")
	}
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	h := NewHTTPHandler(s, "")

	// Serve one call so the counters exist.
	postJSON(t, h, requestBody(t, map[string]any{
		"call": map[string]any{"function": fnPing},
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "forrst_requests_total") {
		t.Error("/metrics output is missing forrst_requests_total")
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, ev)
	}
	return events
}

func countServer(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t, nil)
	s.AddStreamFunction(&Function{URN: "urn:acme:forrst:fn:count.up", Version: "1.0.0"},
		func(ctx context.Context, inv *Invocation, stream *Stream) (any, error) {
			for i := 1; i <= 3; i++ {
				if err := stream.Send(ctx, map[string]any{"n": i}); err != nil {
					return nil, err
				}
			}
			return map[string]any{"count": 3}, nil
		})
	return s
}

func TestHTTPStreamSSE(t *testing.T) {
	s := countServer(t)
	h := NewHTTPHandler(s, "")

	w := postJSON(t, h, requestBody(t, map[string]any{
		"id":   "req_stream",
		"call": map[string]any{"function": "urn:acme:forrst:fn:count.up"},
		"extensions": []map[string]any{
			{"urn": ExtStream, "options": map[string]any{"accept": true}},
		},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) != 5 { // connected + 3 chunks + terminal
		t.Fatalf("got %d events, want 5: %+v", len(events), events)
	}
	if events[0].name != "connected" {
		t.Fatalf("first event = %q, want connected", events[0].name)
	}
	var hello map[string]string
	if err := json.Unmarshal([]byte(events[0].data), &hello); err != nil {
		t.Fatal(err)
	}
	if hello["id"] != "req_stream" {
		t.Errorf("connected id = %q", hello["id"])
	}

	for i, ev := range events[1:4] {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if chunk.Seq != int64(i) {
			t.Errorf("chunk %d has seq %d, sequence must be monotonic from 0", i, chunk.Seq)
		}
		if chunk.Done {
			t.Errorf("chunk %d has done set", i)
		}
	}

	var final streamChunk
	if err := json.Unmarshal([]byte(events[4].data), &final); err != nil {
		t.Fatal(err)
	}
	if !final.Done {
		t.Error("terminal event is missing done")
	}
	if final.Seq != 3 {
		t.Errorf("terminal seq = %d, want 3", final.Seq)
	}
	var result map[string]any
	if err := json.Unmarshal(final.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["count"] != 3.0 {
		t.Errorf("terminal result = %v", result)
	}
	if final.Meta == nil {
		t.Error("terminal event is missing meta")
	}
	data, ok := findExtOutput(final.Extensions, ExtStream)
	if !ok {
		t.Fatalf("no stream extension output in %+v", final.Extensions)
	}
	if data.(map[string]any)["chunks"] != 3.0 {
		t.Errorf("stream output = %v, want 3 chunks", data)
	}
}

func findExtOutput(outputs []*ExtensionOutput, urn string) (any, bool) {
	for _, out := range outputs {
		if out.URN == urn {
			return out.Data, true
		}
	}
	return nil, false
}

func TestHTTPStreamNotStreamable(t *testing.T) {
	s := addServer(t)
	h := NewHTTPHandler(s, "")

	// Streaming a non-streamable function falls back to the JSON path and
	// fails there, rather than opening a stream that cannot deliver.
	w := postJSON(t, h, requestBody(t, map[string]any{
		"call": map[string]any{
			"function":  "urn:acme:forrst:fn:math.add",
			"arguments": map[string]any{"a": 1, "b": 2},
		},
		"extensions": []map[string]any{
			{"urn": ExtStream, "options": map[string]any{"accept": true}},
		},
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	resp := decodeResponse(t, w)
	if len(resp.Errors) == 0 || resp.Errors[0].Code != CodeExtensionNotApplicable {
		t.Fatalf("errors = %+v, want EXTENSION_NOT_APPLICABLE", resp.Errors)
	}
	if !strings.Contains(resp.Errors[0].Message, "not streamable") {
		t.Errorf("message = %q", resp.Errors[0].Message)
	}
}

func TestHTTPStreamDeclined(t *testing.T) {
	s := countServer(t)
	h := NewHTTPHandler(s, "")

	// accept: false keeps the JSON path even for a streamable function.
	w := postJSON(t, h, requestBody(t, map[string]any{
		"call": map[string]any{"function": "urn:acme:forrst:fn:count.up"},
		"extensions": []map[string]any{
			{"urn": ExtStream, "options": map[string]any{"accept": false}},
		},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	resp := decodeResponse(t, w)
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["count"] != 3.0 {
		t.Errorf("result = %v", result)
	}
}
