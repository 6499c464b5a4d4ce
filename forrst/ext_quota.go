// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// QuotaOptions are the wire options of urn:forrst:ext:quota.
type QuotaOptions struct {
	// Scope overrides the admission scope, which defaults to the
	// context's caller. Scopes must be namespaced like context keys.
	Scope string `json:"scope,omitempty"`
	// Priority is advisory ("high", "normal", "low"); it is echoed in
	// the extension data for operators to act on.
	Priority string `json:"priority,omitempty"`
}

// RateLimitInfo describes the quota decision for a request. It appears in
// response meta under "rate_limit" and drives the RateLimit-* HTTP headers
// on rejections.
type RateLimitInfo struct {
	// Limit is the burst capacity of the scope.
	Limit int `json:"limit"`
	// Remaining is the whole number of requests left in the scope.
	Remaining int `json:"remaining"`
	// ResetSeconds estimates when the next request will be admitted.
	ResetSeconds float64 `json:"reset_seconds"`
}

// The quota extension admission-controls requests with a token bucket per
// scope. It runs on every request once the server configures a rate.
type quotaExtension struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewQuotaExtension returns the quota extension admitting r requests per
// second with the given burst per scope. A rate of zero disables
// enforcement.
func NewQuotaExtension(r float64, burst int) Extension {
	if burst < 1 && r > 0 {
		burst = 1
	}
	return &quotaExtension{
		limit:    rate.Limit(r),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (*quotaExtension) URN() string        { return ExtQuota }
func (*quotaExtension) Priority() Priority { return PriorityQuota }
func (*quotaExtension) Unconditional()     {}

func (e *quotaExtension) limiter(scope string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[scope]
	if !ok {
		l = rate.NewLimiter(e.limit, e.burst)
		e.limiters[scope] = l
	}
	return l
}

func (e *quotaExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	if e.limit <= 0 {
		return ctx, nil
	}
	var opts QuotaOptions
	if raw := inv.ExtensionOptions(ExtQuota); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtQuota, "malformed options")
		}
	}
	scope := opts.Scope
	if scope == "" {
		scope = inv.CallContext().Caller()
	}
	if scope == "" {
		scope = "anonymous"
	}

	l := e.limiter(scope)
	if l.Allow() {
		if inv.Request.extensionRef(ExtQuota) != nil {
			inv.SetExtensionData(ExtQuota, map[string]any{
				"scope":     scope,
				"remaining": remainingTokens(l),
				"priority":  opts.Priority,
			})
		}
		return ctx, nil
	}

	// Estimate when the bucket next admits a request, without consuming
	// the reservation.
	res := l.Reserve()
	reset := res.Delay().Seconds()
	res.Cancel()

	info := &RateLimitInfo{
		Limit:        e.burst,
		Remaining:    remainingTokens(l),
		ResetSeconds: reset,
	}
	inv.SetMeta("rate_limit", info)
	inv.SetExtensionData(ExtQuota, map[string]any{
		"scope":     scope,
		"remaining": info.Remaining,
		"priority":  opts.Priority,
	})
	return nil, Errorf(CodeRateLimited, "quota exhausted for scope %q", scope).
		withDetail("scope", scope).
		withDetail("reset_seconds", reset)
}

func remainingTokens(l *rate.Limiter) int {
	t := math.Floor(l.Tokens())
	if t < 0 {
		return 0
	}
	return int(t)
}
