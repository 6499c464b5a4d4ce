// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// The retry extension is response-only: on retryable failures it attaches
// a suggested retry strategy so clients back off consistently instead of
// hammering a struggling dependency. There is nothing to declare on the
// request.
type retryExtension struct{}

// NewRetryExtension returns the retry extension.
func NewRetryExtension() Extension {
	return &retryExtension{}
}

func (*retryExtension) URN() string { return ExtRetry }

// Runs right after deadline so its after hook sees the final outcome of
// everything else in the pipeline.
func (*retryExtension) Priority() Priority { return PriorityDeadline + 5 }
func (*retryExtension) Unconditional()     {}

func (e *retryExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	attachRetryAdvice(inv, errs)
}

// retryMaxAttempts is the advertised attempt budget, counting the original
// request.
const retryMaxAttempts = 5

// attachRetryAdvice adds the retry extension output for retryable errors.
// It is also called during response assembly for failures that never
// reached the pipeline, such as a deadline that expired on entry.
func attachRetryAdvice(inv *Invocation, errs []*Error) {
	if len(errs) == 0 || !errs[0].Code.Retryable() {
		return
	}
	policy := backoff.NewExponentialBackOff()
	after := policy.InitialInterval.Seconds()
	if errs[0].Code == CodeRateLimited {
		// The quota decision knows when the bucket refills; prefer it
		// over the generic schedule.
		if info, ok := inv.metaValue("rate_limit").(*RateLimitInfo); ok && info.ResetSeconds > after {
			after = info.ResetSeconds
		}
	}
	inv.SetExtensionData(ExtRetry, map[string]any{
		"strategy":             "exponential_backoff",
		"after_seconds":        after,
		"max_attempts":         retryMaxAttempts,
		"multiplier":           policy.Multiplier,
		"max_interval_seconds": policy.MaxInterval.Seconds(),
	})
}
