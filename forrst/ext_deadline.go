// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"time"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// DeadlineOptions are the wire options of urn:forrst:ext:deadline. A
// deadline is either relative ({value, unit}) or absolute ({at}).
type DeadlineOptions struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	// At is an absolute RFC 3339 deadline; it takes precedence over a
	// relative value.
	At string `json:"at,omitempty"`
}

// The deadline extension stamps an absolute deadline on the invocation and
// reports how much of it the call consumed. It runs on every request so a
// configured server default applies even when the caller declares nothing.
type deadlineExtension struct {
	// def applies when the request declares no deadline. Zero means none.
	def time.Duration
}

// NewDeadlineExtension returns the deadline extension. A non-zero
// defaultDeadline applies to requests that do not declare one.
func NewDeadlineExtension(defaultDeadline time.Duration) Extension {
	return &deadlineExtension{def: defaultDeadline}
}

func (*deadlineExtension) URN() string        { return ExtDeadline }
func (*deadlineExtension) Priority() Priority { return PriorityDeadline }
func (*deadlineExtension) Unconditional()     {}

type deadlineState struct {
	specified time.Duration
	deadline  time.Time
}

func (e *deadlineExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var specified time.Duration
	var deadline time.Time
	now := time.Now()

	if raw := inv.ExtensionOptions(ExtDeadline); raw != nil {
		var opts DeadlineOptions
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtDeadline, "malformed options")
		}
		switch {
		case opts.At != "":
			at, err := time.Parse(time.RFC3339Nano, opts.At)
			if err != nil {
				return nil, extNotApplicable(ExtDeadline, "at must be RFC 3339")
			}
			deadline = at
			specified = at.Sub(now)
		case opts.Unit != "":
			d, err := Duration{Value: opts.Value, Unit: opts.Unit}.asTimeDuration()
			if err != nil {
				return nil, extNotApplicable(ExtDeadline, err.Error())
			}
			if d <= 0 {
				return nil, extNotApplicable(ExtDeadline, "deadline must be positive")
			}
			specified = d
			deadline = now.Add(d)
		default:
			return nil, extNotApplicable(ExtDeadline, "need value/unit or at")
		}
	} else if e.def > 0 {
		specified = e.def
		deadline = now.Add(e.def)
	} else {
		return ctx, nil
	}

	inv.deadline = deadline
	inv.SetLocal(ExtDeadline, &deadlineState{specified: specified, deadline: deadline})

	if !deadline.After(now) {
		inv.ShortCircuitError(deadlineExceededError(inv))
		return ctx, nil
	}

	ctx, cancel := context.WithDeadlineCause(ctx, deadline, context.DeadlineExceeded)
	inv.addCleanup(cancel)
	return ctx, nil
}

func (e *deadlineExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	st, ok := inv.Local(ExtDeadline).(*deadlineState)
	if !ok {
		return
	}
	elapsed := inv.Elapsed()
	remaining := time.Until(st.deadline)
	if remaining < 0 {
		remaining = 0
	}
	utilization := 0.0
	if st.specified > 0 {
		utilization = float64(elapsed) / float64(st.specified)
	} else {
		// A deadline in the past was fully consumed before the call began.
		utilization = 1.0
	}
	inv.SetExtensionData(ExtDeadline, map[string]any{
		"specified":   millis(st.specified),
		"elapsed":     millis(elapsed),
		"remaining":   millis(remaining),
		"utilization": utilization,
	})
}
