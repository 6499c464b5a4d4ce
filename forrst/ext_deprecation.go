// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"time"
)

// The deprecation extension stamps meta.deprecated on responses from
// function versions that declare a Deprecation, so callers learn about
// sunsets without consulting describe.
type deprecationExtension struct{}

// NewDeprecationExtension returns the deprecation extension.
func NewDeprecationExtension() Extension {
	return &deprecationExtension{}
}

func (*deprecationExtension) URN() string { return ExtDeprecation }

// Runs early so the notice survives short circuits by the extensions that
// follow (idempotency hits, cache hits, quota rejections).
func (*deprecationExtension) Priority() Priority { return PriorityCancellation + 5 }
func (*deprecationExtension) Unconditional()     {}

func (e *deprecationExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	if inv.Function == nil || inv.Function.Deprecated == nil {
		return
	}
	dep := inv.Function.Deprecated
	notice := map[string]any{
		"function": inv.Function.URN,
		"version":  inv.Function.Version,
	}
	if dep.Message != "" {
		notice["message"] = dep.Message
	}
	if dep.SunsetAt != nil {
		notice["sunset_at"] = dep.SunsetAt.UTC().Format(time.RFC3339)
	}
	if dep.ReplacedBy != "" {
		notice["replaced_by"] = dep.ReplacedBy
	}
	inv.SetMeta("deprecated", notice)
}
