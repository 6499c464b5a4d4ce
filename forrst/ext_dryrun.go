// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// DryRunOptions are the wire options of urn:forrst:ext:dry-run.
type DryRunOptions struct {
	Enabled bool `json:"enabled"`
}

// The dry-run extension validates a call without executing it. Arguments
// have been coerced, defaulted, and schema-checked by the time the pipeline
// runs, so reaching this extension means the call would have been accepted.
type dryRunExtension struct{}

// NewDryRunExtension returns the dry-run extension.
func NewDryRunExtension() Extension {
	return &dryRunExtension{}
}

func (*dryRunExtension) URN() string        { return ExtDryRun }
func (*dryRunExtension) Priority() Priority { return PriorityDryRun }

func (e *dryRunExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var opts DryRunOptions
	if raw := inv.ExtensionOptions(ExtDryRun); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtDryRun, "malformed options")
		}
	}
	if !opts.Enabled {
		return ctx, nil
	}
	inv.SetExtensionData(ExtDryRun, map[string]any{"dry_run": true})
	inv.ShortCircuit(map[string]any{
		"valid":    true,
		"function": inv.Function.URN,
		"version":  inv.Function.Version,
	})
	return ctx, nil
}
