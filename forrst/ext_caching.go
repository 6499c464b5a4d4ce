// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"time"

	"github.com/forrstprotocol/forrst-go/internal/canonjson"
	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// CachingOptions are the wire options of urn:forrst:ext:caching.
type CachingOptions struct {
	// IfNoneMatch is the ETag from a previous response. When the fresh
	// result hashes to the same tag, the response carries a null result
	// and cache_status "hit".
	IfNoneMatch string `json:"if_none_match,omitempty"`
	// IfModifiedSince suppresses the result when the function reports a
	// modification time at or before it (RFC 3339).
	IfModifiedSince string `json:"if_modified_since,omitempty"`
}

// The caching extension lets callers validate cached responses. The server
// computes an ETag over the canonicalized result bytes; on a validator
// match the result body is dropped and the caller keeps its copy.
type cachingExtension struct{}

// NewCachingExtension returns the caching extension.
func NewCachingExtension() Extension {
	return &cachingExtension{}
}

func (*cachingExtension) URN() string        { return ExtCaching }
func (*cachingExtension) Priority() Priority { return PriorityCaching }

func (e *cachingExtension) Around(ctx context.Context, inv *Invocation, next Next) (any, error) {
	var opts CachingOptions
	if raw := inv.ExtensionOptions(ExtCaching); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtCaching, "malformed options")
		}
	}
	var since time.Time
	if opts.IfModifiedSince != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.IfModifiedSince)
		if err != nil {
			return nil, extNotApplicable(ExtCaching, "if_modified_since must be RFC 3339")
		}
		since = t
	}

	result, err := next(ctx)
	if err != nil {
		return nil, err
	}

	raw, merr := marshalResult(result)
	if merr != nil {
		return result, nil
	}
	etag, herr := canonjson.Hash(raw)
	if herr != nil {
		return result, nil
	}

	data := map[string]any{
		"etag":         etag,
		"cache_status": "miss",
	}
	mod, hasMod := inv.Local(localLastModified).(time.Time)
	if hasMod {
		data["last_modified"] = mod.UTC().Format(time.RFC3339Nano)
	}
	hit := opts.IfNoneMatch != "" && opts.IfNoneMatch == etag
	if !hit && !since.IsZero() && hasMod && !mod.After(since) {
		hit = true
	}
	if hit {
		data["cache_status"] = "hit"
		inv.SetExtensionData(ExtCaching, data)
		return nil, nil
	}
	inv.SetExtensionData(ExtCaching, data)
	return result, nil
}

// localLastModified keys the modification time a function reports through
// Invocation.SetLastModified.
const localLastModified = ExtCaching + ":last_modified"
