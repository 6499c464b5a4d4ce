// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forrstprotocol/forrst-go/internal/canonjson"
	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// IdempotencyOptions are the wire options of urn:forrst:ext:idempotency.
type IdempotencyOptions struct {
	// Key is the client-chosen idempotency key, scoped to the function
	// and version being called.
	Key string `json:"key"`
	// TTL overrides how long the server remembers the key.
	TTL *Duration `json:"ttl,omitempty"`
}

// The idempotency extension makes retried writes safe: the first request
// with a key computes and stores its result, duplicates replay the stored
// bytes, and reuse of a key with different arguments is rejected.
type idempotencyExtension struct {
	store      IdempotencyStore
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewIdempotencyExtension returns the idempotency extension backed by the
// given store.
func NewIdempotencyExtension(store IdempotencyStore, defaultTTL time.Duration, logger *zap.Logger) Extension {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &idempotencyExtension{store: store, defaultTTL: defaultTTL, logger: logger}
}

func (*idempotencyExtension) URN() string        { return ExtIdempotency }
func (*idempotencyExtension) Priority() Priority { return PriorityIdempotency }

type idempotencyState struct {
	key       string // composite store key
	token     string
	ttl       time.Duration
	clientKey string
}

func (e *idempotencyExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var opts IdempotencyOptions
	if raw := inv.ExtensionOptions(ExtIdempotency); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtIdempotency, "malformed options")
		}
	}
	if opts.Key == "" {
		return nil, extNotApplicable(ExtIdempotency, "key required")
	}
	ttl := e.defaultTTL
	if opts.TTL != nil {
		d, err := opts.TTL.asTimeDuration()
		if err != nil || d <= 0 {
			return nil, extNotApplicable(ExtIdempotency, "invalid ttl")
		}
		ttl = d
	}

	argsHash, err := canonjson.Hash(inv.Args)
	if err != nil {
		return nil, fmt.Errorf("hashing arguments: %w", err)
	}
	key := fmt.Sprintf("%s@%s:%s", inv.Function.URN, inv.Function.Version, opts.Key)

	lease, err := e.store.Lease(ctx, key, argsHash, ttl)
	if err != nil {
		e.logger.Error("idempotency lease failed", zap.String("key", opts.Key), zap.Error(err))
		return nil, Errorf(CodeDependencyError, "idempotency store unavailable")
	}
	switch lease.State {
	case IdempotencyAcquired:
		inv.SetLocal(ExtIdempotency, &idempotencyState{
			key:       key,
			token:     lease.Token,
			ttl:       ttl,
			clientKey: opts.Key,
		})
		return ctx, nil
	case IdempotencyHit:
		inv.SetExtensionData(ExtIdempotency, map[string]any{
			"status": "cached",
			"key":    opts.Key,
		})
		inv.ShortCircuit(json.RawMessage(lease.Response))
		return ctx, nil
	case IdempotencyInFlight:
		return nil, Errorf(CodeIdempotencyProcessing, "a request with idempotency key %q is in flight", opts.Key).
			withDetail("key", opts.Key)
	case IdempotencyMismatch:
		return nil, Errorf(CodeIdempotencyConflict, "idempotency key %q was used with different arguments", opts.Key).
			withDetail("key", opts.Key)
	}
	return nil, Errorf(CodeInternalError, "internal error")
}

func (e *idempotencyExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	st, ok := inv.Local(ExtIdempotency).(*idempotencyState)
	if !ok {
		return
	}
	// The call may have been cancelled; the store write must still land.
	ctx = context.WithoutCancel(ctx)
	if len(errs) > 0 {
		// Errors are not replayed; release the lease so a retry computes.
		if err := e.store.Release(ctx, st.key, st.token); err != nil {
			e.logger.Error("idempotency release failed", zap.String("key", st.clientKey), zap.Error(err))
		}
		return
	}
	raw, err := marshalResult(result)
	if err != nil {
		e.logger.Error("idempotency publish skipped: unmarshalable result", zap.String("key", st.clientKey), zap.Error(err))
		return
	}
	if err := e.store.Publish(ctx, st.key, st.token, raw, st.ttl); err != nil {
		e.logger.Error("idempotency publish failed", zap.String("key", st.clientKey), zap.Error(err))
	}
	inv.SetExtensionData(ExtIdempotency, map[string]any{
		"status": "processed",
		"key":    st.clientKey,
	})
}
