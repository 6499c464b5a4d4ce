// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"sync"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// CancellationOptions are the wire options of urn:forrst:ext:cancellation.
type CancellationOptions struct {
	// Token is an opaque client-generated handle for cancelling the call
	// through urn:forrst:ext:cancellation:fn:cancel.
	Token string `json:"token"`
}

// The cancellation extension maps client tokens to in-flight invocations so
// a separate request can cancel them. Tokens live exactly as long as the
// call they name.
type cancellationExtension struct {
	mu     sync.Mutex
	tokens map[string]context.CancelCauseFunc
}

// NewCancellationExtension returns the cancellation extension.
func NewCancellationExtension() Extension {
	return &cancellationExtension{tokens: make(map[string]context.CancelCauseFunc)}
}

func (*cancellationExtension) URN() string        { return ExtCancellation }
func (*cancellationExtension) Priority() Priority { return PriorityCancellation }

func (e *cancellationExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	var opts CancellationOptions
	if raw := inv.ExtensionOptions(ExtCancellation); len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtCancellation, "malformed options")
		}
	}
	if opts.Token == "" {
		return nil, extNotApplicable(ExtCancellation, "token required")
	}
	if inv.cancel == nil {
		return nil, Errorf(CodeInternalError, "internal error")
	}

	e.mu.Lock()
	_, taken := e.tokens[opts.Token]
	if !taken {
		e.tokens[opts.Token] = inv.cancel
	}
	e.mu.Unlock()
	if taken {
		return nil, extNotApplicable(ExtCancellation, "token already in use")
	}

	inv.SetLocal(ExtCancellation, opts.Token)
	return ctx, nil
}

func (e *cancellationExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	token, ok := inv.Local(ExtCancellation).(string)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.tokens, token)
	e.mu.Unlock()
}

// Cancel fires the cancellation signal registered under token. The caller
// gets CANCEL_TOKEN_UNKNOWN when the token never existed or its call has
// already finished.
func (e *cancellationExtension) Cancel(token string) *Error {
	e.mu.Lock()
	cancel, ok := e.tokens[token]
	e.mu.Unlock()
	if !ok {
		return Errorf(CodeCancelTokenUnknown, "no in-flight call holds cancellation token %q", token).
			withDetail("token", token)
	}
	cancel(errCancelledByToken)
	return nil
}
