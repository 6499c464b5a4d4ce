// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestOperationLifecycle(t *testing.T) {
	tests := []struct {
		from, to OperationStatus
		want     bool
	}{
		{OperationPending, OperationProcessing, true},
		{OperationPending, OperationCompleted, true},
		{OperationPending, OperationCancelled, true},
		{OperationPending, OperationPending, true},
		{OperationProcessing, OperationProcessing, true},
		{OperationProcessing, OperationFailed, true},
		{OperationProcessing, OperationPending, false},
		{OperationCompleted, OperationCancelled, false},
		{OperationCancelled, OperationProcessing, false},
		{OperationFailed, OperationFailed, false},
	}
	for _, test := range tests {
		if got := test.from.canBecome(test.to); got != test.want {
			t.Errorf("%s.canBecome(%s) = %t, want %t", test.from, test.to, got, test.want)
		}
	}
}

func TestNewOperationID(t *testing.T) {
	id := NewOperationID()
	if !strings.HasPrefix(id, "op_") {
		t.Errorf("NewOperationID() = %q, want op_ prefix", id)
	}
	if len(id) != len("op_")+26 { // ULIDs are 26 characters
		t.Errorf("NewOperationID() = %q, unexpected length %d", id, len(id))
	}
	if NewOperationID() == id {
		t.Error("NewOperationID() returned the same id twice")
	}
}

// memStoreAt returns a memory store with a controllable clock.
func memStoreAt(start time.Time) (*MemoryOperationStore, *time.Time) {
	now := start
	s := NewMemoryOperationStore()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryOperationStore(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := memStoreAt(start)

	op := newOperation("urn:acme:forrst:fn:report.build", "1.0.0", "u_1", time.Hour, start)
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, op); err == nil {
		t.Fatal("Create accepted a duplicate id")
	}

	got, err := s.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != OperationPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	// Progress lands via a self-transition.
	got, err = s.Transition(ctx, op.ID, OperationProcessing, &OperationPatch{
		Progress: &OperationProgress{Percent: 40, Message: "crunching"},
	})
	if err != nil {
		t.Fatalf("Transition to processing: %v", err)
	}
	if got.Progress == nil || got.Progress.Percent != 40 {
		t.Errorf("Progress = %+v, want 40%%", got.Progress)
	}

	got, err = s.Transition(ctx, op.ID, OperationCompleted, &OperationPatch{
		Result: json.RawMessage(`{"rows": 12}`),
	})
	if err != nil {
		t.Fatalf("Transition to completed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal transition")
	}
	if string(got.Result) != `{"rows": 12}` {
		t.Errorf("Result = %s", got.Result)
	}

	// Terminal operations are immutable.
	if _, err := s.Transition(ctx, op.ID, OperationCancelled, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition on terminal op = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.Get(ctx, "op_missing"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("Get(missing) = %v, want ErrOperationNotFound", err)
	}
}

func TestMemoryOperationStoreExpiry(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, now := memStoreAt(start)

	op := newOperation("urn:acme:forrst:fn:report.build", "1.0.0", "u_1", time.Minute, start)
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("Create: %v", err)
	}

	*now = start.Add(2 * time.Minute)
	if _, err := s.Get(ctx, op.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("Get(expired) = %v, want ErrOperationNotFound", err)
	}

	fresh := newOperation("urn:acme:forrst:fn:report.build", "1.0.0", "u_1", time.Minute, *now)
	stale := newOperation("urn:acme:forrst:fn:report.build", "1.0.0", "u_1", -time.Minute, *now)
	for _, o := range []*Operation{fresh, stale} {
		if err := s.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	removed, err := s.Sweep(ctx, *now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("Get(fresh) after sweep: %v", err)
	}
}

func TestMemoryOperationStoreList(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := memStoreAt(start)

	for i := range 5 {
		op := newOperation("urn:acme:forrst:fn:report.build", "1.0.0", "u_1", time.Hour, start.Add(time.Duration(i)*time.Second))
		op.ID = fmt.Sprintf("op_%026d", i)
		if err := s.Create(ctx, op); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other := newOperation("urn:acme:forrst:fn:mail.send", "1.0.0", "u_2", time.Hour, start.Add(time.Hour))
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Newest first, owner-scoped, paginated.
	page1, cursor, err := s.List(ctx, &OperationQuery{Owner: "u_1", Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("List page 1: %d ops, cursor %q; want 2 ops and a cursor", len(page1), cursor)
	}
	if page1[0].ID != "op_00000000000000000000000004" {
		t.Errorf("page 1 starts at %s, want the newest operation", page1[0].ID)
	}

	page2, cursor2, err := s.List(ctx, &OperationQuery{Owner: "u_1", Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("List page 2: %d ops, want 2", len(page2))
	}
	if page2[0].ID != "op_00000000000000000000000002" {
		t.Errorf("page 2 starts at %s, want op_...2", page2[0].ID)
	}

	page3, cursor3, err := s.List(ctx, &OperationQuery{Owner: "u_1", Limit: 2, Cursor: cursor2})
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(page3) != 1 || cursor3 != "" {
		t.Errorf("List page 3: %d ops, cursor %q; want 1 op and no cursor", len(page3), cursor3)
	}

	// Status filter.
	if _, err := s.Transition(ctx, "op_00000000000000000000000003", OperationCompleted, &OperationPatch{Result: json.RawMessage(`null`)}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	done, _, err := s.List(ctx, &OperationQuery{Owner: "u_1", Status: OperationCompleted})
	if err != nil {
		t.Fatalf("List completed: %v", err)
	}
	if len(done) != 1 || done[0].ID != "op_00000000000000000000000003" {
		t.Errorf("List completed = %+v, want just op_...3", done)
	}

	// Function filter crosses owners when Owner is empty.
	mail, _, err := s.List(ctx, &OperationQuery{Function: "urn:acme:forrst:fn:mail.send"})
	if err != nil {
		t.Fatalf("List by function: %v", err)
	}
	if len(mail) != 1 || mail[0].Owner != "u_2" {
		t.Errorf("List by function = %+v, want the single u_2 operation", mail)
	}

	// A bad cursor is rejected.
	if _, _, err := s.List(ctx, &OperationQuery{Cursor: "!!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("List with bad cursor = %v, want ErrInvalidCursor", err)
	}
}

func TestOperationCursorRoundTrip(t *testing.T) {
	op := &Operation{ID: "op_01ARZ3NDEKTSV4RRFFQ69G5FAV", CreatedAt: time.Unix(1700000000, 12345)}
	cursor := encodeOperationCursor(op)
	nano, id, err := decodeOperationCursor(cursor)
	if err != nil {
		t.Fatalf("decodeOperationCursor: %v", err)
	}
	if nano != op.CreatedAt.UnixNano() || id != op.ID {
		t.Errorf("decoded (%d, %s), want (%d, %s)", nano, id, op.CreatedAt.UnixNano(), op.ID)
	}

	older := &Operation{ID: "op_0", CreatedAt: op.CreatedAt.Add(-time.Second)}
	if !cursorAfter(older, nano, id) {
		t.Error("an older operation should sort after the cursor")
	}
	if cursorAfter(op, nano, id) {
		t.Error("the cursor row itself should not sort after the cursor")
	}
}
