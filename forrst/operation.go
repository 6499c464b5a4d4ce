// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// OperationStatus is an async operation's lifecycle state. Transitions move
// strictly forward: pending, processing, then exactly one terminal state.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal operations are
// immutable.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

func (s OperationStatus) valid() bool {
	switch s {
	case OperationPending, OperationProcessing, OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// canBecome reports whether a transition from s to next moves forward. A
// non-terminal status may "transition" to itself, which is how progress
// updates land without advancing the lifecycle.
func (s OperationStatus) canBecome(next OperationStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case OperationPending:
		return next == OperationProcessing || next.Terminal()
	case OperationProcessing:
		return next.Terminal()
	}
	return false
}

// OperationProgress is an optional progress report on a running operation.
type OperationProgress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// An Operation records one async call's lifecycle.
type Operation struct {
	// ID is "op_" followed by a ULID.
	ID          string             `json:"id"`
	FunctionURN string             `json:"function_urn"`
	Version     string             `json:"version"`
	Status      OperationStatus    `json:"status"`
	Progress    *OperationProgress `json:"progress,omitempty"`
	// Result is set when the operation completed.
	Result json.RawMessage `json:"result,omitempty"`
	// Errors is set when the operation failed.
	Errors      []*Error   `json:"errors,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	// Owner is the identity the operation belongs to, from the request
	// context's user id or caller.
	Owner string `json:"owner,omitempty"`
}

func (o *Operation) clone() *Operation {
	c := *o
	if o.Progress != nil {
		p := *o.Progress
		c.Progress = &p
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	c.Errors = append([]*Error(nil), o.Errors...)
	c.Result = append(json.RawMessage(nil), o.Result...)
	if o.Result == nil {
		c.Result = nil
	}
	return &c
}

// operationIDPrefix distinguishes operation ids from other id families.
const operationIDPrefix = "op_"

// NewOperationID returns a fresh operation id.
func NewOperationID() string {
	return operationIDPrefix + ulid.Make().String()
}

// newOperation builds the initial pending record for an async call.
func newOperation(urn, version, owner string, ttl time.Duration, now time.Time) *Operation {
	return &Operation{
		ID:          NewOperationID(),
		FunctionURN: urn,
		Version:     version,
		Status:      OperationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Owner:       owner,
	}
}

// Store-level failures. The system functions translate these into protocol
// errors (ASYNC_OPERATION_NOT_FOUND, ASYNC_CANNOT_CANCEL).
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidTransition = errors.New("operation transition not allowed")
	ErrInvalidCursor     = errors.New("invalid cursor")
)

// An OperationPatch carries the optional fields a transition may update.
type OperationPatch struct {
	Progress *OperationProgress
	Result   json.RawMessage
	Errors   []*Error
}

// An OperationQuery selects operations for listing. Results are ordered by
// (created_at DESC, id DESC) and paginate via the returned cursor.
type OperationQuery struct {
	// Owner scopes the listing; empty lists all owners.
	Owner string
	// Status filters by lifecycle state when non-empty.
	Status OperationStatus
	// Function filters by function URN when non-empty.
	Function string
	// Limit caps the page size; see maxOperationPage.
	Limit int
	// Cursor continues a previous listing.
	Cursor string
}

const (
	defaultOperationPage = 20
	maxOperationPage     = 100
)

// An OperationStore persists async operation state.
//
// Implementations serialize transitions per operation id and never mutate a
// terminal operation. Expired operations behave as absent on Get and List;
// Sweep reclaims their storage.
type OperationStore interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	Transition(ctx context.Context, id string, status OperationStatus, patch *OperationPatch) (*Operation, error)
	List(ctx context.Context, q *OperationQuery) ([]*Operation, string, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// applyTransition implements the shared transition rules on a record the
// caller has locked.
func applyTransition(op *Operation, status OperationStatus, patch *OperationPatch, now time.Time) error {
	if !status.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if !op.Status.canBecome(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, status)
	}
	op.Status = status
	op.UpdatedAt = now
	if patch != nil {
		if patch.Progress != nil {
			p := *patch.Progress
			op.Progress = &p
		}
		if patch.Result != nil {
			op.Result = append(json.RawMessage(nil), patch.Result...)
		}
		if len(patch.Errors) > 0 {
			op.Errors = append([]*Error(nil), patch.Errors...)
		}
	}
	if status.Terminal() {
		t := now
		op.CompletedAt = &t
	}
	return nil
}

// encodeOperationCursor builds the opaque list cursor from the last row of
// a page.
func encodeOperationCursor(op *Operation) string {
	raw := fmt.Sprintf("%d|%s", op.CreatedAt.UnixNano(), op.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeOperationCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	nano, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", ErrInvalidCursor
	}
	var ts int64
	if _, err := fmt.Sscanf(nano, "%d", &ts); err != nil {
		return 0, "", ErrInvalidCursor
	}
	return ts, id, nil
}

// cursorAfter reports whether op sorts strictly after the cursor position
// in (created_at DESC, id DESC) order.
func cursorAfter(op *Operation, nano int64, id string) bool {
	if op.CreatedAt.UnixNano() != nano {
		return op.CreatedAt.UnixNano() < nano
	}
	return op.ID < id
}

type operationRecord struct {
	mu sync.Mutex
	op Operation
}

// A MemoryOperationStore keeps operations in process memory. It is the
// default store; use the Redis or SQL stores when operations must survive
// restarts or be shared across nodes.
type MemoryOperationStore struct {
	mu  sync.Mutex
	ops map[string]*operationRecord
	now func() time.Time
}

var _ OperationStore = (*MemoryOperationStore)(nil)

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		ops: make(map[string]*operationRecord),
		now: time.Now,
	}
}

func (s *MemoryOperationStore) Create(ctx context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	s.ops[op.ID] = &operationRecord{op: *op.clone()}
	return nil
}

// record fetches the live record, enforcing expiry on access.
func (s *MemoryOperationStore) record(id string) (*operationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if !rec.op.ExpiresAt.After(s.now()) {
		delete(s.ops, id)
		return nil, ErrOperationNotFound
	}
	return rec, nil
}

func (s *MemoryOperationStore) Get(ctx context.Context, id string) (*Operation, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.op.clone(), nil
}

func (s *MemoryOperationStore) Transition(ctx context.Context, id string, status OperationStatus, patch *OperationPatch) (*Operation, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := applyTransition(&rec.op, status, patch, s.now()); err != nil {
		return nil, err
	}
	return rec.op.clone(), nil
}

func (s *MemoryOperationStore) List(ctx context.Context, q *OperationQuery) ([]*Operation, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOperationPage
	}
	if limit > maxOperationPage {
		limit = maxOperationPage
	}

	s.mu.Lock()
	now := s.now()
	snapshot := make([]*Operation, 0, len(s.ops))
	for _, rec := range s.ops {
		rec.mu.Lock()
		op := rec.op.clone()
		rec.mu.Unlock()
		if !op.ExpiresAt.After(now) {
			continue
		}
		snapshot = append(snapshot, op)
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID > snapshot[j].ID
	})

	var afterNano int64
	var afterID string
	if q.Cursor != "" {
		var err error
		afterNano, afterID, err = decodeOperationCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
	}

	var page []*Operation
	for _, op := range snapshot {
		if q.Owner != "" && op.Owner != q.Owner {
			continue
		}
		if q.Status != "" && op.Status != q.Status {
			continue
		}
		if q.Function != "" && op.FunctionURN != q.Function {
			continue
		}
		if q.Cursor != "" && !cursorAfter(op, afterNano, afterID) {
			continue
		}
		if len(page) == limit {
			// One more match exists, so the page has a successor.
			return page, encodeOperationCursor(page[len(page)-1]), nil
		}
		page = append(page, op)
	}
	return page, "", nil
}

func (s *MemoryOperationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.ops {
		if !rec.op.ExpiresAt.After(now) {
			delete(s.ops, id)
			removed++
		}
	}
	return removed, nil
}
