// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdempotencyState is the outcome of a lease attempt.
type IdempotencyState int

const (
	// IdempotencyAcquired means the caller holds the lease and must
	// compute, then Publish or Release.
	IdempotencyAcquired IdempotencyState = iota
	// IdempotencyHit means a response for the same key and argument hash
	// is already stored.
	IdempotencyHit
	// IdempotencyInFlight means another holder is computing the same key.
	IdempotencyInFlight
	// IdempotencyMismatch means the key was used with different arguments.
	IdempotencyMismatch
)

// An IdempotencyLease reports the state of a key at lease time.
type IdempotencyLease struct {
	State IdempotencyState
	// Token authenticates the holder for Publish and Release. Set only
	// when State is IdempotencyAcquired.
	Token string
	// Response is the stored result. Set only when State is
	// IdempotencyHit.
	Response json.RawMessage
}

// An IdempotencyStore implements the single-writer lease protocol behind
// the idempotency extension: take lease, compute, publish. Keys expire
// after their TTL.
type IdempotencyStore interface {
	// Lease claims key for computation or reports the existing state.
	// The argument hash distinguishes key reuse from a genuine retry.
	Lease(ctx context.Context, key, argsHash string, ttl time.Duration) (*IdempotencyLease, error)
	// Publish stores the successful response and ends the lease.
	Publish(ctx context.Context, key, token string, response json.RawMessage, ttl time.Duration) error
	// Release abandons the lease without storing, so a later retry can
	// compute again.
	Release(ctx context.Context, key, token string) error
}

type idemRecord struct {
	argsHash string
	token    string          // non-empty while a lease is held
	response json.RawMessage // non-nil once published
	expires  time.Time
}

// A MemoryIdempotencyStore keeps idempotency records in process memory.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	recs map[string]*idemRecord
	now  func() time.Time
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		recs: make(map[string]*idemRecord),
		now:  time.Now,
	}
}

func (s *MemoryIdempotencyStore) Lease(ctx context.Context, key, argsHash string, ttl time.Duration) (*IdempotencyLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.recs[key]
	if ok && !rec.expires.After(now) {
		delete(s.recs, key)
		ok = false
	}
	if !ok {
		token := uuid.NewString()
		s.recs[key] = &idemRecord{
			argsHash: argsHash,
			token:    token,
			expires:  now.Add(ttl),
		}
		return &IdempotencyLease{State: IdempotencyAcquired, Token: token}, nil
	}
	if rec.argsHash != argsHash {
		return &IdempotencyLease{State: IdempotencyMismatch}, nil
	}
	if rec.response != nil {
		resp := append(json.RawMessage(nil), rec.response...)
		return &IdempotencyLease{State: IdempotencyHit, Response: resp}, nil
	}
	return &IdempotencyLease{State: IdempotencyInFlight}, nil
}

func (s *MemoryIdempotencyStore) Publish(ctx context.Context, key, token string, response json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok || rec.token != token {
		// The lease expired or was taken over; the new holder owns the key.
		return nil
	}
	rec.response = append(json.RawMessage(nil), response...)
	rec.token = ""
	rec.expires = s.now().Add(ttl)
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if ok && rec.token == token && rec.response == nil {
		delete(s.recs, key)
	}
	return nil
}
