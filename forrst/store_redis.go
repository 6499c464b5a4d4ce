// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// Key layout of the Redis stores. Operation records live under their id with
// a Redis TTL matching expires_at; a sorted set scored by created_at orders
// the listing index.
const (
	redisOpKeyPrefix   = "forrst:op:"
	redisOpIndexKey    = "forrst:ops"
	redisIdemKeyPrefix = "forrst:idem:"
)

// redisListBatch is how many index entries one listing round trip fetches.
const redisListBatch = 100

// A RedisOperationStore persists operations in Redis, for servers that must
// share operation state across nodes or survive restarts.
type RedisOperationStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ OperationStore = (*RedisOperationStore)(nil)

// NewRedisOperationStore returns an operation store backed by client.
func NewRedisOperationStore(client redis.UniversalClient) *RedisOperationStore {
	return &RedisOperationStore{client: client, now: time.Now}
}

// Ping probes the backend for the health function.
func (s *RedisOperationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func opKey(id string) string { return redisOpKeyPrefix + id }

func (s *RedisOperationStore) Create(ctx context.Context, op *Operation) error {
	data, err := internaljson.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation %s: %w", op.ID, err)
	}
	ok, err := s.client.SetNX(ctx, opKey(op.ID), data, op.ExpiresAt.Sub(s.now())).Result()
	if err != nil {
		return fmt.Errorf("storing operation %s: %w", op.ID, err)
	}
	if !ok {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	err = s.client.ZAdd(ctx, redisOpIndexKey, redis.Z{
		Score:  float64(op.CreatedAt.UnixNano()),
		Member: op.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("indexing operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *RedisOperationStore) Get(ctx context.Context, id string) (*Operation, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisOperationStore) load(ctx context.Context, c redis.Cmdable, id string) (*Operation, error) {
	data, err := c.Get(ctx, opKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading operation %s: %w", id, err)
	}
	var op Operation
	if err := internaljson.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decoding operation %s: %w", id, err)
	}
	if !op.ExpiresAt.After(s.now()) {
		return nil, ErrOperationNotFound
	}
	return &op, nil
}

// Transition applies the lifecycle rules under an optimistic WATCH
// transaction, retrying when a concurrent writer touches the record first.
func (s *RedisOperationStore) Transition(ctx context.Context, id string, status OperationStatus, patch *OperationPatch) (*Operation, error) {
	var out *Operation
	txn := func(tx *redis.Tx) error {
		op, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyTransition(op, status, patch, s.now()); err != nil {
			return err
		}
		data, err := internaljson.Marshal(op)
		if err != nil {
			return fmt.Errorf("encoding operation %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, opKey(id), data, op.ExpiresAt.Sub(s.now()))
			return nil
		})
		if err != nil {
			return err
		}
		out = op
		return nil
	}
	for {
		err := s.client.Watch(ctx, txn, opKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue // raced another transition; re-read and retry
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// List walks the index newest first, hydrating and filtering records until
// the page fills. A full page with a further match yields a cursor.
func (s *RedisOperationStore) List(ctx context.Context, q *OperationQuery) ([]*Operation, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOperationPage
	}
	if limit > maxOperationPage {
		limit = maxOperationPage
	}

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
	var offset int64
	for {
		ids, err := s.client.ZRevRangeByScore(ctx, redisOpIndexKey, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "+inf",
			Offset: offset,
			Count:  redisListBatch,
		}).Result()
		if err != nil {
			return nil, "", fmt.Errorf("listing operations: %w", err)
		}
		if len(ids) == 0 {
			return page, "", nil
		}
		offset += int64(len(ids))

		for _, id := range ids {
			op, err := s.load(ctx, s.client, id)
			if errors.Is(err, ErrOperationNotFound) {
				continue // expired; the sweeper will drop the index entry
			}
			if err != nil {
				return nil, "", err
			}
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
				return page, encodeOperationCursor(page[len(page)-1]), nil
			}
			page = append(page, op)
		}
	}
}

// Sweep prunes index entries whose records Redis has already expired.
func (s *RedisOperationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	var offset int64
	for {
		ids, err := s.client.ZRangeByScore(ctx, redisOpIndexKey, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "+inf",
			Offset: offset,
			Count:  redisListBatch,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("sweeping operations: %w", err)
		}
		if len(ids) == 0 {
			return removed, nil
		}
		var gone []any
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, opKey(id)).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				gone = append(gone, id)
			}
		}
		if len(gone) > 0 {
			if err := s.client.ZRem(ctx, redisOpIndexKey, gone...).Err(); err != nil {
				return removed, err
			}
			removed += len(gone)
		}
		// Index entries just removed no longer occupy offsets.
		offset += int64(len(ids) - len(gone))
	}
}

// redisIdemRecord is the stored form of one idempotency key.
type redisIdemRecord struct {
	ArgsHash string          `json:"args_hash"`
	Token    string          `json:"token,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// A RedisIdempotencyStore implements the idempotency lease protocol on
// Redis, so duplicate suppression spans nodes.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

// NewRedisIdempotencyStore returns an idempotency store backed by client.
func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Ping probes the backend for the health function.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func idemKey(key string) string { return redisIdemKeyPrefix + key }

func (s *RedisIdempotencyStore) Lease(ctx context.Context, key, argsHash string, ttl time.Duration) (*IdempotencyLease, error) {
	token := uuid.NewString()
	fresh, err := internaljson.Marshal(redisIdemRecord{ArgsHash: argsHash, Token: token})
	if err != nil {
		return nil, fmt.Errorf("encoding idempotency record: %w", err)
	}
	// SET NX decides ownership atomically; losers inspect what they lost to.
	ok, err := s.client.SetNX(ctx, idemKey(key), fresh, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("leasing idempotency key: %w", err)
	}
	if ok {
		return &IdempotencyLease{State: IdempotencyAcquired, Token: token}, nil
	}

	data, err := s.client.Get(ctx, idemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// The holder expired or released between SETNX and GET; treat it
		// as in flight and let the caller retry.
		return &IdempotencyLease{State: IdempotencyInFlight}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}
	var rec redisIdemRecord
	if err := internaljson.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}
	if rec.ArgsHash != argsHash {
		return &IdempotencyLease{State: IdempotencyMismatch}, nil
	}
	if rec.Response != nil {
		return &IdempotencyLease{State: IdempotencyHit, Response: rec.Response}, nil
	}
	return &IdempotencyLease{State: IdempotencyInFlight}, nil
}

func (s *RedisIdempotencyStore) Publish(ctx context.Context, key, token string, response json.RawMessage, ttl time.Duration) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, idemKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil // lease expired; nothing to publish onto
		}
		if err != nil {
			return err
		}
		var rec redisIdemRecord
		if err := internaljson.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Token != token {
			return nil // the key has a new holder
		}
		rec.Token = ""
		rec.Response = response
		updated, err := internaljson.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, idemKey(key), updated, ttl)
			return nil
		})
		return err
	}
	for {
		err := s.client.Watch(ctx, txn, idemKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key, token string) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, idemKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec redisIdemRecord
		if err := internaljson.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Token != token || rec.Response != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, idemKey(key))
			return nil
		})
		return err
	}
	for {
		err := s.client.Watch(ctx, txn, idemKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}
