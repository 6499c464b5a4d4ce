// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// OperationsSchema is the DDL for the SQL operation store's table. Servers
// apply it through their migration tooling; EnsureSchema runs it directly
// for development setups.
const OperationsSchema = `
CREATE TABLE IF NOT EXISTS forrst_operations (
	id           TEXT PRIMARY KEY,
	function_urn TEXT NOT NULL,
	version      TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     JSONB,
	result       JSONB,
	errors       JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ NOT NULL,
	owner        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS forrst_operations_listing
	ON forrst_operations (owner, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS forrst_operations_expiry
	ON forrst_operations (expires_at);
`

// A SQLOperationStore persists operations in a SQL database. It targets
// Postgres (register the pgx stdlib driver and open with sqlx) and relies on
// row locks to serialize transitions per operation.
type SQLOperationStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ OperationStore = (*SQLOperationStore)(nil)

// NewSQLOperationStore returns an operation store over db.
func NewSQLOperationStore(db *sqlx.DB) *SQLOperationStore {
	return &SQLOperationStore{db: db, now: time.Now}
}

// EnsureSchema creates the operations table if it does not exist.
func (s *SQLOperationStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, OperationsSchema); err != nil {
		return fmt.Errorf("creating operations schema: %w", err)
	}
	return nil
}

// Ping probes the backend for the health function.
func (s *SQLOperationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// operationRow is the table shape of an Operation. JSON columns carry the
// nested protocol values.
type operationRow struct {
	ID          string       `db:"id"`
	FunctionURN string       `db:"function_urn"`
	Version     string       `db:"version"`
	Status      string       `db:"status"`
	Progress    []byte       `db:"progress"`
	Result      []byte       `db:"result"`
	Errors      []byte       `db:"errors"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	ExpiresAt   time.Time    `db:"expires_at"`
	Owner       string       `db:"owner"`
}

func toRow(op *Operation) (*operationRow, error) {
	row := &operationRow{
		ID:          op.ID,
		FunctionURN: op.FunctionURN,
		Version:     op.Version,
		Status:      string(op.Status),
		Result:      op.Result,
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
		ExpiresAt:   op.ExpiresAt,
		Owner:       op.Owner,
	}
	if op.Progress != nil {
		data, err := internaljson.Marshal(op.Progress)
		if err != nil {
			return nil, fmt.Errorf("encoding progress: %w", err)
		}
		row.Progress = data
	}
	if len(op.Errors) > 0 {
		data, err := internaljson.Marshal(op.Errors)
		if err != nil {
			return nil, fmt.Errorf("encoding errors: %w", err)
		}
		row.Errors = data
	}
	if op.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *op.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *operationRow) toOperation() (*Operation, error) {
	op := &Operation{
		ID:          r.ID,
		FunctionURN: r.FunctionURN,
		Version:     r.Version,
		Status:      OperationStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
		Owner:       r.Owner,
	}
	if len(r.Progress) > 0 {
		var p OperationProgress
		if err := internaljson.Unmarshal(r.Progress, &p); err != nil {
			return nil, fmt.Errorf("decoding progress of %s: %w", r.ID, err)
		}
		op.Progress = &p
	}
	if len(r.Result) > 0 {
		op.Result = json.RawMessage(r.Result)
	}
	if len(r.Errors) > 0 {
		if err := internaljson.Unmarshal(r.Errors, &op.Errors); err != nil {
			return nil, fmt.Errorf("decoding errors of %s: %w", r.ID, err)
		}
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		op.CompletedAt = &t
	}
	return op, nil
}

const sqlInsertOperation = `
INSERT INTO forrst_operations
	(id, function_urn, version, status, progress, result, errors,
	 created_at, updated_at, completed_at, expires_at, owner)
VALUES
	(:id, :function_urn, :version, :status, :progress, :result, :errors,
	 :created_at, :updated_at, :completed_at, :expires_at, :owner)`

func (s *SQLOperationStore) Create(ctx context.Context, op *Operation) error {
	row, err := toRow(op)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, sqlInsertOperation, row); err != nil {
		return fmt.Errorf("storing operation %s: %w", op.ID, err)
	}
	return nil
}

const sqlSelectOperation = `
SELECT id, function_urn, version, status, progress, result, errors,
       created_at, updated_at, completed_at, expires_at, owner
FROM forrst_operations
WHERE id = $1 AND expires_at > $2`

func (s *SQLOperationStore) Get(ctx context.Context, id string) (*Operation, error) {
	var row operationRow
	err := s.db.GetContext(ctx, &row, sqlSelectOperation, id, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading operation %s: %w", id, err)
	}
	return row.toOperation()
}

const sqlUpdateOperation = `
UPDATE forrst_operations
SET status = :status, progress = :progress, result = :result,
    errors = :errors, updated_at = :updated_at, completed_at = :completed_at
WHERE id = :id`

// Transition locks the row, applies the lifecycle rules in Go, and writes
// the result back, so concurrent transitions on one operation serialize on
// the row lock.
func (s *SQLOperationStore) Transition(ctx context.Context, id string, status OperationStatus, patch *OperationPatch) (op *Operation, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition of %s: %w", id, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row operationRow
	err = tx.GetContext(ctx, &row, sqlSelectOperation+" FOR UPDATE", id, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking operation %s: %w", id, err)
	}
	op, err = row.toOperation()
	if err != nil {
		return nil, err
	}
	if err = applyTransition(op, status, patch, s.now()); err != nil {
		return nil, err
	}
	updated, err := toRow(op)
	if err != nil {
		return nil, err
	}
	if _, err = tx.NamedExecContext(ctx, sqlUpdateOperation, updated); err != nil {
		return nil, fmt.Errorf("updating operation %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition of %s: %w", id, err)
	}
	return op, nil
}

func (s *SQLOperationStore) List(ctx context.Context, q *OperationQuery) ([]*Operation, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOperationPage
	}
	if limit > maxOperationPage {
		limit = maxOperationPage
	}

	query := `
SELECT id, function_urn, version, status, progress, result, errors,
       created_at, updated_at, completed_at, expires_at, owner
FROM forrst_operations
WHERE expires_at > ?`
	args := []any{s.now()}
	if q.Owner != "" {
		query += " AND owner = ?"
		args = append(args, q.Owner)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.Function != "" {
		query += " AND function_urn = ?"
		args = append(args, q.Function)
	}
	if q.Cursor != "" {
		nano, id, err := decodeOperationCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += " AND (created_at, id) < (?, ?)"
		args = append(args, time.Unix(0, nano), id)
	}
	// One extra row decides whether a further page exists.
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, "", fmt.Errorf("listing operations: %w", err)
	}

	var page []*Operation
	for _, row := range rows {
		if len(page) == limit {
			return page, encodeOperationCursor(page[len(page)-1]), nil
		}
		op, err := row.toOperation()
		if err != nil {
			return nil, "", err
		}
		page = append(page, op)
	}
	return page, "", nil
}

func (s *SQLOperationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM forrst_operations WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("sweeping operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
