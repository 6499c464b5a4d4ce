// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/yosida95/uritemplate/v3"
	"go.uber.org/zap"
)

// URNs of the built-in system functions. They live in reserved namespaces
// and are registered by the server itself.
const (
	fnPing            = "urn:forrst:system:fn:ping"
	fnHealth          = "urn:forrst:system:fn:health"
	fnCapabilities    = "urn:forrst:system:fn:capabilities"
	fnDescribe        = "urn:forrst:system:fn:describe"
	fnOperationStatus = "urn:forrst:system:fn:operation.status"
	fnOperationCancel = "urn:forrst:system:fn:operation.cancel"
	fnOperationList   = "urn:forrst:system:fn:operation.list"
	fnCancel          = "urn:forrst:ext:cancellation:fn:cancel"
)

// systemVersion is the version every built-in function registers under.
const systemVersion = "1.0.0"

// anonymousOwner scopes operations created by calls carrying no identity.
const anonymousOwner = "anonymous"

// callOwner is the owner identity used for operation records and lookups:
// user_id, else caller, else the shared anonymous owner.
func callOwner(cc CallContext) string {
	if owner := cc.Owner(); owner != "" {
		return owner
	}
	return anonymousOwner
}

// A pinger reports backend liveness. The Redis and SQL stores implement it;
// the memory stores have nothing to probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// PingResult is the result of urn:forrst:system:fn:ping.
type PingResult struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// A HealthCheck is one backend's contribution to the health result.
type HealthCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// HealthResult is the result of urn:forrst:system:fn:health.
type HealthResult struct {
	Status        string        `json:"status"`
	Node          string        `json:"node"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Functions     int           `json:"functions"`
	Checks        []HealthCheck `json:"checks,omitempty"`
}

// Limits are the server's protocol limits, reported by capabilities.
type Limits struct {
	MaxErrors           int   `json:"max_errors"`
	MaxExtensionOutputs int   `json:"max_extension_outputs"`
	RequestMaxBytes     int64 `json:"request_max_bytes"`
	ResponseMaxBytes    int64 `json:"response_max_bytes"`
	MaxOperationPage    int   `json:"max_operation_page"`
}

// A CapabilitiesDocument summarizes what the server supports: the protocol
// it speaks, the registered function versions, and the extension URNs it
// accepts.
type CapabilitiesDocument struct {
	Protocol   Protocol            `json:"protocol"`
	Node       string              `json:"node"`
	Functions  map[string][]string `json:"functions"`
	Extensions []string            `json:"extensions"`
	Limits     Limits              `json:"limits"`
}

// DescribeArgs select what urn:forrst:system:fn:describe reports.
type DescribeArgs struct {
	// Function restricts the document to one URN.
	Function string `json:"function,omitempty" jsonschema:"URN of a single function to describe"`
	// Version restricts the document to one exact version.
	Version string `json:"version,omitempty" jsonschema:"exact version to describe"`
}

// A FunctionDescriptor is a registered function plus its stability class,
// as listed in the discovery document.
type FunctionDescriptor struct {
	*Function
	Stability Stability `json:"stability"`
}

// An ErrorDescriptor is one catalog entry of the discovery document.
type ErrorDescriptor struct {
	Code       Code   `json:"code"`
	HTTPStatus int    `json:"http_status"`
	Class      string `json:"class"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// An ExtensionDescriptor names a supported extension URN and, for the
// built-ins, the schema of its options.
type ExtensionDescriptor struct {
	URN     string             `json:"urn"`
	Options *jsonschema.Schema `json:"options,omitempty"`
}

// A DescribeDocument is the discovery document served by describe:
// function descriptors with argument and result schemas, the error
// catalog with HTTP mappings, extension support, and resource shapes.
type DescribeDocument struct {
	Protocol   Protocol               `json:"protocol"`
	Node       string                 `json:"node"`
	Functions  []*FunctionDescriptor  `json:"functions"`
	Errors     []*ErrorDescriptor     `json:"errors"`
	Extensions []*ExtensionDescriptor `json:"extensions"`
	Resources  []*ResourceDescriptor  `json:"resources,omitempty"`
}

// A ResourceDescriptor describes one resource type served through the
// registered functions: its URI shape and its listing capabilities
// (filters, sort keys, page limit).
type ResourceDescriptor struct {
	Type        string   `json:"type"`
	URITemplate string   `json:"uri_template,omitempty"`
	Variables   []string `json:"variables,omitempty"`
	Operations  []string `json:"operations,omitempty"`
	Filters     []string `json:"filters,omitempty"`
	SortKeys    []string `json:"sort_keys,omitempty"`
	PageLimit   int      `json:"page_limit,omitempty"`
}

// A Repository supplies resource descriptors for the discovery document.
// Servers without resource-oriented functions leave it unset.
type Repository interface {
	Resources(ctx context.Context) ([]*ResourceDescriptor, error)
}

// A StaticRepository is a Repository over a fixed descriptor list.
type StaticRepository struct {
	resources []*ResourceDescriptor
}

var _ Repository = (*StaticRepository)(nil)

// NewStaticRepository validates each descriptor's URI template (RFC 6570)
// and fills in its variable names.
func NewStaticRepository(resources ...*ResourceDescriptor) (*StaticRepository, error) {
	for _, r := range resources {
		if r.Type == "" {
			return nil, fmt.Errorf("resource descriptor without a type")
		}
		if r.URITemplate == "" {
			continue
		}
		tmpl, err := uritemplate.New(r.URITemplate)
		if err != nil {
			return nil, fmt.Errorf("resource %s: invalid URI template: %w", r.Type, err)
		}
		if len(r.Variables) == 0 {
			r.Variables = tmpl.Varnames()
		}
	}
	return &StaticRepository{resources: resources}, nil
}

func (r *StaticRepository) Resources(ctx context.Context) ([]*ResourceDescriptor, error) {
	return r.resources, nil
}

// OperationStatusArgs identify the operation to inspect.
type OperationStatusArgs struct {
	OperationID string `json:"operation_id" jsonschema:"id of the operation"`
}

// OperationCancelArgs identify the operation to cancel.
type OperationCancelArgs struct {
	OperationID string `json:"operation_id" jsonschema:"id of the operation"`
}

// OperationListArgs filter and paginate the caller's operations.
type OperationListArgs struct {
	Status   string `json:"status,omitempty" jsonschema:"filter by lifecycle status"`
	Function string `json:"function,omitempty" jsonschema:"filter by function URN"`
	Limit    int    `json:"limit,omitempty" jsonschema:"page size, capped at 100"`
	Cursor   string `json:"cursor,omitempty" jsonschema:"cursor from a previous page"`
}

// An OperationPage is one page of urn:forrst:system:fn:operation.list.
type OperationPage struct {
	Operations []*Operation `json:"operations"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// CancelTokenArgs identify the in-flight call to cancel.
type CancelTokenArgs struct {
	Token string `json:"token" jsonschema:"cancellation token declared by the call"`
}

// CancelResult acknowledges a cancellation request.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Token     string `json:"token"`
}

func (s *Server) registerSystemFunctions() error {
	describeArgs, err := inferSchema[DescribeArgs]()
	if err != nil {
		return fmt.Errorf("inferring describe arguments: %w", err)
	}
	statusArgs, err := inferSchema[OperationStatusArgs]()
	if err != nil {
		return fmt.Errorf("inferring operation.status arguments: %w", err)
	}
	cancelArgs, err := inferSchema[OperationCancelArgs]()
	if err != nil {
		return fmt.Errorf("inferring operation.cancel arguments: %w", err)
	}
	listArgs, err := inferSchema[OperationListArgs]()
	if err != nil {
		return fmt.Errorf("inferring operation.list arguments: %w", err)
	}
	tokenArgs, err := inferSchema[CancelTokenArgs]()
	if err != nil {
		return fmt.Errorf("inferring cancel arguments: %w", err)
	}
	pingResult, err := inferSchema[PingResult]()
	if err != nil {
		return fmt.Errorf("inferring ping result: %w", err)
	}
	healthResult, err := inferSchema[HealthResult]()
	if err != nil {
		return fmt.Errorf("inferring health result: %w", err)
	}
	cancelResult, err := inferSchema[CancelResult]()
	if err != nil {
		return fmt.Errorf("inferring cancel result: %w", err)
	}

	system := []struct {
		fn *Function
		h  Handler
	}{
		{
			fn: &Function{
				URN:          fnPing,
				Version:      systemVersion,
				Summary:      "liveness probe returning server status and time",
				Result:       pingResult,
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: s.pingHandler,
		},
		{
			fn: &Function{
				URN:          fnHealth,
				Version:      systemVersion,
				Summary:      "readiness report covering the configured backends",
				Result:       healthResult,
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: s.healthHandler,
		},
		{
			fn: &Function{
				URN:          fnCapabilities,
				Version:      systemVersion,
				Summary:      "protocol versions, registered functions, and extension support",
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: s.capabilitiesHandler,
		},
		{
			fn: &Function{
				URN:          fnDescribe,
				Version:      systemVersion,
				Summary:      "full discovery document with schemas and the error catalog",
				Arguments:    describeArgs,
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: typedHandler(s.describeHandler),
		},
		{
			fn: &Function{
				URN:       fnOperationStatus,
				Version:   systemVersion,
				Summary:   "current state of an async operation",
				Arguments: statusArgs,
				Errors: []ErrorDef{
					{Code: CodeAsyncOperationNotFound, Description: "unknown, expired, or foreign operation id"},
				},
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: typedHandler(s.operationStatusHandler),
		},
		{
			fn: &Function{
				URN:       fnOperationCancel,
				Version:   systemVersion,
				Summary:   "cancel a pending or processing async operation",
				Arguments: cancelArgs,
				Errors: []ErrorDef{
					{Code: CodeAsyncOperationNotFound, Description: "unknown, expired, or foreign operation id"},
					{Code: CodeAsyncCannotCancel, Description: "operation already terminal"},
				},
				Capabilities: Capabilities{Operation: OperationWrite},
			},
			h: typedHandler(s.operationCancelHandler),
		},
		{
			fn: &Function{
				URN:          fnOperationList,
				Version:      systemVersion,
				Summary:      "page through the caller's async operations",
				Arguments:    listArgs,
				Capabilities: Capabilities{Idempotent: true, Operation: OperationRead},
			},
			h: typedHandler(s.operationListHandler),
		},
	}
	if s.cancellation != nil {
		system = append(system, struct {
			fn *Function
			h  Handler
		}{
			fn: &Function{
				URN:       fnCancel,
				Version:   systemVersion,
				Summary:   "cancel an in-flight call by its cancellation token",
				Arguments: tokenArgs,
				Result:    cancelResult,
				Errors: []ErrorDef{
					{Code: CodeCancelTokenUnknown, Description: "no in-flight call declared the token"},
				},
				Capabilities: Capabilities{Operation: OperationWrite},
			},
			h: typedHandler(s.cancellationCancelHandler),
		})
	}

	reserved := s.cfg.reservedNamespaces()
	for _, sf := range system {
		if err := s.functions.register(sf.fn, sf.h, nil, true, reserved); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pingHandler(ctx context.Context, inv *Invocation) (any, error) {
	return &PingResult{
		Status:    healthStatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) healthHandler(ctx context.Context, inv *Invocation) (any, error) {
	res := &HealthResult{
		Status:        healthStatusHealthy,
		Node:          s.node,
		UptimeSeconds: time.Since(s.start).Seconds(),
		Functions:     s.functions.count(),
	}
	backends := []struct {
		component string
		store     any
	}{
		{"operation_store", s.operations},
		{"idempotency_store", s.idempotency},
	}
	for _, b := range backends {
		p, ok := b.store.(pinger)
		if !ok {
			continue
		}
		check := HealthCheck{Component: b.component, Status: healthStatusHealthy}
		if err := p.Ping(ctx); err != nil {
			check.Status = healthStatusUnhealthy
			check.Error = err.Error()
			res.Status = healthStatusDegraded
		}
		res.Checks = append(res.Checks, check)
	}
	return res, nil
}

func (s *Server) capabilitiesHandler(ctx context.Context, inv *Invocation) (any, error) {
	return &CapabilitiesDocument{
		Protocol:   currentProtocol,
		Node:       s.node,
		Functions:  s.functions.list(),
		Extensions: s.extensions.urns(),
		Limits: Limits{
			MaxErrors:           maxErrors,
			MaxExtensionOutputs: maxExtensionOutputs,
			RequestMaxBytes:     s.cfg.Request.MaxBytes,
			ResponseMaxBytes:    s.cfg.Response.MaxBytes,
			MaxOperationPage:    maxOperationPage,
		},
	}, nil
}

// describeHandler builds the discovery document. An unknown function or
// version selects nothing rather than failing, so clients can probe.
func (s *Server) describeHandler(ctx context.Context, inv *Invocation, args DescribeArgs) (*DescribeDocument, error) {
	version := ""
	if args.Version != "" {
		v, err := ParseVersion(args.Version)
		if err != nil {
			return nil, Errorf(CodeInvalidArguments, "version %q is not a semantic version", args.Version).
				withPointer("/call/arguments/version")
		}
		version = v.Normalized()
	}

	doc := &DescribeDocument{
		Protocol: currentProtocol,
		Node:     s.node,
		Errors:   errorCatalog(),
	}
	for _, fn := range s.functions.descriptors(args.Function, version) {
		fd := &FunctionDescriptor{Function: fn}
		if v, err := ParseVersion(fn.Version); err == nil {
			fd.Stability = v.Stability()
		}
		doc.Functions = append(doc.Functions, fd)
	}
	for _, urn := range s.extensions.urns() {
		doc.Extensions = append(doc.Extensions, &ExtensionDescriptor{
			URN:     urn,
			Options: extensionOptionSchema(urn),
		})
	}
	if s.repository != nil {
		resources, err := s.repository.Resources(ctx)
		if err != nil {
			s.logger.Error("resource repository failed", zap.Error(err))
			return nil, Errorf(CodeDependencyError, "resource repository unavailable")
		}
		doc.Resources = resources
	}
	return doc, nil
}

func (s *Server) operationStatusHandler(ctx context.Context, inv *Invocation, args OperationStatusArgs) (*Operation, error) {
	return s.loadOperation(ctx, args.OperationID, callOwner(inv.CallContext()))
}

func (s *Server) operationCancelHandler(ctx context.Context, inv *Invocation, args OperationCancelArgs) (*Operation, error) {
	owner := callOwner(inv.CallContext())
	op, err := s.loadOperation(ctx, args.OperationID, owner)
	if err != nil {
		return nil, err
	}
	if op.Status.Terminal() {
		return nil, cannotCancel(op)
	}

	// The record turns terminal before the worker is signalled, so the
	// worker's own terminal write is refused and the outcome stays
	// cancelled regardless of which goroutine runs first.
	cancelled, terr := s.operations.Transition(ctx, op.ID, OperationCancelled, nil)
	switch {
	case errors.Is(terr, ErrInvalidTransition):
		// The worker reached a terminal state first.
		if op, err = s.loadOperation(ctx, args.OperationID, owner); err != nil {
			return nil, err
		}
		return nil, cannotCancel(op)
	case errors.Is(terr, ErrOperationNotFound):
		return nil, operationNotFound(args.OperationID)
	case terr != nil:
		s.logger.Error("operation transition failed", zap.String("operation", op.ID), zap.Error(terr))
		return nil, Errorf(CodeDependencyError, "operation store unavailable")
	}
	if s.async != nil {
		s.async.cancelRunning(op.ID)
	}
	return cancelled, nil
}

func (s *Server) operationListHandler(ctx context.Context, inv *Invocation, args OperationListArgs) (*OperationPage, error) {
	status := OperationStatus(args.Status)
	if args.Status != "" && !status.valid() {
		return nil, Errorf(CodeInvalidArguments, "unknown status %q", args.Status).
			withPointer("/call/arguments/status")
	}

	ops, next, err := s.operations.List(ctx, &OperationQuery{
		Owner:    callOwner(inv.CallContext()),
		Status:   status,
		Function: args.Function,
		Limit:    args.Limit,
		Cursor:   args.Cursor,
	})
	switch {
	case errors.Is(err, ErrInvalidCursor):
		return nil, Errorf(CodeInvalidArguments, "cursor is not valid").
			withPointer("/call/arguments/cursor")
	case err != nil:
		s.logger.Error("operation list failed", zap.Error(err))
		return nil, Errorf(CodeDependencyError, "operation store unavailable")
	}
	if ops == nil {
		ops = []*Operation{}
	}
	return &OperationPage{Operations: ops, NextCursor: next}, nil
}

func (s *Server) cancellationCancelHandler(ctx context.Context, inv *Invocation, args CancelTokenArgs) (*CancelResult, error) {
	if s.cancellation == nil {
		return nil, Errorf(CodeExtensionNotSupported, "cancellation is not enabled")
	}
	if err := s.cancellation.Cancel(args.Token); err != nil {
		return nil, err
	}
	return &CancelResult{Cancelled: true, Token: args.Token}, nil
}

// loadOperation fetches an operation the caller is allowed to see. Foreign
// operations read as absent rather than forbidden.
func (s *Server) loadOperation(ctx context.Context, id, owner string) (*Operation, error) {
	op, err := s.operations.Get(ctx, id)
	switch {
	case errors.Is(err, ErrOperationNotFound):
		return nil, operationNotFound(id)
	case err != nil:
		s.logger.Error("operation lookup failed", zap.String("operation", id), zap.Error(err))
		return nil, Errorf(CodeDependencyError, "operation store unavailable")
	}
	if op.Owner != "" && op.Owner != owner {
		return nil, operationNotFound(id)
	}
	return op, nil
}

func operationNotFound(id string) *Error {
	return Errorf(CodeAsyncOperationNotFound, "operation %s not found", id).
		withDetail("operation_id", id)
}

func cannotCancel(op *Operation) *Error {
	return Errorf(CodeAsyncCannotCancel, "operation %s is already %s", op.ID, op.Status).
		withDetail("operation_id", op.ID).
		withDetail("status", string(op.Status))
}

// errorCatalog lists every catalog code for the discovery document.
func errorCatalog() []*ErrorDescriptor {
	codes := make([]Code, 0, len(codeCatalog))
	for code := range codeCatalog {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := make([]*ErrorDescriptor, len(codes))
	for i, code := range codes {
		info := codeCatalog[code]
		class := "client"
		if info.server {
			class = "server"
		}
		out[i] = &ErrorDescriptor{
			Code:       code,
			HTTPStatus: info.status,
			Class:      class,
			Retryable:  info.retryable,
		}
	}
	return out
}

// extensionOptionSchema returns the option schema of a built-in extension,
// nil for extensions without declared options.
func extensionOptionSchema(urn string) *jsonschema.Schema {
	var s *jsonschema.Schema
	var err error
	switch urn {
	case ExtDeadline:
		s, err = inferSchema[DeadlineOptions]()
	case ExtCancellation:
		s, err = inferSchema[CancellationOptions]()
	case ExtTracing:
		s, err = inferSchema[TracingOptions]()
	case ExtIdempotency:
		s, err = inferSchema[IdempotencyOptions]()
	case ExtCaching:
		s, err = inferSchema[CachingOptions]()
	case ExtQuota:
		s, err = inferSchema[QuotaOptions]()
	case ExtDryRun:
		s, err = inferSchema[DryRunOptions]()
	case ExtAsync:
		s, err = inferSchema[AsyncOptions]()
	case ExtStream:
		s, err = inferSchema[StreamOptions]()
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return s
}
