// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ServerOptions configures a Server. The zero value is usable; every field
// has a working default.
type ServerOptions struct {
	// Config is the server configuration. The zero value is replaced by
	// DefaultConfig.
	Config Config
	// Logger receives structured server logs. Defaults to zap.NewNop().
	Logger *zap.Logger
	// Codec translates wire bytes. Defaults to JSONCodec.
	Codec Codec
	// Operations stores async operation documents. Defaults to an
	// in-memory store.
	Operations OperationStore
	// Idempotency stores idempotency records. Defaults to an in-memory
	// store.
	Idempotency IdempotencyStore
	// Repository describes the server's resources for discovery. Nil
	// means describe reports no resources.
	Repository Repository
	// TracerProvider supplies spans for the tracing extension. Defaults
	// to the global provider.
	TracerProvider trace.TracerProvider
	// MetricsRegisterer receives the server's Prometheus collectors. Nil
	// means a private registry, exposed through Gatherer.
	MetricsRegisterer prometheus.Registerer
}

// A Server hosts Forrst functions and serves calls against them.
//
// Functions and extensions are registered before the first call is
// dispatched; registration after that panics. A Server is safe for
// concurrent use once serving.
type Server struct {
	cfg    Config
	logger *zap.Logger
	codec  Codec
	node   string
	start  time.Time

	functions  *FunctionRegistry
	extensions *ExtensionRegistry

	operations  OperationStore
	idempotency IdempotencyStore
	repository  Repository

	metrics  *serverMetrics
	gatherer prometheus.Gatherer

	async        *asyncExtension
	cancellation *cancellationExtension

	frozen    sync.Once
	serving   bool
	closeOnce sync.Once
	stop      chan struct{}
	sweepDone chan struct{}
}

// NewServer builds a Server with the built-in extensions and system
// functions registered.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}
	cfg := opts.Config
	if cfg.Operation.TTLSeconds == 0 {
		// A zero TTL never passes config validation, so this is the zero
		// value standing in for "use the defaults".
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	operations := opts.Operations
	if operations == nil {
		operations = NewMemoryOperationStore()
	}
	idempotency := opts.Idempotency
	if idempotency == nil {
		idempotency = NewMemoryIdempotencyStore()
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		codec:       codec,
		node:        cfg.Node.ID,
		start:       time.Now(),
		functions:   newFunctionRegistry(),
		extensions:  newExtensionRegistry(),
		operations:  operations,
		idempotency: idempotency,
		repository:  opts.Repository,
		stop:        make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	s.metrics = newServerMetrics()
	registerer := opts.MetricsRegisterer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer = reg
		s.gatherer = reg
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	if err := registerer.Register(s.metrics); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	cancellation := &cancellationExtension{tokens: make(map[string]context.CancelCauseFunc)}
	s.cancellation = cancellation
	s.async = newAsyncExtension(s, operations, cfg.operationTTL(), logger)

	builtins := []Extension{
		NewDeadlineExtension(cfg.deadlineDefault()),
		NewRetryExtension(),
		cancellation,
		NewDeprecationExtension(),
		NewTracingExtension(opts.TracerProvider),
		NewIdempotencyExtension(idempotency, cfg.idempotencyTTL(), logger),
		NewCachingExtension(),
		NewQuotaExtension(cfg.Quota.Rate, cfg.Quota.Burst),
		NewDryRunExtension(),
		s.async,
		newStreamExtension(),
	}
	reserved := cfg.reservedNamespaces()
	for _, ext := range builtins {
		if err := s.extensions.register(ext, true, reserved); err != nil {
			return nil, fmt.Errorf("registering built-in extension: %w", err)
		}
	}

	if err := s.registerSystemFunctions(); err != nil {
		return nil, fmt.Errorf("registering system functions: %w", err)
	}

	go s.sweep()
	return s, nil
}

// AddFunction registers fn with its handler. It panics if the function is
// invalid, collides with an existing version, or uses a reserved namespace,
// and if called after the server has started serving.
func (s *Server) AddFunction(fn *Function, h Handler) {
	s.checkMutable("AddFunction")
	if err := s.functions.register(fn, h, nil, false, s.cfg.reservedNamespaces()); err != nil {
		panic(fmt.Sprintf("forrst: %v", err))
	}
}

// AddStreamFunction registers fn with a streaming handler. Calls that do
// not request streaming still work; chunks are buffered into the response.
func (s *Server) AddStreamFunction(fn *Function, h StreamHandler) {
	s.checkMutable("AddStreamFunction")
	if err := s.functions.register(fn, nil, h, false, s.cfg.reservedNamespaces()); err != nil {
		panic(fmt.Sprintf("forrst: %v", err))
	}
}

// AddExtension registers a custom extension. Built-in extension URNs and
// reserved namespaces are rejected.
func (s *Server) AddExtension(ext Extension) {
	s.checkMutable("AddExtension")
	if err := s.extensions.register(ext, false, s.cfg.reservedNamespaces()); err != nil {
		panic(fmt.Sprintf("forrst: %v", err))
	}
}

// AddFunction registers a typed handler, inferring the argument schema from
// In and the result schema from Out. Explicit schemas on fn win over
// inference, and an Out of type any leaves the result schema unset.
func AddFunction[In, Out any](s *Server, fn *Function, h HandlerFor[In, Out]) {
	if fn != nil && fn.Arguments == nil {
		schema, err := inferSchema[In]()
		if err != nil {
			panic(fmt.Sprintf("forrst: inferring argument schema for %s: %v", fn.URN, err))
		}
		fn.Arguments = schema
	}
	if fn != nil && fn.Result == nil {
		if schema, err := inferSchema[Out](); err == nil {
			fn.Result = schema
		}
	}
	s.AddFunction(fn, typedHandler(h))
}

// AddStreamFunction registers a typed streaming handler, inferring the
// argument schema from In.
func AddStreamFunction[In any](s *Server, fn *Function, h func(ctx context.Context, inv *Invocation, in In, stream *Stream) (any, error)) {
	if fn != nil && fn.Arguments == nil {
		schema, err := inferSchema[In]()
		if err != nil {
			panic(fmt.Sprintf("forrst: inferring argument schema for %s: %v", fn.URN, err))
		}
		fn.Arguments = schema
	}
	s.AddStreamFunction(fn, func(ctx context.Context, inv *Invocation, stream *Stream) (any, error) {
		in, err := unmarshalArgs[In](inv.Args)
		if err != nil {
			return nil, Errorf(CodeInvalidArguments, "%v", err).withPointer("/call/arguments")
		}
		return h(ctx, inv, in, stream)
	})
}

// Gatherer exposes the server's metrics registry when the server owns one.
// It is nil when ServerOptions.MetricsRegisterer was set to a registerer
// that cannot gather.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// Logger returns the server's logger.
func (s *Server) Logger() *zap.Logger {
	return s.logger
}

// checkMutable panics if registration happens after serving started.
func (s *Server) checkMutable(op string) {
	if s.serving {
		panic(fmt.Sprintf("forrst: %s after the server started serving", op))
	}
}

// freeze marks the server as serving: the registries sort into their final
// order and turn read-only. Registration panics from here on.
func (s *Server) freeze() {
	s.frozen.Do(func() {
		s.functions.freeze()
		s.extensions.freeze()
		s.serving = true
	})
}

// sweep expires finished operations on the configured interval until Close.
func (s *Server) sweep() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.operations.Sweep(ctx, time.Now())
			cancel()
			if err != nil {
				s.logger.Warn("operation sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("swept expired operations", zap.Int("count", n))
			}
		}
	}
}

// Close stops the sweeper, cancels running operations, and waits for their
// workers to record a terminal status.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.sweepDone
		s.async.cancelAll()
		s.async.drain()
	})
	return nil
}
