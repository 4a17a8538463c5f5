package engine

import (
	"context"
	"errors"
	"fmt"

	"kiln/internal/cas"
	"kiln/internal/dataid"
	"kiln/internal/futures"
	"kiln/internal/serialize"
)

// Tracer receives start/end hooks per key evaluation. A nil Tracer is
// valid; Engine treats it as a no-op sink.
type Tracer interface {
	EvaluationStarted(key Key)
	EvaluationEnded(key Key, fromCache bool, err error)
}

// NopTracer implements Tracer with no-ops.
type NopTracer struct{}

func (NopTracer) EvaluationStarted(Key)            {}
func (NopTracer) EvaluationEnded(Key, bool, error) {}

// Func is the body of a key evaluation. reqCtx exposes the capability
// to request further keys (dynamic dependencies, deduplicated and
// memoized exactly like the top-level request) and carries the
// cancellation token for this evaluation tree.
type Func func(ctx context.Context, reqCtx *RequestContext) (value any, typeIdentifier string, err error)

// RequestContext is handed to a running Func body so it can request
// sub-keys. A body must only use the RequestContext passed to it, not
// one captured from an unrelated evaluation, so that cycle detection
// sees the correct requester edge.
type RequestContext struct {
	engine    *Engine
	requester Key
	canceller *Canceller
}

// Request evaluates a sub-key from within a running Func body. The
// sub-request is deduplicated and memoized exactly like a top-level
// Engine.Evaluate call, and participates in the same cycle-detection
// graph with rc's key as requester.
func (rc *RequestContext) Request(ctx context.Context, kt KeyType, canonicalBytes []byte, fn Func) (Key, any, error) {
	return rc.engine.evaluate(ctx, &rc.requester, kt, canonicalBytes, fn, rc.canceller)
}

// Canceller returns the cancellation token in effect for this
// evaluation tree.
func (rc *RequestContext) Canceller() *Canceller { return rc.canceller }

// UnknownFunctionError is returned when Evaluate is asked to run a key
// type that was never registered via RegisterType.
type UnknownFunctionError struct {
	Identifier string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("engine: function not found for key type %q", e.Identifier)
}

// Engine is the process-wide memoizing key evaluator. It is safe for
// concurrent use; a single Engine instance is normally shared across
// an entire build invocation.
type Engine struct {
	cas      cas.Database
	cache    FunctionCache
	registry *serialize.Registry
	versions *versionChainCache
	graph    *DependencyGraph
	dedup    *futures.Deduplicator
	tracer   Tracer
}

type Config struct {
	CAS      cas.Database
	Cache    FunctionCache
	Registry *serialize.Registry
	Tracer   Tracer
}

// New constructs an Engine from cfg. A nil Tracer is replaced with
// NopTracer.
func New(cfg Config) *Engine {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = NopTracer{}
	}
	return &Engine{
		cas:      cfg.CAS,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		versions: newVersionChainCache(),
		graph:    NewDependencyGraph(),
		dedup:    futures.NewDeduplicator(futures.ImmediateExpiry{}, 0),
		tracer:   tracer,
	}
}

// RegisterType installs kt's identifier/version/versionDependencies so
// Fingerprint computation can resolve its version chain. A key type
// must be registered before any key of that type is evaluated.
func (e *Engine) RegisterType(kt KeyType) {
	e.versions.register(kt)
}

// Evaluate runs kt's Func for the request identified by
// canonicalBytes, or returns the memoized result from a prior
// evaluation with an equal fingerprint. It is the engine's top-level
// entrypoint; Func bodies that need to request further keys do so via
// the RequestContext passed to them, not by calling Evaluate directly.
func (e *Engine) Evaluate(ctx context.Context, kt KeyType, canonicalBytes []byte, fn Func) (Key, any, error) {
	return e.evaluate(ctx, nil, kt, canonicalBytes, fn, NewCanceller())
}

// EvaluateCancellable is Evaluate with an explicit, caller-owned
// Canceller so the caller can later call canceller.Cancel to unwind
// the whole evaluation tree.
func (e *Engine) EvaluateCancellable(ctx context.Context, kt KeyType, canonicalBytes []byte, fn Func, canceller *Canceller) (Key, any, error) {
	return e.evaluate(ctx, nil, kt, canonicalBytes, fn, canceller)
}

func (e *Engine) evaluate(ctx context.Context, requester *Key, kt KeyType, canonicalBytes []byte, fn Func, canceller *Canceller) (Key, any, error) {
	if cancelled, reason := canceller.Cancelled(); cancelled {
		return Key{}, nil, &CancelledError{Reason: reason}
	}

	fp, err := e.versions.Fingerprint(kt, canonicalBytes)
	if err != nil {
		return Key{}, nil, err
	}
	key := Key{Identifier: kt.Identifier(), Fingerprint: fp}

	if requester != nil {
		if err := e.graph.InsertEdge(requester.String(), key.String()); err != nil {
			return key, nil, err
		}
	}

	if valueID, ok, err := e.cache.Get(fp); err != nil {
		return key, nil, fmt.Errorf("engine: function cache get: %w", err)
	} else if ok {
		e.tracer.EvaluationStarted(key)
		value, err := e.loadValue(ctx, valueID)
		e.tracer.EvaluationEnded(key, true, err)
		return key, value, err
	}

	result := e.dedup.Do(ctx, fp.String(), func(ctx context.Context) futures.Result {
		e.tracer.EvaluationStarted(key)
		value, typeIdentifier, err := fn(ctx, &RequestContext{engine: e, requester: key, canceller: canceller})
		if err != nil {
			e.tracer.EvaluationEnded(key, false, err)
			return futures.Result{Err: err, ErrorKind: errorKind(err)}
		}

		wire, err := e.registry.Encode(typeIdentifier, value)
		if err != nil {
			e.tracer.EvaluationEnded(key, false, err)
			return futures.Result{Err: err, ErrorKind: "encode"}
		}
		valueBytes, err := serialize.EncodeWire(wire)
		if err != nil {
			e.tracer.EvaluationEnded(key, false, err)
			return futures.Result{Err: err, ErrorKind: "encode"}
		}
		valueID, err := e.cas.Put(ctx, nil, valueBytes)
		if err != nil {
			e.tracer.EvaluationEnded(key, false, err)
			return futures.Result{Err: err, ErrorKind: "store"}
		}
		if err := e.cache.Set(fp, valueID); err != nil {
			e.tracer.EvaluationEnded(key, false, err)
			return futures.Result{Err: err, ErrorKind: "store"}
		}
		e.tracer.EvaluationEnded(key, false, nil)
		return futures.Result{Value: value}
	})

	if result.Err != nil {
		return key, nil, result.Err
	}
	return key, result.Value, nil
}

func (e *Engine) loadValue(ctx context.Context, id dataid.DataID) (any, error) {
	obj, ok, err := e.cas.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: load cached value %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("engine: cached value %s missing from CAS", id)
	}
	wire, err := serialize.DecodeWire(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("engine: decode cached value %s: %w", id, err)
	}
	return e.registry.Decode(wire)
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var cycle *CycleError
	if errors.As(err, &cycle) {
		return "cycle"
	}
	return "error"
}
