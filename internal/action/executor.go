package action

import (
	"context"
	"fmt"
	"sync"

	"kiln/internal/futures"
)

// Executor is the capability that actually runs a command line and
// materialises files; the engine never shells out itself.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error)
}

// Registry resolves a DynamicIdentifier to an Executor. The empty
// identifier names the default executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns a Registry with no executors installed.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register installs executor under identifier. Registering "" installs
// the default executor used when an ActionKey leaves DynamicIdentifier
// empty.
func (r *Registry) Register(identifier string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[identifier] = executor
}

// UnknownExecutorError is returned by Resolve when no executor is
// registered under the requested identifier.
type UnknownExecutorError struct {
	Identifier string
}

func (e *UnknownExecutorError) Error() string {
	return fmt.Sprintf("action: no executor registered for identifier %q", e.Identifier)
}

// Resolve looks up the executor for identifier.
func (r *Registry) Resolve(identifier string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[identifier]
	if !ok {
		return nil, &UnknownExecutorError{Identifier: identifier}
	}
	return e, nil
}

// Throttled bounds concurrent executions of an inner Executor through
// a FutureOperationQueue, so a build with many ready actions never
// launches more subprocesses than the queue's executor-slot cap
// allows. Each request waits for a slot in its own goroutine, so the
// order in which queued requests start is not defined.
type Throttled struct {
	Queue *futures.FutureOperationQueue
	Inner Executor
}

func (t *Throttled) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error) {
	var resp ExecutionResponse
	_, result := t.Queue.Submit(ctx, 0, func(ctx context.Context) error {
		var err error
		resp, err = t.Inner.Execute(ctx, req)
		return err
	})
	if err := <-result; err != nil {
		return ExecutionResponse{}, err
	}
	return resp, nil
}

// Execute resolves req.DynamicIdentifier and runs it, wrapping any
// lookup failure as a TransportError since it means the request could
// never reach a concrete executor.
func (r *Registry) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error) {
	executor, err := r.Resolve(req.DynamicIdentifier)
	if err != nil {
		return ExecutionResponse{}, &TransportError{Err: err}
	}
	return executor.Execute(ctx, req)
}
