// Package futures implements request coalescing and bounded-concurrency
// dispatch: a Deduplicator that joins identical concurrent requests
// into one shared computation, and a FutureOperationQueue that bounds
// work by count and byte-weight.
package futures

import (
	"context"
	"sync"
	"time"
)

// ErrorExpiry decides how long an erroneous result stays coalesced
// before a fresh request is allowed to retry the computation, keyed by
// an opaque error-kind string the caller assigns.
type ErrorExpiry interface {
	// Expiry returns the duration an error of kind should remain
	// shared among new joiners before a new attempt is made. Zero means
	// expire immediately (the default policy).
	Expiry(kind string) time.Duration
}

// ImmediateExpiry is the default ErrorExpiry: every error expires
// immediately, so the very next request retries the computation from
// scratch.
type ImmediateExpiry struct{}

func (ImmediateExpiry) Expiry(string) time.Duration { return 0 }

// Result is what a Deduplicator call returns: a value, or an error
// together with the caller-assigned error kind (used to look up the
// expiry policy).
type Result struct {
	Value     any
	Err       error
	ErrorKind string
}

type entry struct {
	done      chan struct{}
	result    Result
	expiresAt time.Time // zero means "never cached beyond first delivery"
}

type Deduplicator struct {
	mu       sync.Mutex
	inFlight map[string]*entry
	cache    map[string]*entry // successful results only, until evicted
	expiry   ErrorExpiry
	cacheTTL time.Duration
}

// NewDeduplicator returns a Deduplicator using expiry to decide how
// long erroneous results stay shared, and cacheTTL to decide how long
// successful results remain available from the secondary cache after
// the computation finishes (zero disables the secondary cache).
func NewDeduplicator(expiry ErrorExpiry, cacheTTL time.Duration) *Deduplicator {
	if expiry == nil {
		expiry = ImmediateExpiry{}
	}
	return &Deduplicator{
		inFlight: make(map[string]*entry),
		cache:    make(map[string]*entry),
		expiry:   expiry,
		cacheTTL: cacheTTL,
	}
}

// Do runs fn for fingerprint, or joins an already in-flight or
// still-cached computation for the same fingerprint. Concurrent callers
// with the same fingerprint all observe the same Result.
func (d *Deduplicator) Do(ctx context.Context, fingerprint string, fn func(ctx context.Context) Result) Result {
	d.mu.Lock()
	if e, ok := d.inFlight[fingerprint]; ok {
		d.mu.Unlock()
		return d.await(ctx, e)
	}
	if d.cacheTTL > 0 {
		if e, ok := d.cache[fingerprint]; ok && time.Now().Before(e.expiresAt) {
			d.mu.Unlock()
			return e.result
		}
	}
	e := &entry{done: make(chan struct{})}
	d.inFlight[fingerprint] = e
	d.mu.Unlock()

	result := fn(ctx)
	e.result = result
	close(e.done)

	d.mu.Lock()
	delete(d.inFlight, fingerprint)
	if result.Err == nil && d.cacheTTL > 0 {
		e.expiresAt = time.Now().Add(d.cacheTTL)
		d.cache[fingerprint] = e
	} else if result.Err != nil {
		expiry := d.expiry.Expiry(result.ErrorKind)
		if expiry > 0 {
			e.expiresAt = time.Now().Add(expiry)
			d.cache[fingerprint] = e
		}
	}
	d.mu.Unlock()

	return result
}

func (d *Deduplicator) await(ctx context.Context, e *entry) Result {
	select {
	case <-e.done:
		return e.result
	case <-ctx.Done():
		return Result{Err: ctx.Err(), ErrorKind: "cancelled"}
	}
}

// Forget drops any cached (successful or still-expiry-windowed) result
// for fingerprint, forcing the next Do to recompute. It has no effect
// on a currently in-flight computation.
func (d *Deduplicator) Forget(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, fingerprint)
}
