package futures

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// FutureOperationQueue bounds concurrent work by two independent caps:
// a maximum item count and a maximum total "share" (a caller-assigned
// byte-weight, e.g. expected memory or I/O footprint). Both caps must
// be satisfied before an item starts running.
type FutureOperationQueue struct {
	count    *semaphore.Weighted
	share    *semaphore.Weighted
	maxShare int64
}

// NewFutureOperationQueue returns a queue allowing at most maxCount
// concurrent items and maxShare total share in flight at once. A
// maxShare of 0 disables the share cap (only maxCount applies).
func NewFutureOperationQueue(maxCount int, maxShare int64) *FutureOperationQueue {
	q := &FutureOperationQueue{count: semaphore.NewWeighted(int64(maxCount)), maxShare: maxShare}
	if maxShare > 0 {
		q.share = semaphore.NewWeighted(maxShare)
	}
	return q
}

// StartSignal fires once the queued item has acquired both caps and is
// about to run, letting a caller implement backpressure (e.g. report
// queue depth) without blocking on the item's full completion.
type StartSignal chan struct{}

// Submit returns at once; a goroutine waits until capacity is available
// for an item of the given share weight, then runs fn and sends its
// error on result. started is closed the instant fn begins running; a
// caller that only needs a "work accepted" signal can select on it
// without waiting for fn's result. If ctx is cancelled before capacity
// becomes available, ctx.Err() is sent on result, fn never runs and
// started is never closed. A share above the cap is rejected at once:
// started is closed and the error is already on result.
func (q *FutureOperationQueue) Submit(ctx context.Context, share int64, fn func(ctx context.Context) error) (started StartSignal, result <-chan error) {
	startedCh := make(StartSignal)
	resultCh := make(chan error, 1)

	if q.maxShare > 0 && share > q.maxShare {
		close(startedCh)
		resultCh <- fmt.Errorf("%w: requested %d, cap %d", errShareTooLarge, share, q.maxShare)
		return startedCh, resultCh
	}

	go func() {
		if err := q.count.Acquire(ctx, 1); err != nil {
			resultCh <- err
			return
		}
		defer q.count.Release(1)

		if q.share != nil && share > 0 {
			if err := q.share.Acquire(ctx, share); err != nil {
				resultCh <- err
				return
			}
			defer q.share.Release(share)
		}

		close(startedCh)
		resultCh <- fn(ctx)
	}()

	return startedCh, resultCh
}

// TryAcquire attempts to reserve capacity for share without blocking,
// returning a release function on success, for callers that want to
// fail fast rather than queue when at capacity.
func (q *FutureOperationQueue) TryAcquire(share int64) (release func(), ok bool) {
	if !q.count.TryAcquire(1) {
		return nil, false
	}
	if q.share != nil && share > 0 {
		if !q.share.TryAcquire(share) {
			q.count.Release(1)
			return nil, false
		}
		return func() {
			q.share.Release(share)
			q.count.Release(1)
		}, true
	}
	return func() { q.count.Release(1) }, true
}

// errShareTooLarge is wrapped into the error returned by Submit when a
// caller requests a share weight larger than the queue's cap;
// semaphore.Weighted would otherwise block forever.
var errShareTooLarge = fmt.Errorf("futures: requested share exceeds queue capacity")
