package futures

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplicator_CoalescesConcurrentCalls(t *testing.T) {
	d := NewDeduplicator(nil, 0)
	var calls int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = d.Do(context.Background(), "key", func(ctx context.Context) Result {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return Result{Value: 42}
			})
		}()
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected the body to run once, ran %d times", calls)
	}
	for i, r := range results {
		if r.Value != 42 {
			t.Fatalf("result %d: expected 42, got %v", i, r.Value)
		}
	}
}

func TestDeduplicator_ErrorsExpireImmediately(t *testing.T) {
	d := NewDeduplicator(nil, time.Hour)
	var calls int32
	fn := func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Err: errors.New("boom"), ErrorKind: "transient"}
	}
	d.Do(context.Background(), "key", fn)
	d.Do(context.Background(), "key", fn)
	if calls != 2 {
		t.Fatalf("expected errors to not be cached, ran %d times", calls)
	}
}

func TestDeduplicator_SuccessfulResultsCachedWithTTL(t *testing.T) {
	d := NewDeduplicator(nil, time.Hour)
	var calls int32
	fn := func(ctx context.Context) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Value: "ok"}
	}
	d.Do(context.Background(), "key", fn)
	d.Do(context.Background(), "key", fn)
	if calls != 1 {
		t.Fatalf("expected cached successful result to short-circuit, ran %d times", calls)
	}
}

func TestFutureOperationQueue_BoundsByCount(t *testing.T) {
	q := NewFutureOperationQueue(2, 0)
	var inFlight int32
	var maxSeen int32

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		_, result := q.Submit(context.Background(), 0, func(ctx context.Context) error {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		go func() {
			defer wg.Done()
			<-result
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent items, saw %d", maxSeen)
	}
}

func TestFutureOperationQueue_BoundsByShare(t *testing.T) {
	q := NewFutureOperationQueue(10, 5)
	var inFlightShare int64
	var maxSeen int64

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		_, result := q.Submit(context.Background(), 3, func(ctx context.Context) error {
			cur := atomic.AddInt64(&inFlightShare, 3)
			for {
				old := atomic.LoadInt64(&maxSeen)
				if cur <= old || atomic.CompareAndSwapInt64(&maxSeen, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlightShare, -3)
			return nil
		})
		go func() {
			defer wg.Done()
			<-result
		}()
	}
	wg.Wait()

	if maxSeen > 5 {
		t.Fatalf("expected at most share 5 in flight, saw %d", maxSeen)
	}
}

func TestFutureOperationQueue_StartSignal(t *testing.T) {
	q := NewFutureOperationQueue(1, 0)
	started, result := q.Submit(context.Background(), 0, func(ctx context.Context) error {
		return nil
	})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected started signal to fire")
	}
	if err := <-result; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFutureOperationQueue_ShareExceedsCap(t *testing.T) {
	q := NewFutureOperationQueue(1, 5)
	_, result := q.Submit(context.Background(), 10, func(ctx context.Context) error {
		return nil
	})
	if err := <-result; err == nil {
		t.Fatalf("expected error for share exceeding cap")
	}
}
