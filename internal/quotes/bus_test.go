package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func i64(v int64) *int64 { return &v }

func testQuote(bid, ask int64) Quote {
	return Quote{
		UserID:    "u1",
		Env:       "demo",
		AccountID: 100,
		SymbolID:  1,
		Bid:       i64(bid),
		Ask:       i64(ask),
		Timestamp: i64(1_700_000_000_000),
	}
}

func (b *Bus) waiterCount(k Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[k])
}

// waitWaiters polls until k has exactly n queued waiters.
func waitWaiters(t *testing.T, b *Bus, k Key, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.waiterCount(k) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("waiter count did not reach %d within %v (have %d)", n, timeout, b.waiterCount(k))
}

func TestLastAbsentThenPresent(t *testing.T) {
	b := NewBus()
	q := testQuote(11000, 11002)

	if _, ok := b.Last(q.Key()); ok {
		t.Fatal("Last on empty bus returned a quote")
	}
	b.Upsert(q)
	got, ok := b.Last(q.Key())
	if !ok {
		t.Fatal("Last after upsert returned nothing")
	}
	if *got.Bid != 11000 || *got.Ask != 11002 {
		t.Errorf("Last: got bid=%d ask=%d", *got.Bid, *got.Ask)
	}
}

func TestUpsertResolvesAllWaiters(t *testing.T) {
	b := NewBus()
	q := testQuote(11000, 11002)
	k := q.Key()

	const n = 3
	results := make(chan Quote, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.WaitNext(context.Background(), k, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			// The last-value cache must already hold the quote when a
			// waiter wakes.
			if last, ok := b.Last(k); !ok || *last.Bid != *got.Bid {
				errs <- errors.New("waiter woke before last-value cache was updated")
				return
			}
			results <- got
		}()
	}
	waitWaiters(t, b, k, n, time.Second)

	b.Upsert(q)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("waiter: %v", err)
	}
	if len(results) != n {
		t.Fatalf("resolved %d waiters, want %d", len(results), n)
	}
	if b.waiterCount(k) != 0 {
		t.Errorf("waiter queue not drained: %d left", b.waiterCount(k))
	}
}

func TestWaitNextTimeout(t *testing.T) {
	b := NewBus()
	k := testQuote(0, 0).Key()

	start := time.Now()
	_, err := b.WaitNext(context.Background(), k, 30*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrQuoteTimeout) {
		t.Fatalf("expected ErrQuoteTimeout, got %v", err)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("returned before the timeout: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("timeout took far too long: %v", elapsed)
	}
	if b.waiterCount(k) != 0 {
		t.Errorf("timed-out waiter not pruned: %d left", b.waiterCount(k))
	}
}

func TestWaitNextContextCancel(t *testing.T) {
	b := NewBus()
	k := testQuote(0, 0).Key()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.WaitNext(ctx, k, 5*time.Second)
		done <- err
	}()
	waitWaiters(t, b, k, 1, time.Second)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitNext did not return after cancel")
	}
	if b.waiterCount(k) != 0 {
		t.Errorf("cancelled waiter not pruned: %d left", b.waiterCount(k))
	}
}

func TestWaitNextBounded(t *testing.T) {
	b := NewBus()
	q := testQuote(11000, 11002)
	k := q.Key()

	var wg sync.WaitGroup
	for i := 0; i < defaultMaxWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.WaitNext(context.Background(), k, 5*time.Second)
		}()
	}
	waitWaiters(t, b, k, defaultMaxWaiters, 2*time.Second)

	if _, err := b.WaitNext(context.Background(), k, 5*time.Second); !errors.Is(err, ErrTooManyWaiters) {
		t.Fatalf("expected ErrTooManyWaiters, got %v", err)
	}

	b.Upsert(q)
	wg.Wait()
	if b.waiterCount(k) != 0 {
		t.Errorf("waiter queue not drained: %d left", b.waiterCount(k))
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := NewBus()
	q1 := testQuote(1, 2)
	q2 := testQuote(3, 4)
	q2.SymbolID = 2

	b.Upsert(q1)
	if _, ok := b.Last(q2.Key()); ok {
		t.Fatal("quote leaked across keys")
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.WaitNext(context.Background(), q2.Key(), 200*time.Millisecond)
		done <- err
	}()
	waitWaiters(t, b, q2.Key(), 1, time.Second)
	b.Upsert(q1)

	if err := <-done; !errors.Is(err, ErrQuoteTimeout) {
		t.Fatalf("waiter on another key was woken: %v", err)
	}
}

func TestWatchAndUnwatch(t *testing.T) {
	b := NewBus()
	q := testQuote(11000, 11002)
	k := q.Key()

	ch := b.Watch(k)
	b.Upsert(q)
	b.Upsert(q)

	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			if *got.Bid != 11000 {
				t.Errorf("tick %d: bid = %d", i, *got.Bid)
			}
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}

	b.Unwatch(k, ch)
	b.Upsert(q)
	select {
	case <-ch:
		t.Fatal("received a tick after Unwatch")
	case <-time.After(50 * time.Millisecond):
	}
}
