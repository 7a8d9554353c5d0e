// Package quotes is the in-process fan-out for spot prices: last-value
// cache per subscription key plus bounded blocking waiters.
package quotes

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultMaxWaiters = 50
	watchBuffer       = 16
)

var (
	// ErrQuoteTimeout is surfaced verbatim to HTTP callers.
	ErrQuoteTimeout = errors.New("QUOTE_TIMEOUT")

	// ErrTooManyWaiters rejects new blocking waiters once a key's queue
	// is full.
	ErrTooManyWaiters = errors.New("too many quote waiters")
)

// Key identifies one spot subscription.
type Key struct {
	UserID    string
	Env       string
	AccountID int64
	SymbolID  int64
}

// Quote is one published tick. Bid, ask, and timestamp are pointers so a
// field the venue omitted stays omitted.
type Quote struct {
	UserID    string `json:"userId"`
	Env       string `json:"env"`
	AccountID int64  `json:"accountId"`
	SymbolID  int64  `json:"symbolId"`
	Bid       *int64 `json:"bid,omitempty"`
	Ask       *int64 `json:"ask,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

func (q Quote) Key() Key {
	return Key{UserID: q.UserID, Env: q.Env, AccountID: q.AccountID, SymbolID: q.SymbolID}
}

// Bus holds the last quote per key and wakes blocked waiters on publish.
type Bus struct {
	mu         sync.Mutex
	last       map[Key]Quote
	waiters    map[Key][]chan Quote
	watchers   map[Key][]chan Quote
	maxWaiters int
}

func NewBus() *Bus {
	return &Bus{
		last:       make(map[Key]Quote),
		waiters:    make(map[Key][]chan Quote),
		watchers:   make(map[Key][]chan Quote),
		maxWaiters: defaultMaxWaiters,
	}
}

// Upsert stores q as the last quote for its key, then wakes every waiter
// queued on the key. Watchers receive best-effort: a slow watcher drops
// ticks rather than blocking the publisher.
func (b *Bus) Upsert(q Quote) {
	k := q.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[k] = q
	for _, ch := range b.waiters[k] {
		ch <- q
	}
	delete(b.waiters, k)
	for _, ch := range b.watchers[k] {
		select {
		case ch <- q:
		default:
		}
	}
}

// Last returns the most recent quote for k, if any.
func (b *Bus) Last(k Key) (Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.last[k]
	return q, ok
}

// WaitNext blocks until the next quote for k arrives, the timeout lapses,
// or ctx is cancelled. With maxWaiters already queued on k it fails
// immediately.
func (b *Bus) WaitNext(ctx context.Context, k Key, timeout time.Duration) (Quote, error) {
	b.mu.Lock()
	if len(b.waiters[k]) >= b.maxWaiters {
		b.mu.Unlock()
		return Quote{}, ErrTooManyWaiters
	}
	ch := make(chan Quote, 1)
	b.waiters[k] = append(b.waiters[k], ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q := <-ch:
		return q, nil
	case <-timer.C:
		b.removeWaiter(k, ch)
		return Quote{}, ErrQuoteTimeout
	case <-ctx.Done():
		b.removeWaiter(k, ch)
		return Quote{}, ctx.Err()
	}
}

func (b *Bus) removeWaiter(k Key, ch chan Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[k]
	for i, c := range ws {
		if c == ch {
			b.waiters[k] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[k]) == 0 {
		delete(b.waiters, k)
	}
}

// Watch subscribes to every future quote for k until Unwatch.
func (b *Bus) Watch(k Key) chan Quote {
	ch := make(chan Quote, watchBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers[k] = append(b.watchers[k], ch)
	return ch
}

// Unwatch detaches a watcher channel. The channel is not closed; readers
// select on their own context.
func (b *Bus) Unwatch(k Key, ch chan Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.watchers[k]
	for i, c := range ws {
		if c == ch {
			b.watchers[k] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.watchers[k]) == 0 {
		delete(b.watchers, k)
	}
}
