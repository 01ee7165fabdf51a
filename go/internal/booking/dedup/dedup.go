package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultCallTimeout bounds a shared call once no caller is able to cancel it.
const DefaultCallTimeout = 30 * time.Second

// Group coalesces concurrent calls that share a key into one underlying call.
//
// The shared call runs on a context detached from any single caller's cancellation,
// so a caller that gives up abandons its wait without cancelling the call for the
// others. Once the call settles the key is free again.
type Group[T any] struct {
	sf      singleflight.Group
	timeout time.Duration

	mu       sync.Mutex
	inFlight map[string]int
	calls    uint64
}

// NewGroup creates a Group. A zero timeout uses DefaultCallTimeout.
func NewGroup[T any](timeout time.Duration) *Group[T] {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Group[T]{
		timeout:  timeout,
		inFlight: make(map[string]int),
	}
}

// Run executes fn for key unless a call for key is already in flight, in which case it
// waits for that call's result. shared reports whether the result went to more than
// one caller.
func (g *Group[T]) Run(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	callCtx := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (interface{}, error) {
		g.started(key)
		defer g.finished(key)

		runCtx, cancel := context.WithTimeout(callCtx, g.timeout)
		defer cancel()
		return fn(runCtx)
	})

	select {
	case <-ctx.Done():
		log.Debug().Str("key", key).Msg("abandoned in-flight call")
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		v, ok := res.Val.(T)
		if !ok && res.Val != nil {
			var zero T
			return zero, res.Shared, fmt.Errorf("dedup %s: unexpected result type %T", key, res.Val)
		}
		return v, res.Shared, nil
	}
}

// Forget makes the next Run for key start a fresh call even if one is in flight.
// Callers already waiting keep waiting on the old call.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// InFlight reports whether a call for key is currently executing.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key] > 0
}

// Calls returns how many underlying calls have been started.
func (g *Group[T]) Calls() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *Group[T]) started(key string) {
	g.mu.Lock()
	g.inFlight[key]++
	g.calls++
	g.mu.Unlock()
}

func (g *Group[T]) finished(key string) {
	g.mu.Lock()
	if g.inFlight[key] <= 1 {
		delete(g.inFlight, key)
	} else {
		g.inFlight[key]--
	}
	g.mu.Unlock()
}

// DetailKey, HistoryKey and MessagesKey name the refresh operations of one booking.
// Different operations use different keys and may run concurrently.
func DetailKey(bookingID string) string   { return "detail:" + bookingID }
func HistoryKey(bookingID string) string  { return "history:" + bookingID }
func MessagesKey(bookingID string) string { return "messages:" + bookingID }
