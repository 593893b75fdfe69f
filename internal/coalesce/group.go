package coalesce

import (
	"context"
	"sync"
)

// call is the in-flight shared outcome for one key.
type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

// Group deduplicates concurrent calls sharing a key: the first caller becomes
// the leader and runs the operation, every concurrent caller with the same
// key attaches to the leader's outcome. Entries exist only while the call is
// in flight; results are never cached beyond completion.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

// NewGroup creates an empty coalescing group.
func NewGroup() *Group {
	return &Group{calls: make(map[string]*call)}
}

// Do executes fn under key, coalescing concurrent duplicates. The returned
// bool reports whether the result was shared with other callers. Followers
// observe the leader's exact outcome, including its error; a follower whose
// context ends first detaches with the context error without cancelling the
// leader.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	// The entry must go away the instant the call settles, even when fn
	// panics, so the key can never wedge.
	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	return c.val, false, c.err
}

// InFlight reports whether a call for key is currently running.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
