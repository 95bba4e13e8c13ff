package credential

import (
	"sync"

	"github.com/yansir/kiro-gateway/internal/store"
)

// singleflight coalesces concurrent refreshes for the same upstream so that
// "at most one outstanding refresh" holds (spec §4.B item 4, §9 "Per-upstream
// refresh coalescing"). No pack repo imports golang.org/x/sync/singleflight
// despite several doing similar by-hand coalescing (e.g. the teacher's
// store-backed AcquireRefreshLock) — this is the in-process equivalent, a
// channel-based single-flight keyed by upstream id.
type singleflight struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	val  store.Credentials
	err  error
}

func newSingleflight() *singleflight {
	return &singleflight{calls: make(map[string]*inflightCall)}
}

// Do runs fn for key if no call is already in flight; otherwise it waits for
// the in-flight call and returns its result. All waiters observe the same
// post-refresh credential snapshot (spec §5 Ordering guarantees).
func (g *singleflight) Do(key string, fn func() (store.Credentials, error)) (store.Credentials, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err
	}

	c := &inflightCall{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	close(c.done)

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()

	return c.val, c.err
}
