// Package router correlates outbound requests with their responses.
package router

import (
	"sync"
	"time"

	"github.com/codefionn/agentlink/internal/wire"
)

// Outcome resolves one pending request: a result value or an error.
type Outcome struct {
	Result wire.Value
	Err    error
}

type pending struct {
	ch      chan Outcome
	created time.Time
}

// Router allocates correlation ids and tracks pending requests. All table
// mutations are serialized so concurrent callers never corrupt each other's
// entries; every entry is destroyed at most once, by a matching response, a
// timeout removal, or FailAll on teardown.
type Router struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pending
}

// New creates an empty router.
func New() *Router {
	return &Router{pending: make(map[int64]*pending)}
}

// Allocate returns the next correlation id. Ids increase monotonically
// starting at 1 and are unique for the lifetime of one session instance.
func (r *Router) Allocate() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register creates the pending entry for id and returns the channel the
// caller waits on. The channel is buffered so resolution never blocks the
// receive loop.
func (r *Router) Register(id int64) <-chan Outcome {
	ch := make(chan Outcome, 1)
	r.mu.Lock()
	r.pending[id] = &pending{ch: ch, created: time.Now()}
	r.mu.Unlock()
	return ch
}

// Resolve removes and completes exactly the matching entry. Unknown ids are
// ignored: late or duplicate responses are not errors.
func (r *Router) Resolve(id int64, out Outcome) bool {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- out
	return true
}

// Remove drops the entry for id without completing it. Used on timeout
// expiry; a response arriving afterwards finds no entry and is ignored.
func (r *Router) Remove(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// FailAll atomically drains the table, completing every outstanding entry
// with err so no caller hangs past teardown.
func (r *Router) FailAll(err error) {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[int64]*pending)
	r.mu.Unlock()

	for _, entry := range drained {
		entry.ch <- Outcome{Err: err}
	}
}

// PendingCount returns the number of outstanding entries.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Oldest returns the creation time of the oldest outstanding entry; ok is
// false when the table is empty.
func (r *Router) Oldest() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest time.Time
	found := false
	for _, entry := range r.pending {
		if !found || entry.created.Before(oldest) {
			oldest = entry.created
			found = true
		}
	}
	return oldest, found
}
