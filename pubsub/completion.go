package pubsub

import (
	"context"
	"sync"
)

// PublishResult is the caller's handle onto a submitted message. It resolves
// exactly once, to either a server-assigned ID or an error, and any number
// of waiters may observe the resolution.
type PublishResult struct {
	once  sync.Once
	ready chan struct{}

	serverID string
	err      error

	// cancelFn removes the message from its open batch. It is set while the
	// message sits in a batch that has not closed and cleared on close; both
	// happen under the owning publisher's lock.
	mu       sync.Mutex
	cancelFn func() bool
}

// Ready is closed once the result has resolved.
func (r *PublishResult) Ready() <-chan struct{} { return r.ready }

// Get blocks until the result resolves or ctx is done.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.ready:
		return r.serverID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel removes the message from its batch if the batch has not yet been
// sent, failing the result with ErrPublishCanceled and releasing its
// flow-control reservation. Once the batch is in flight the send is
// irrevocable and Cancel reports false.
func (r *PublishResult) Cancel() bool {
	r.mu.Lock()
	fn := r.cancelFn
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn()
}

func (r *PublishResult) setCancel(fn func() bool) {
	r.mu.Lock()
	r.cancelFn = fn
	r.mu.Unlock()
}

// completions is the registry of in-flight publish results. It owns every
// entry it creates; callers only ever hold the *PublishResult handle.
type completions struct {
	mu          sync.Mutex
	outstanding int
	waiters     []chan struct{}
}

func newCompletions() *completions {
	return &completions{}
}

func (c *completions) add() *PublishResult {
	c.mu.Lock()
	c.outstanding++
	c.mu.Unlock()
	return &PublishResult{ready: make(chan struct{})}
}

// resolve performs the entry's single terminal transition and broadcasts it.
// Later calls for the same entry are no-ops.
func (c *completions) resolve(r *PublishResult, serverID string, err error) {
	r.once.Do(func() {
		r.setCancel(nil)
		r.serverID = serverID
		r.err = err
		close(r.ready)

		c.mu.Lock()
		c.outstanding--
		if c.outstanding == 0 {
			for _, w := range c.waiters {
				close(w)
			}
			c.waiters = nil
		}
		c.mu.Unlock()
	})
}

// wait blocks until every outstanding entry has resolved or ctx is done.
func (c *completions) wait(ctx context.Context) error {
	c.mu.Lock()
	if c.outstanding == 0 {
		c.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
