// Package flow implements watermark-based admission control over
// outstanding bytes and message counts.
package flow

import (
	"context"
	"sync"
)

// Watermarks bound one counter. High is the admission-denial threshold and
// Low the resume threshold; a zero High disables the dimension entirely.
type Watermarks struct {
	High int64
	Low  int64
}

// Limits configures a Controller. Each direction of an engine owns its own
// Controller instance, so independent engines never share budgets.
type Limits struct {
	Bytes    Watermarks
	Messages Watermarks
}

func (w Watermarks) normalized() Watermarks {
	if w.High <= 0 {
		return Watermarks{}
	}
	if w.Low <= 0 || w.Low > w.High {
		w.Low = w.High
	}
	return w
}

type waiter struct {
	bytes    int64
	messages int64
	ready    chan struct{}
}

// Controller gates admission of work against outstanding byte and message
// budgets. Acquire blocks while a high watermark is exceeded; Release wakes
// blocked callers in FIFO arrival order once the counters are back at or
// under the low watermark.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	bytes    int64
	messages int64
	waiters  []*waiter
}

func New(limits Limits) *Controller {
	limits.Bytes = limits.Bytes.normalized()
	limits.Messages = limits.Messages.normalized()
	return &Controller{limits: limits}
}

// Acquire reserves bytes and messages of budget, blocking while either
// watermark is exceeded. A single item larger than a configured maximum is
// admitted once nothing else is outstanding, so it can never deadlock, but
// it still occupies the budget until released. Callers impose their own
// timeout through ctx.
func (c *Controller) Acquire(ctx context.Context, bytes, messages int64) error {
	c.mu.Lock()
	if len(c.waiters) == 0 && c.admissible(bytes, messages) {
		c.bytes += bytes
		c.messages += messages
		c.mu.Unlock()
		return nil
	}
	w := &waiter{bytes: bytes, messages: messages, ready: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			// Admitted concurrently with cancellation; keep the permit.
			c.mu.Unlock()
			return nil
		default:
		}
		for i, queued := range c.waiters {
			if queued == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns budget reserved by a prior Acquire and wakes admissible
// waiters. Counters never go negative; a mismatched release clamps to zero.
func (c *Controller) Release(bytes, messages int64) {
	c.mu.Lock()
	c.bytes -= bytes
	if c.bytes < 0 {
		c.bytes = 0
	}
	c.messages -= messages
	if c.messages < 0 {
		c.messages = 0
	}
	if c.underLow() {
		for len(c.waiters) > 0 {
			w := c.waiters[0]
			if !c.admissible(w.bytes, w.messages) {
				break
			}
			c.bytes += w.bytes
			c.messages += w.messages
			c.waiters = c.waiters[1:]
			close(w.ready)
		}
	}
	c.mu.Unlock()
}

// Outstanding reports the current reserved budget.
func (c *Controller) Outstanding() (bytes, messages int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes, c.messages
}

func (c *Controller) admissible(bytes, messages int64) bool {
	if h := c.limits.Bytes.High; h > 0 {
		if c.bytes+bytes > h && !(bytes > h && c.bytes == 0) {
			return false
		}
	}
	if h := c.limits.Messages.High; h > 0 {
		if c.messages+messages > h && !(messages > h && c.messages == 0) {
			return false
		}
	}
	return true
}

func (c *Controller) underLow() bool {
	if w := c.limits.Bytes; w.High > 0 && c.bytes > w.Low {
		return false
	}
	if w := c.limits.Messages; w.High > 0 && c.messages > w.Low {
		return false
	}
	return true
}
