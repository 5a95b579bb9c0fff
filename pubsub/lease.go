package pubsub

import (
	"sync"
	"time"
)

type leaseState int

const (
	leaseDelivered leaseState = iota
	leaseExtending
	leaseAcked
	leaseNacked
	leaseExpired
)

func (s leaseState) String() string {
	switch s {
	case leaseDelivered:
		return "delivered"
	case leaseExtending:
		return "extending"
	case leaseAcked:
		return "acked"
	case leaseNacked:
		return "nacked"
	case leaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// lease tracks one delivered, not-yet-settled message.
type lease struct {
	handle    string
	meta      MessageMetadata
	size      int64
	state     leaseState
	deadline  time.Time
	maxExpiry time.Time
	done      chan struct{}
}

// leaseTable maps ack handles to leases. It is mutated only by the
// session's pull loop (insert), the renewal loop (deadline updates and
// expiry), and handler settlement (removal); removal is idempotent so a
// late settlement racing an expiry is a no-op.
type leaseTable struct {
	mu      sync.Mutex
	leases  map[string]*lease
	waiters []chan struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: map[string]*lease{}}
}

func (t *leaseTable) insert(handle string, meta MessageMetadata, size int64, deadline, maxExpiry time.Time) *lease {
	l := &lease{
		handle:    handle,
		meta:      meta,
		size:      size,
		state:     leaseDelivered,
		deadline:  deadline,
		maxExpiry: maxExpiry,
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.leases[handle] = l
	t.mu.Unlock()
	return l
}

// remove takes the lease out of the table in the given terminal state.
// It reports false if the lease was already gone.
func (t *leaseTable) remove(handle string, terminal leaseState) (*lease, bool) {
	t.mu.Lock()
	l, ok := t.leases[handle]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	delete(t.leases, handle)
	l.state = terminal
	close(l.done)
	if len(t.leases) == 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
	t.mu.Unlock()
	return l, true
}

// extend moves the lease deadline forward, capped at its max expiry.
// It reports false if the lease is no longer in the table.
func (t *leaseTable) extend(handle string, deadline time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[handle]
	if !ok {
		return false
	}
	if deadline.After(l.maxExpiry) {
		deadline = l.maxExpiry
	}
	l.deadline = deadline
	l.state = leaseExtending
	return true
}

// sweep partitions active leases for the renewal loop: leases past their
// deadline or max expiry are removed as expired, and leases whose deadline
// falls within the horizon are returned for extension. Decisions are made
// under the table lock so a concurrent settlement never observes a partial
// transition.
func (t *leaseTable) sweep(now time.Time, horizon time.Duration) (expired, renew []*lease) {
	t.mu.Lock()
	for handle, l := range t.leases {
		switch {
		case !now.Before(l.maxExpiry) || !now.Before(l.deadline):
			delete(t.leases, handle)
			l.state = leaseExpired
			close(l.done)
			expired = append(expired, l)
		case !l.deadline.After(now.Add(horizon)):
			renew = append(renew, l)
		}
	}
	if len(t.leases) == 0 && len(expired) > 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
	t.mu.Unlock()
	return expired, renew
}

// drain force-expires every remaining lease, for session shutdown past its
// drain deadline.
func (t *leaseTable) drain() []*lease {
	t.mu.Lock()
	out := make([]*lease, 0, len(t.leases))
	for handle, l := range t.leases {
		delete(t.leases, handle)
		l.state = leaseExpired
		close(l.done)
		out = append(out, l)
	}
	for _, w := range t.waiters {
		close(w)
	}
	t.waiters = nil
	t.mu.Unlock()
	return out
}

func (t *leaseTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

// deadlineOf reads the lease deadline without removing it.
func (t *leaseTable) deadlineOf(handle string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[handle]
	if !ok {
		return time.Time{}, false
	}
	return l.deadline, true
}

// waitEmpty blocks until the table is empty.
func (t *leaseTable) waitEmpty(done <-chan struct{}) {
	t.mu.Lock()
	if len(t.leases) == 0 {
		t.mu.Unlock()
		return
	}
	w := make(chan struct{})
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()
	select {
	case <-w:
	case <-done:
	}
}
