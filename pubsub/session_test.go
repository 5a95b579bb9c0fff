package pubsub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, ft *fakeTransport, handler Handler, opts ...SessionOption) *session {
	t.Helper()
	s := newSession(context.Background(), ft, "orders-sub", handler, options{}, opts)
	s.start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestSessionAckPath(t *testing.T) {
	ft := newFakeTransport()
	var handled atomic.Int32
	s := startSession(t, ft, HandlerFunc(func(_ context.Context, m *Message) error {
		handled.Add(1)
		assert.Equal(t, 1, m.Attempt())
		return nil
	}))

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return ft.ackCount() == 1 }))
	assert.Equal(t, int32(1), handled.Load())
	assert.Zero(t, ft.nackCount())

	// Settlement released the lease and its flow reservation.
	assert.True(t, waitUntil(time.Second, func() bool {
		bytes, messages := s.flow.Outstanding()
		return s.leases.len() == 0 && bytes == 0 && messages == 0
	}))
}

func TestSessionNackOnHandlerError(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, HandlerFunc(func(context.Context, *Message) error {
		return errors.New("cannot process")
	}))

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return ft.nackCount() == 1 }))
	assert.Zero(t, ft.ackCount())
	assert.Equal(t, "cannot process", s.Health().LastError)
}

func TestSessionNackOnPanic(t *testing.T) {
	ft := newFakeTransport()
	startSession(t, ft, HandlerFunc(func(context.Context, *Message) error {
		panic("handler bug")
	}))

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return ft.nackCount() == 1 }))
	assert.Zero(t, ft.ackCount())
}

func TestSessionRenewsLease(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	startSession(t, ft, HandlerFunc(func(context.Context, *Message) error {
		<-release
		return nil
	}), WithAckDeadline(300*time.Millisecond))

	ft.push("h1", []byte("payload"), 1)
	// The handler holds the message past the ack deadline; renewal keeps the
	// lease alive instead of letting it expire.
	require.True(t, waitUntil(2*time.Second, func() bool { return ft.modCount() >= 1 }))
	assert.Zero(t, ft.ackCount())

	close(release)
	require.True(t, waitUntil(time.Second, func() bool { return ft.ackCount() == 1 }))
}

func TestSessionLeaseExpiresWhenRenewalStalls(t *testing.T) {
	ft := newFakeTransport()
	ft.modErr = errors.New("deadline modification rejected")
	release := make(chan struct{})
	var expired atomic.Int32
	s := newSession(context.Background(), ft, "orders-sub", HandlerFunc(func(context.Context, *Message) error {
		<-release
		return nil
	}), options{hooks: Hooks{
		OnLeaseExpire: func(context.Context, string, MessageMetadata) { expired.Add(1) },
	}}, []SessionOption{WithAckDeadline(300 * time.Millisecond)})
	s.start()

	ft.push("h1", []byte("payload"), 1)
	// The table is empty until the pull loop admits the message; wait for the
	// lease to appear so the drop below is observed after expiry, not before
	// delivery.
	require.True(t, waitUntil(time.Second, func() bool { return s.leases.len() == 1 }),
		"lease never inserted")
	require.True(t, waitUntil(2*time.Second, func() bool { return s.leases.len() == 0 }),
		"lease not dropped after renewal stalled")
	assert.Equal(t, int32(1), expired.Load())
	bytes, messages := s.flow.Outstanding()
	assert.Zero(t, bytes)
	assert.Zero(t, messages)

	// The late settlement finds the lease gone and must not reach the service.
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ft.ackCount())
	assert.Zero(t, ft.nackCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSessionBoundsHandlerConcurrency(t *testing.T) {
	ft := newFakeTransport()
	var active, peak atomic.Int32
	startSession(t, ft, HandlerFunc(func(context.Context, *Message) error {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}), WithMaxConcurrentHandlers(1))

	for i := 0; i < 4; i++ {
		ft.push(string(rune('a'+i)), []byte("payload"), 1)
	}
	require.True(t, waitUntil(2*time.Second, func() bool { return ft.ackCount() == 4 }))
	assert.Equal(t, int32(1), peak.Load())
}

func TestSessionStopDrains(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	s := newSession(context.Background(), ft, "orders-sub", HandlerFunc(func(context.Context, *Message) error {
		<-release
		return nil
	}), options{}, nil)
	s.start()

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return s.leases.len() == 1 }))

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- s.Stop(ctx)
	}()
	// Draining waits for the in-flight handler.
	select {
	case <-stopped:
		t.Fatal("stop returned while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the handler settled")
	}
	require.True(t, waitUntil(time.Second, func() bool { return ft.ackCount() == 1 }))
	assert.Equal(t, "stopped", s.Health().State)
}

func TestSessionForcedStop(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	defer close(release)
	s := newSession(context.Background(), ft, "orders-sub", HandlerFunc(func(context.Context, *Message) error {
		<-release
		return nil
	}), options{}, nil)
	s.start()

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return s.leases.len() == 1 }))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Forced drain flushed the remaining lease and its budget.
	assert.Zero(t, s.leases.len())
	bytes, messages := s.flow.Outstanding()
	assert.Zero(t, bytes)
	assert.Zero(t, messages)
	assert.Equal(t, "stopped", s.Health().State)
}

func TestSessionHealthSnapshot(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, HandlerFunc(func(context.Context, *Message) error { return nil }))

	ft.push("h1", []byte("payload"), 1)
	require.True(t, waitUntil(time.Second, func() bool { return ft.ackCount() == 1 }))

	h := s.Health()
	assert.Equal(t, "orders-sub", h.Subscription)
	assert.Equal(t, "running", h.State)
	assert.Equal(t, 8, h.Workers)
	assert.Equal(t, "m-h1", h.LastMessageID)
	assert.False(t, h.LastActivity.IsZero())
}
