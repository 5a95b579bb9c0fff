package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeTransport records every capability call and lets tests script send
// failures, blocking sends, and incoming deliveries.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []sendCall
	seq     int
	sendErr func(call int) error
	gate    chan struct{} // when set, SendBatch blocks until it closes
	modErr  error

	incoming chan *TransportMessage
	acks     []string
	nacks    []string
	mods     []string
}

type sendCall struct {
	topic string
	envs  []*Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan *TransportMessage, 128)}
}

func (t *fakeTransport) SendBatch(ctx context.Context, topic string, envelopes []*Envelope) ([]string, error) {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	call := len(t.calls)
	t.calls = append(t.calls, sendCall{topic: topic, envs: append([]*Envelope(nil), envelopes...)})
	if t.sendErr != nil {
		if err := t.sendErr(call); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(envelopes))
	for i := range envelopes {
		t.seq++
		ids[i] = fmt.Sprintf("id-%d", t.seq)
	}
	return ids, nil
}

func (t *fakeTransport) sent() []sendCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sendCall(nil), t.calls...)
}

func (t *fakeTransport) waitCalls(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(t.sent()) >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return len(t.sent()) >= n
}

func (t *fakeTransport) OpenDeliveryStream(context.Context, string) (DeliveryStream, error) {
	return &fakeStream{incoming: t.incoming}, nil
}

func (t *fakeTransport) ModifyAckDeadline(_ context.Context, ackHandle string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.modErr != nil {
		return t.modErr
	}
	t.mods = append(t.mods, ackHandle)
	return nil
}

func (t *fakeTransport) Ack(_ context.Context, ackHandle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, ackHandle)
	return nil
}

func (t *fakeTransport) Nack(_ context.Context, ackHandle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nacks = append(t.nacks, ackHandle)
	return nil
}

func (t *fakeTransport) Close(context.Context) error { return nil }

func (t *fakeTransport) ackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks)
}

func (t *fakeTransport) nackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nacks)
}

func (t *fakeTransport) modCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mods)
}

func (t *fakeTransport) push(handle string, data []byte, attempt int) {
	t.incoming <- &TransportMessage{
		Envelope:   Envelope{ID: "m-" + handle, Data: data},
		AckHandle:  handle,
		Attempt:    attempt,
		ReceivedAt: time.Now(),
	}
}

type fakeStream struct {
	incoming chan *TransportMessage
}

func (s *fakeStream) Next(ctx context.Context) (*TransportMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.incoming:
		return msg, nil
	}
}

func (s *fakeStream) Close() error { return nil }

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
