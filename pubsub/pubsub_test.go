package pubsub_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/inmem"
)

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	broker := inmem.New()
	broker.CreateSubscription("orders", "orders-sub")

	client, err := pubsub.New(ctx, broker)
	require.NoError(t, err)

	const total = 20
	var mu sync.Mutex
	got := map[string]int{}
	done := make(chan struct{})
	_, err = client.Subscribe("orders-sub", pubsub.HandlerFunc(func(_ context.Context, m *pubsub.Message) error {
		mu.Lock()
		got[string(m.Data())]++
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	p, err := client.Publisher("orders", pubsub.WithMaxBatchMessages(5))
	require.NoError(t, err)
	var results []*pubsub.PublishResult
	for i := 0; i < total; i++ {
		res, err := p.Publish(ctx, &pubsub.Envelope{
			Data:       []byte(fmt.Sprintf("order-%d", i)),
			Attributes: map[string]string{"source": "test"},
		})
		require.NoError(t, err)
		results = append(results, res)
	}
	require.NoError(t, p.Flush(ctx))
	for _, res := range results {
		id, err := res.Get(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all messages handled")
	}
	mu.Lock()
	for i := 0; i < total; i++ {
		assert.Equal(t, 1, got[fmt.Sprintf("order-%d", i)])
	}
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, client.Shutdown(shutdownCtx))
	assert.Zero(t, broker.Pending())
}

func TestEndToEndOrdering(t *testing.T) {
	ctx := context.Background()
	broker := inmem.New()
	broker.CreateSubscription("ledger", "ledger-sub")

	client, err := pubsub.New(ctx, broker)
	require.NoError(t, err)

	const total = 10
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	_, err = client.Subscribe("ledger-sub", pubsub.HandlerFunc(func(_ context.Context, m *pubsub.Message) error {
		mu.Lock()
		seen = append(seen, string(m.Data()))
		if len(seen) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	}), pubsub.WithMaxConcurrentHandlers(1))
	require.NoError(t, err)

	p, err := client.Publisher("ledger")
	require.NoError(t, err)
	for i := 0; i < total; i++ {
		_, err := p.Publish(ctx, &pubsub.Envelope{
			Data:        []byte(fmt.Sprintf("entry-%d", i)),
			OrderingKey: "acct-1",
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush(ctx))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all messages handled")
	}
	mu.Lock()
	require.Len(t, seen, total)
	for i, data := range seen {
		assert.Equal(t, fmt.Sprintf("entry-%d", i), data)
	}
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, client.Shutdown(shutdownCtx))
}

func TestEndToEndRedelivery(t *testing.T) {
	ctx := context.Background()
	broker := inmem.New()
	broker.CreateSubscription("orders", "orders-sub")

	client, err := pubsub.New(ctx, broker)
	require.NoError(t, err)

	handled := make(chan int, 4)
	_, err = client.Subscribe("orders-sub", pubsub.HandlerFunc(func(_ context.Context, m *pubsub.Message) error {
		handled <- m.Attempt()
		if m.Attempt() == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}))
	require.NoError(t, err)

	p, err := client.Publisher("orders")
	require.NoError(t, err)
	_, err = p.Publish(ctx, &pubsub.Envelope{Data: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	var attempts []int
	for len(attempts) < 2 {
		select {
		case a := <-handled:
			attempts = append(attempts, a)
		case <-time.After(5 * time.Second):
			t.Fatal("redelivery never arrived")
		}
	}
	assert.Equal(t, []int{1, 2}, attempts)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, client.Shutdown(shutdownCtx))
}
