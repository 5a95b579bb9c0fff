package google_test

import (
	"context"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/google"
)

func newTestTransport(t *testing.T, ctx context.Context) pubsub.Transport {
	t.Helper()
	server := pstest.NewServer()
	t.Cleanup(func() { server.Close() })

	conn, err := grpc.DialContext(ctx, server.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	gcpClient, err := gcppubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { gcpClient.Close() })

	topic, err := gcpClient.CreateTopic(ctx, "orders-topic")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := gcpClient.CreateSubscription(ctx, "orders-sub", gcppubsub.SubscriptionConfig{Topic: topic}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	transport, err := google.New(ctx, google.Config{
		Client: gcpClient,
		Receive: google.ReceiveSettings{
			NumGoroutines:          1,
			MaxOutstandingMessages: 10,
		},
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	return transport
}

func TestTransportSendBatch(t *testing.T) {
	ctx := context.Background()
	transport := newTestTransport(t, ctx)

	ids, err := transport.SendBatch(ctx, "orders-topic", []*pubsub.Envelope{
		{Data: []byte("a"), Attributes: map[string]string{"id": "1"}},
		{Data: []byte("b")},
	})
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	for _, id := range ids {
		if id == "" {
			t.Fatal("expected non-empty server id")
		}
	}
}

func TestTransportDeliveryStream(t *testing.T) {
	ctx := context.Background()
	transport := newTestTransport(t, ctx)

	if _, err := transport.SendBatch(ctx, "orders-topic", []*pubsub.Envelope{
		{Data: []byte("payload"), Attributes: map[string]string{"id": "42"}},
	}); err != nil {
		t.Fatalf("send batch: %v", err)
	}

	stream, err := transport.OpenDeliveryStream(ctx, "orders-sub")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := stream.Next(nextCtx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(msg.Data) != "payload" {
		t.Fatalf("unexpected data %q", msg.Data)
	}
	if msg.Attributes["id"] != "42" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	if msg.AckHandle == "" {
		t.Fatal("expected ack handle")
	}
	if err := transport.Ack(ctx, msg.AckHandle); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestTransportEndToEnd(t *testing.T) {
	ctx := context.Background()
	transport := newTestTransport(t, ctx)

	client, err := pubsub.New(ctx, transport)
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}

	received := make(chan string, 1)
	subscription, err := client.Subscribe("orders-sub", pubsub.HandlerFunc(func(ctx context.Context, msg *pubsub.Message) error {
		received <- string(msg.Data())
		return nil
	}))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publisher, err := client.Publisher("orders-topic")
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	res, err := publisher.Publish(ctx, &pubsub.Envelope{Data: []byte(`{"id":"42"}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := res.Get(ctx); err != nil {
		t.Fatalf("publish result: %v", err)
	}

	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	case data := <-received:
		if data != `{"id":"42"}` {
			t.Fatalf("unexpected data %q", data)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := subscription.Stop(stopCtx); err != nil {
		t.Fatalf("stop subscription: %v", err)
	}
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
