package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"gitagent/internal"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubsub := internal.NewGoChannel(internal.GoChannelConfig{OutputChannelBuffer: 8}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return pubsub
}

func publish(t *testing.T, pub message.Publisher, topic string, payload string, metadata map[string]string) *message.Message {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	for key, value := range metadata {
		msg.Metadata.Set(key, value)
	}
	if err := pub.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return msg
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestWorkerDispatchesTopicHandler(t *testing.T) {
	pubsub := newPubSub(t)
	got := make(chan *Event, 1)

	w := New(WithSubscriber(pubsub), WithTopics("gitagent.trigger"), WithLogger(discardLogger{}))
	w.HandleTopic("gitagent.trigger", func(ctx context.Context, evt *Event) error {
		got <- evt
		return nil
	})
	cancel, done := runWorker(t, w)

	// gochannel drops messages published before the subscription exists.
	time.Sleep(50 * time.Millisecond)
	publish(t, pubsub, "gitagent.trigger", `{"ref":"refs/heads/main"}`, map[string]string{
		"request_id": "r1",
		"event":      "push",
	})

	select {
	case evt := <-got:
		if evt.RequestID != "r1" || evt.Type != "push" || evt.Topic != "gitagent.trigger" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if string(evt.Payload) != `{"ref":"refs/heads/main"}` {
			t.Fatalf("unexpected payload %s", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestWorkerFailedMessageIsAckedByDefault(t *testing.T) {
	pubsub := newPubSub(t)
	var calls int32
	finished := make(chan error, 4)

	w := New(
		WithSubscriber(pubsub),
		WithTopics("jobs"),
		WithLogger(discardLogger{}),
		WithListener(Listener{OnMessageFinish: func(ctx context.Context, evt *Event, err error) { finished <- err }}),
	)
	w.HandleTopic("jobs", func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("script failed")
	})
	runWorker(t, w)

	time.Sleep(50 * time.Millisecond)
	publish(t, pubsub, "jobs", `{}`, nil)

	select {
	case err := <-finished:
		if err == nil {
			t.Fatalf("expected handler error to reach the listener")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not called")
	}

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
}

func TestWorkerDecodeErrorNotifiesListener(t *testing.T) {
	pubsub := newPubSub(t)
	errs := make(chan error, 1)

	w := New(
		WithSubscriber(pubsub),
		WithTopics("jobs"),
		WithLogger(discardLogger{}),
		WithListener(Listener{OnError: func(ctx context.Context, evt *Event, err error) { errs <- err }}),
	)
	w.HandleTopic("jobs", func(ctx context.Context, evt *Event) error {
		t.Errorf("handler must not run for undecodable messages")
		return nil
	})
	runWorker(t, w)

	time.Sleep(50 * time.Millisecond)
	publish(t, pubsub, "jobs", `not json`, nil)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected decode error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decode error was not reported")
	}
}

func TestWorkerRecovererMiddleware(t *testing.T) {
	pubsub := newPubSub(t)
	finished := make(chan error, 1)

	w := New(
		WithSubscriber(pubsub),
		WithTopics("jobs"),
		WithLogger(discardLogger{}),
		WithMiddleware(MiddlewareFromWatermill(middleware.Recoverer)),
		WithListener(Listener{OnMessageFinish: func(ctx context.Context, evt *Event, err error) { finished <- err }}),
	)
	w.HandleTopic("jobs", func(ctx context.Context, evt *Event) error {
		panic("boom")
	})
	runWorker(t, w)

	time.Sleep(50 * time.Millisecond)
	publish(t, pubsub, "jobs", `{}`, nil)

	select {
	case err := <-finished:
		if err == nil {
			t.Fatalf("expected recovered panic as error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not finish")
	}
}

func TestWorkerHandleTypeFallback(t *testing.T) {
	pubsub := newPubSub(t)
	got := make(chan string, 1)

	w := New(WithSubscriber(pubsub), WithTopics("events"), WithLogger(discardLogger{}))
	w.HandleType("push", func(ctx context.Context, evt *Event) error {
		got <- evt.Type
		return nil
	})
	runWorker(t, w)

	time.Sleep(50 * time.Millisecond)
	publish(t, pubsub, "events", `{}`, map[string]string{"event": "push"})

	select {
	case typ := <-got:
		if typ != "push" {
			t.Fatalf("unexpected type %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("type handler was not called")
	}
}

func TestWorkerConcurrencyLimit(t *testing.T) {
	pubsub := newPubSub(t)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	done := make(chan struct{}, 4)

	w := New(WithSubscriber(pubsub), WithTopics("jobs"), WithConcurrency(2), WithLogger(discardLogger{}))
	w.HandleTopic("jobs", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	runWorker(t, w)

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		publish(t, pubsub, "jobs", `{}`, nil)
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d messages handled", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", maxSeen)
	}
}

func TestWorkerRunRequiresTopics(t *testing.T) {
	w := New(WithSubscriber(newPubSub(t)))
	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("expected error without topics")
	}
}

func TestHandleTopicRejectsUnsubscribedTopic(t *testing.T) {
	w := New(WithTopics("jobs"), WithLogger(discardLogger{}))
	w.HandleTopic("other", func(ctx context.Context, evt *Event) error { return nil })
	if _, ok := w.topicHandlers["other"]; ok {
		t.Fatalf("expected handler for unsubscribed topic to be ignored")
	}
}

func TestBuildSubscriberUnknownDriver(t *testing.T) {
	subscriberBuildAttempts = 1
	t.Cleanup(func() { subscriberBuildAttempts = 10 })

	if _, err := BuildSubscriber(internal.WatermillConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestBuildSubscriberRegisteredDriver(t *testing.T) {
	subscriberBuildAttempts = 1
	t.Cleanup(func() { subscriberBuildAttempts = 10 })
	pubsub := newPubSub(t)
	RegisterSubscriberDriver("shared", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return pubsub, nil
	})
	t.Cleanup(func() { delete(subscriberFactories, "shared") })

	sub, err := BuildSubscriber(internal.WatermillConfig{Drivers: []string{"shared", "kafka"}})
	if err != nil {
		t.Fatalf("build subscriber: %v", err)
	}
	if _, ok := sub.(*multiSubscriber); !ok {
		t.Fatalf("expected multi subscriber, got %T", sub)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
