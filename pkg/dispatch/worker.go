package dispatch

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"gitagent/internal"
	"gitagent/pkg/action"
	"gitagent/pkg/worker"
)

// WorkerHandler runs queued triggers through d. Only failures to run the
// action are returned; a non-zero exit is handled like in the HTTP path.
func WorkerHandler(d *Dispatcher) worker.Handler {
	return func(ctx context.Context, evt *worker.Event) error {
		trigger, err := action.DecodeTrigger(evt.Payload)
		if err != nil {
			return err
		}
		if trigger.RequestID == "" {
			trigger.RequestID = evt.RequestID
		}
		_, err = d.Dispatch(ctx, trigger)
		return err
	}
}

// NewWorker wires a worker that feeds topic into d.
func NewWorker(cfg internal.WorkerConfig, topic string, sub message.Subscriber, d *Dispatcher) *worker.Worker {
	logger := internal.NewLogger("worker")
	w := worker.New(
		worker.WithSubscriber(sub),
		worker.WithTopics(topic),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithLogger(logger),
		worker.WithMiddleware(worker.MiddlewareFromWatermill(middleware.Recoverer)),
		worker.WithListener(worker.Listener{
			OnError: func(ctx context.Context, evt *worker.Event, err error) {
				if evt == nil {
					logger.Printf("message dropped: %v", err)
					return
				}
				internal.WithRequestID(logger, evt.RequestID).Printf("trigger failed topic=%s: %v", evt.Topic, err)
			},
		}),
	)
	w.HandleTopic(topic, WorkerHandler(d))
	return w
}
