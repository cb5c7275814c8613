package action

import (
	"context"
	"errors"
	"time"

	"gitagent/internal"
)

// Queue hands triggers to a worker through a publisher instead of running
// anything locally.
type Queue struct {
	publisher internal.Publisher
	topic     string
}

func NewQueue(publisher internal.Publisher, topic string) (*Queue, error) {
	if publisher == nil {
		return nil, errors.New("queue publisher is required")
	}
	if topic == "" {
		return nil, errors.New("queue topic is required")
	}
	return &Queue{publisher: publisher, topic: topic}, nil
}

func (q *Queue) Run(ctx context.Context, trigger Trigger) (Result, error) {
	start := time.Now()
	msg, err := trigger.Message()
	if err != nil {
		return Result{ExitStatus: -1}, &LaunchError{Command: "queue " + q.topic, Err: err}
	}
	if err := q.publisher.Publish(ctx, q.topic, msg); err != nil {
		return Result{ExitStatus: -1}, &LaunchError{Command: "queue " + q.topic, Err: err}
	}
	return Result{Queued: true, Duration: time.Since(start)}, nil
}
