package worker

import "context"

// RetryDecision says what to do with a message whose handler failed.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

type RetryPolicy interface {
	OnError(ctx context.Context, evt *Event, err error) RetryDecision
}

// NoRetry acks failed messages so they are not redelivered. Failures are
// already logged and reported by the time the policy is consulted.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	return RetryDecision{}
}

// NackOnError hands failed messages back to the broker for redelivery.
type NackOnError struct{}

func (NackOnError) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	return RetryDecision{Nack: true}
}
