package worker

import "context"

// Listener hooks into the worker lifecycle.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, evt *Event)
	OnMessageFinish func(ctx context.Context, evt *Event, err error)
	// OnError also fires for messages that could not be decoded, with a nil event.
	OnError func(ctx context.Context, evt *Event, err error)
}
