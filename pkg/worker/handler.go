package worker

import "context"

// Handler processes one event. A returned error goes to the retry policy.
type Handler func(ctx context.Context, evt *Event) error

type Middleware func(Handler) Handler
