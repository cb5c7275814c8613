// Package dispatch decides whether an event is relevant and runs the action
// for it.
package dispatch

import (
	"context"
	"log"

	"gitagent/internal"
	"gitagent/pkg/action"
)

// Dispatcher runs one action per relevant event and reports the outcome.
type Dispatcher struct {
	action   action.Action
	filter   *internal.Filter
	reporter *Reporter
	logger   *log.Logger
}

type Option func(*Dispatcher)

// WithFilter narrows relevance to payloads the filter accepts.
func WithFilter(filter *internal.Filter) Option {
	return func(d *Dispatcher) {
		d.filter = filter
	}
}

func WithReporter(reporter *Reporter) Option {
	return func(d *Dispatcher) {
		d.reporter = reporter
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func New(a action.Action, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		action: a,
		logger: internal.NewLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Relevant reports whether payload should fire the action. The payload needs a
// "ref" key, whatever its value, and must pass the filter when one is set.
func (d *Dispatcher) Relevant(payload map[string]interface{}) bool {
	if _, ok := payload["ref"]; !ok {
		return false
	}
	return d.filter.Accept(payload)
}

// Dispatch runs the action once and waits for it. The error is whatever the
// action returned; a non-zero exit status is logged and is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger action.Trigger) (action.Result, error) {
	logger := internal.WithRequestID(d.logger, trigger.RequestID)
	logger.Printf("dispatch start event=%s ref=%s repository=%s", trigger.Event, trigger.Ref, trigger.Repository)

	result, err := d.action.Run(ctx, trigger)
	report := NewReport(trigger, result, err)
	internal.IncDispatch(report.Outcome)

	switch report.Outcome {
	case OutcomeSucceeded:
		logger.Printf("dispatch succeeded duration=%s", result.Duration)
	case OutcomeQueued:
		logger.Printf("dispatch queued")
	case OutcomeExitedNonZero:
		logger.Printf("dispatch exited_nonzero exit_status=%d duration=%s stdout=%q stderr=%q",
			result.ExitStatus, result.Duration, result.Stdout, result.Stderr)
	default:
		logger.Printf("dispatch %s: %v", report.Outcome, err)
		if len(result.Stdout) > 0 || len(result.Stderr) > 0 {
			logger.Printf("dispatch output stdout=%q stderr=%q", result.Stdout, result.Stderr)
		}
	}

	if d.reporter != nil {
		if publishErr := d.reporter.Publish(ctx, report); publishErr != nil {
			logger.Printf("report publish failed outcome=%s: %v", report.Outcome, publishErr)
		}
	}
	return result, err
}
