// Package action runs the downstream work for a relevant webhook event.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gitagent/internal"
)

// ErrTimeout is wrapped by the error an action returns when its deadline
// expires before the work finishes.
var ErrTimeout = errors.New("action timed out")

// Trigger is what an action is told about the event that fired it.
type Trigger struct {
	RequestID  string `json:"request_id"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Event      string `json:"event,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Repository string `json:"repository,omitempty"`
	After      string `json:"after,omitempty"`
	Pusher     string `json:"pusher,omitempty"`
}

// Message encodes the trigger for a queue.
func (t Trigger) Message() (internal.Message, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return internal.Message{}, err
	}
	metadata := map[string]string{"request_id": t.RequestID}
	if t.Event != "" {
		metadata["event"] = t.Event
	}
	if t.Repository != "" {
		metadata["repository"] = t.Repository
	}
	return internal.Message{Payload: payload, Metadata: metadata}, nil
}

// DecodeTrigger reverses Trigger.Message.
func DecodeTrigger(payload []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(payload, &t); err != nil {
		return Trigger{}, fmt.Errorf("decode trigger: %w", err)
	}
	return t, nil
}

// Result is the captured outcome of one run.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Duration   time.Duration
	// Queued is set when the action only handed the trigger to a queue.
	Queued bool
}

// Action runs once per relevant event. A non-zero exit status is reported in
// the Result, not as an error.
type Action interface {
	Run(ctx context.Context, trigger Trigger) (Result, error)
}

// Func adapts a function to Action.
type Func func(ctx context.Context, trigger Trigger) (Result, error)

func (f Func) Run(ctx context.Context, trigger Trigger) (Result, error) {
	return f(ctx, trigger)
}

// LaunchError means the action could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
