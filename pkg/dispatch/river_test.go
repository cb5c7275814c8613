package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"gitagent/internal"
	"gitagent/pkg/action"
)

func TestRiverTriggerArgsDecodeQueuedTrigger(t *testing.T) {
	msg, err := action.Trigger{RequestID: "r6", Ref: "refs/heads/main"}.Message()
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	var args RiverTriggerArgs
	if err := json.Unmarshal(msg.Payload, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.RequestID != "r6" || args.Ref != "refs/heads/main" {
		t.Fatalf("unexpected args %+v", args)
	}
	if args.Kind() != DefaultRiverKind {
		t.Fatalf("unexpected kind %q", args.Kind())
	}
}

func TestRiverTriggerArgsKindIsPerInstance(t *testing.T) {
	custom := NewRiverTriggerArgs("deploy.trigger")
	if custom.Kind() != "deploy.trigger" {
		t.Fatalf("unexpected kind %q", custom.Kind())
	}
	if NewRiverTriggerArgs("").Kind() != DefaultRiverKind {
		t.Fatalf("expected default kind for empty config")
	}
	if (RiverTriggerArgs{}).Kind() != DefaultRiverKind {
		t.Fatalf("registering a custom kind must not change other args")
	}
}

func TestAddRiverWorkerRegistersConfiguredKinds(t *testing.T) {
	d := New(action.Func(func(context.Context, action.Trigger) (action.Result, error) { return action.Result{}, nil }))
	workers := river.NewWorkers()
	AddRiverWorker(workers, "deploy.trigger", NewRiverWorker(d, "deploy"))
	AddRiverWorker(workers, "", NewRiverWorker(d, "gitagent.trigger"))

	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate kind registration to panic")
		}
	}()
	AddRiverWorker(workers, "deploy.trigger", NewRiverWorker(d, "deploy"))
}

func TestRiverWorkerDispatches(t *testing.T) {
	var got action.Trigger
	d := New(action.Func(func(ctx context.Context, trigger action.Trigger) (action.Result, error) {
		got = trigger
		return action.Result{ExitStatus: 1}, nil
	}), WithLogger(log.New(&bytes.Buffer{}, "", 0)))

	job := &river.Job[RiverTriggerArgs]{
		JobRow: &rivertype.JobRow{ID: 42, Metadata: []byte(`{"topic":"gitagent.trigger","request_id":""}`)},
		Args:   RiverTriggerArgs{Trigger: action.Trigger{Ref: "refs/heads/main"}},
	}
	if err := NewRiverWorker(d, "gitagent.trigger").Work(context.Background(), job); err != nil {
		t.Fatalf("work: %v", err)
	}
	if got.RequestID != "river-42" || got.Ref != "refs/heads/main" {
		t.Fatalf("unexpected trigger %+v", got)
	}
}

func TestRiverWorkerCancelsFailedJobs(t *testing.T) {
	d := New(action.Func(func(ctx context.Context, trigger action.Trigger) (action.Result, error) {
		return action.Result{ExitStatus: -1}, &action.LaunchError{Command: "python3", Err: errors.New("missing")}
	}), WithLogger(log.New(&bytes.Buffer{}, "", 0)))

	job := &river.Job[RiverTriggerArgs]{JobRow: &rivertype.JobRow{ID: 1}}
	if err := NewRiverWorker(d, "").Work(context.Background(), job); err == nil {
		t.Fatalf("expected failed dispatch to cancel the job")
	}
}

func TestRunRiverRequiresDSN(t *testing.T) {
	d := New(action.Func(func(context.Context, action.Trigger) (action.Result, error) { return action.Result{}, nil }))
	if err := RunRiver(context.Background(), internal.RiverQueueConfig{Kind: "ignored"}, "gitagent.trigger", 1, d); err == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestRiverWorkerSkipsOtherTopics(t *testing.T) {
	calls := 0
	d := New(fixedAction(action.Result{}, nil, &calls), WithLogger(log.New(&bytes.Buffer{}, "", 0)))

	job := &river.Job[RiverTriggerArgs]{
		JobRow: &rivertype.JobRow{ID: 9, Metadata: []byte(`{"topic":"gitagent.dispatch"}`)},
		Args:   RiverTriggerArgs{Trigger: action.Trigger{RequestID: "report"}},
	}
	if err := NewRiverWorker(d, "gitagent.trigger").Work(context.Background(), job); err != nil {
		t.Fatalf("work: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected report job to be skipped, got %d dispatches", calls)
	}
}
