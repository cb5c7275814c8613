package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"gitagent/internal"
	"gitagent/pkg/action"
)

// DefaultRiverKind is the job kind used when riverqueue.kind is unset.
const DefaultRiverKind = "gitagent.trigger"

// RiverTriggerArgs is a trigger as stored in a River job row by the
// riverqueue publisher driver. The kind is fixed when the worker is
// registered and is not part of the row.
type RiverTriggerArgs struct {
	action.Trigger
	kind string
}

// NewRiverTriggerArgs returns args reporting kind, or DefaultRiverKind when
// kind is empty.
func NewRiverTriggerArgs(kind string) RiverTriggerArgs {
	return RiverTriggerArgs{kind: kind}
}

func (a RiverTriggerArgs) Kind() string {
	if a.kind == "" {
		return DefaultRiverKind
	}
	return a.kind
}

// AddRiverWorker registers w for jobs of the given kind.
func AddRiverWorker(workers *river.Workers, kind string, w *RiverWorker) {
	river.AddWorkerArgs(workers, NewRiverTriggerArgs(kind), river.Worker[RiverTriggerArgs](w))
}

// RiverWorker runs River trigger jobs through a dispatcher. Failed jobs are
// cancelled rather than retried.
type RiverWorker struct {
	river.WorkerDefaults[RiverTriggerArgs]
	dispatcher *Dispatcher
	topic      string
	logger     *log.Logger
}

// NewRiverWorker handles jobs published on topic. The publisher records the
// topic in the job metadata; jobs from other topics, such as dispatch reports
// sharing the table, are completed without running anything.
func NewRiverWorker(d *Dispatcher, topic string) *RiverWorker {
	return &RiverWorker{dispatcher: d, topic: topic, logger: internal.NewLogger("river")}
}

func (w *RiverWorker) Work(ctx context.Context, job *river.Job[RiverTriggerArgs]) error {
	if topic := jobTopic(job.Metadata); w.topic != "" && topic != w.topic {
		w.logger.Printf("skipping job=%d topic=%q", job.ID, topic)
		return nil
	}
	trigger := job.Args.Trigger
	if trigger.RequestID == "" {
		trigger.RequestID = "river-" + strconv.FormatInt(job.ID, 10)
	}
	if _, err := w.dispatcher.Dispatch(ctx, trigger); err != nil {
		return river.JobCancel(err)
	}
	return nil
}

func jobTopic(metadata []byte) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(metadata, &fields); err != nil {
		return ""
	}
	topic, _ := fields["topic"].(string)
	return topic
}

// Timeout disables River's job timeout; the action enforces its own.
func (w *RiverWorker) Timeout(*river.Job[RiverTriggerArgs]) time.Duration {
	return -1
}

// RunRiver consumes trigger jobs for topic from the River tables at cfg.DSN
// until ctx is canceled.
func RunRiver(ctx context.Context, cfg internal.RiverQueueConfig, topic string, concurrency int, d *Dispatcher) error {
	if cfg.DSN == "" {
		return errors.New("riverqueue dsn is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	workers := river.NewWorkers()
	AddRiverWorker(workers, cfg.Kind, NewRiverWorker(d, topic))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: concurrency},
		},
		Workers: workers,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Stop(stopCtx)
}
