package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gitagent/internal"
	"gitagent/pkg/action"
	"gitagent/pkg/dispatch"
	"gitagent/pkg/worker"
)

func main() {
	logger := internal.NewLogger("worker")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if config.Watermill.InMemoryOnly() {
		logger.Fatalf("gochannel cannot carry triggers between processes; configure a broker driver")
	}

	exec, err := action.NewExec(config.Action)
	if err != nil {
		logger.Fatalf("action: %v", err)
	}

	var reporter *dispatch.Reporter
	if config.Events.Enabled {
		publisher, err := internal.NewPublisher(config.Watermill)
		if err != nil {
			logger.Fatalf("events publisher: %v", err)
		}
		defer publisher.Close()
		reporter, err = dispatch.NewReporter(publisher, config.Events, internal.NewLogger("reporter"))
		if err != nil {
			logger.Fatalf("compile event rules: %v", err)
		}
	}

	d := dispatch.New(exec, dispatch.WithReporter(reporter), dispatch.WithLogger(logger))

	// Triggers queued through the riverqueue driver live in River's job table.
	if config.Watermill.Driver == "riverqueue" && len(config.Watermill.Drivers) == 0 {
		logger.Printf("consuming river queue=%s kind=%s command=%s", config.Watermill.RiverQueue.Queue, config.Watermill.RiverQueue.Kind, exec)
		if err := dispatch.RunRiver(ctx, config.Watermill.RiverQueue, config.Dispatch.QueueTopic, config.Worker.Concurrency, d); err != nil {
			logger.Fatal(err)
		}
		return
	}

	sub, err := worker.BuildSubscriber(config.Watermill)
	if err != nil {
		logger.Fatalf("subscriber: %v", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Printf("subscriber close: %v", err)
		}
	}()

	wk := dispatch.NewWorker(config.Worker, config.Dispatch.QueueTopic, sub, d)
	logger.Printf("consuming topic=%s command=%s concurrency=%d", config.Dispatch.QueueTopic, exec, config.Worker.Concurrency)
	if err := wk.Run(ctx); err != nil {
		logger.Fatal(err)
	}
}
