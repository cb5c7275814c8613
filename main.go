package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"gitagent/internal"
	"gitagent/pkg/action"
	"gitagent/pkg/dispatch"
	"gitagent/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(resolveConfigPath(*configPath, logger))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	verifier, err := webhook.NewVerifierFromConfig(config.Webhook, logger)
	if err != nil {
		logger.Fatalf("verifier: %v", err)
	}

	filter, err := internal.NewFilter(config.Dispatch.Filters, config.Dispatch.FiltersStrict, logger)
	if err != nil {
		logger.Fatalf("compile filters: %v", err)
	}

	for _, warning := range config.Warnings() {
		logger.Printf("WARNING: %s", warning)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var act action.Action
	workerDone := make(chan struct{})
	close(workerDone)
	switch config.Dispatch.Mode {
	case internal.DispatchModeQueue:
		act, workerDone = queueAction(ctx, config, reporter, logger)
	default:
		act, err = action.NewExec(config.Action)
		if err != nil {
			logger.Fatalf("action: %v", err)
		}
		logger.Printf("action command=%s timeout=%s", act, config.Action.Timeout())
	}

	dispatcher := dispatch.New(act, dispatch.WithFilter(filter), dispatch.WithReporter(reporter))
	handler := webhook.NewHandler(verifier, dispatcher,
		webhook.WithMaxBodyBytes(config.Server.MaxBodyBytes),
		webhook.WithDebugEvents(config.Webhook.DebugEvents),
	)

	mux := http.NewServeMux()
	mux.Handle(config.Webhook.Path, handler)
	mux.HandleFunc(config.Server.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, internal.MetricsHandler())
	}
	logger.Printf("webhook enabled on %s verification=%s mode=%s", config.Webhook.Path, verifier.Mode(), config.Dispatch.Mode)

	var root http.Handler = mux
	if config.Server.RateLimitRPS > 0 {
		root = internal.NewRateLimitHandler(root, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 10*time.Minute, config.Server.TrustProxy)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       millis(config.Server.ReadTimeoutMS),
		ReadHeaderTimeout: millis(config.Server.ReadHeaderMS),
		WriteTimeout:      millis(config.Server.WriteTimeoutMS),
		IdleTimeout:       millis(config.Server.IdleTimeoutMS),
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	if config.Server.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Server.MaxConnections)
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	<-workerDone
}

// queueAction publishes triggers to the queue topic. With the gochannel driver
// the worker has to live in this process, so it is started here.
func queueAction(ctx context.Context, config internal.Config, reporter *dispatch.Reporter, logger *log.Logger) (action.Action, chan struct{}) {
	done := make(chan struct{})
	wm := config.Watermill

	if !wm.InMemoryOnly() || !config.Worker.RunsInProcess() {
		publisher, err := internal.NewPublisher(wm)
		if err != nil {
			logger.Fatalf("queue publisher: %v", err)
		}
		queue, err := action.NewQueue(publisher, config.Dispatch.QueueTopic)
		if err != nil {
			logger.Fatalf("queue: %v", err)
		}
		go func() {
			defer close(done)
			<-ctx.Done()
			if err := publisher.Close(); err != nil {
				logger.Printf("queue publisher close: %v", err)
			}
		}()
		logger.Printf("queue mode topic=%s; run the worker binary to execute triggers", config.Dispatch.QueueTopic)
		return queue, done
	}

	exec, err := action.NewExec(config.Action)
	if err != nil {
		logger.Fatalf("action: %v", err)
	}
	pubsub := internal.NewGoChannel(wm.GoChannel, internal.NewWatermillLogger())
	queue, err := action.NewQueue(internal.WrapPublisher("gochannel", pubsub, wm.PublishRetry), config.Dispatch.QueueTopic)
	if err != nil {
		logger.Fatalf("queue: %v", err)
	}

	workerDispatcher := dispatch.New(exec, dispatch.WithReporter(reporter), dispatch.WithLogger(internal.NewLogger("worker")))
	wk := dispatch.NewWorker(config.Worker, config.Dispatch.QueueTopic, pubsub, workerDispatcher)
	go func() {
		defer close(done)
		if err := wk.Run(ctx); err != nil {
			logger.Printf("worker: %v", err)
		}
		if err := wk.Close(); err != nil {
			logger.Printf("worker close: %v", err)
		}
	}()
	logger.Printf("queue mode topic=%s in-process worker command=%s", config.Dispatch.QueueTopic, exec)
	return queue, done
}

// resolveConfigPath falls back to defaults plus environment when the default
// config file is absent.
func resolveConfigPath(path string, logger *log.Logger) string {
	if path != "config.yaml" {
		return path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Printf("%s not found, using defaults", path)
		return ""
	}
	return path
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
