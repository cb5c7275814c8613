package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gitagent/internal"
)

// Reporter publishes reports to the topics selected by the event rules, or to
// a single topic when there are no rules.
type Reporter struct {
	publisher internal.Publisher
	rules     *internal.RuleEngine
	topic     string
	logger    *log.Logger
}

func NewReporter(publisher internal.Publisher, cfg internal.EventsConfig, logger *log.Logger) (*Reporter, error) {
	if publisher == nil {
		return nil, errors.New("reporter publisher is required")
	}
	if logger == nil {
		logger = internal.NewLogger("reporter")
	}
	rules, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  cfg.Rules,
		Strict: cfg.RulesStrict,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &Reporter{publisher: publisher, rules: rules, topic: cfg.Topic, logger: logger}, nil
}

// Publish sends report to every matching topic.
func (r *Reporter) Publish(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	msg := internal.Message{
		Payload: payload,
		Metadata: map[string]string{
			"request_id": report.RequestID,
			"outcome":    report.Outcome,
		},
	}

	if r.rules.Len() == 0 {
		if r.topic == "" {
			return nil
		}
		return r.publisher.Publish(ctx, r.topic, msg)
	}

	var document map[string]interface{}
	if err := json.Unmarshal(payload, &document); err != nil {
		return err
	}
	logger := internal.WithRequestID(r.logger, report.RequestID)
	var publishErr error
	for _, match := range r.rules.EvaluateWithLogger(document, logger) {
		if err := r.publisher.PublishForDrivers(ctx, match.Topic, msg, match.Drivers); err != nil {
			publishErr = errors.Join(publishErr, fmt.Errorf("topic %s: %w", match.Topic, err))
		}
	}
	return publishErr
}
