package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// riverQueuePublisher inserts each message as a row in a River job table so a
// River worker fleet can pick it up.
type riverQueuePublisher struct {
	db    *sql.DB
	cfg   RiverQueueConfig
	query string
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("riverqueue dsn is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "river_job"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &riverQueuePublisher{db: db, cfg: cfg, query: riverInsertQuery(table)}, nil
}

func riverInsertQuery(table string) string {
	return fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		pq.QuoteIdentifier(table),
	)
}

// Publish inserts a job whose args are the message payload. The topic and
// message metadata travel in the job metadata column.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, msg Message) error {
	args := msg.Payload
	if len(args) == 0 {
		args = []byte("{}")
	}

	metadata := make(map[string]string, len(msg.Metadata)+1)
	for key, value := range msg.Metadata {
		metadata[key] = value
	}
	metadata["topic"] = topic
	metadataPayload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	tags := p.cfg.Tags
	if tags == nil {
		tags = []string{}
	}
	priority := p.cfg.Priority
	if priority == 0 {
		priority = 1
	}
	_, err = p.db.ExecContext(
		ctx,
		p.query,
		string(args),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadataPayload),
		priority,
		p.cfg.Queue,
		pq.Array(tags),
	)
	return err
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, msg Message, drivers []string) error {
	return p.Publish(ctx, topic, msg)
}

func (p *riverQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
