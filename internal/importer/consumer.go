package importer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// CompletionEvent is the payload the import pipeline publishes when a scanner
// import finishes loading into the source tables.
type CompletionEvent struct {
	// ImportID identifies the import run in the pipeline's own bookkeeping.
	ImportID string `json:"importId"`

	// Source names the scanner or feed the import came from.
	Source string `json:"source,omitempty"`

	// FindingCount is how many findings the import wrote. Zero is valid; an
	// import that only resolved findings still changes the snapshot.
	FindingCount int `json:"findingCount"`

	// CompletedAt is when the pipeline finished the import.
	CompletedAt time.Time `json:"completedAt"`
}

// Trigger starts a refresh run. Satisfied by *refresh.Orchestrator.
type Trigger interface {
	TriggerRefresh(ctx context.Context, reason string) (int64, error)
}

// messageReader is the slice of kafka.Reader the consumer needs, extracted so
// unit tests can drive the loop without a broker.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer turns import-completion events into scheduled-import refreshes.
//
// Every completion event results in at most one refresh attempt. A conflict
// with an already running refresh is not retried: the running refresh started
// after admission, so it either already sees the imported rows or the next
// import event will catch them. The message is committed either way so a
// conflict never wedges the consumer group.
type Consumer struct {
	reader  messageReader
	trigger Trigger
	logger  *slog.Logger

	done chan struct{}
}

// NewConsumer creates a consumer against the configured brokers.
func NewConsumer(cfg *Config, trigger Trigger, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: defaultMinBytes,
		MaxBytes: defaultMaxBytes,
	})

	return &Consumer{
		reader:  reader,
		trigger: trigger,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the consume loop. The loop exits when the context is
// cancelled or the reader is closed.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		c.consume(ctx)
	}()
}

// consume fetches, handles and commits messages until the reader drains.
func (c *Consumer) consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}

			c.logger.Error("failed to fetch import event",
				slog.String("error", err.Error()))

			return
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit import event offset",
				slog.String("error", err.Error()))
		}
	}
}

// handle processes one completion event. Malformed payloads are logged and
// skipped; the import pipeline owns the schema and a bad event must not stall
// every event behind it.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event CompletionEvent

	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn("skipping malformed import event",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		return
	}

	c.logger.Info("import completed, triggering refresh",
		slog.String("import_id", event.ImportID),
		slog.String("source", event.Source),
		slog.Int("finding_count", event.FindingCount))

	jobID, err := c.trigger.TriggerRefresh(ctx, refresh.ReasonScheduledImport)
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshAlreadyRunning) {
			c.logger.Info("refresh already running, import will be covered by a later run",
				slog.String("import_id", event.ImportID))

			return
		}

		c.logger.Error("failed to trigger scheduled-import refresh",
			slog.String("import_id", event.ImportID),
			slog.String("error", err.Error()))

		return
	}

	c.logger.Info("scheduled-import refresh started",
		slog.Int64("job_id", jobID),
		slog.String("import_id", event.ImportID))
}

// Close shuts the reader down and waits for the consume loop to exit.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	<-c.done

	return err
}
