package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// ErrMalformedMessage marks a message that can never be processed. It is
// dead-lettered instead of retried.
var ErrMalformedMessage = errors.New("malformed queue message")

type QueueIngestMsg struct {
	CorrelationID string              `json:"correlation_id"`
	Actor         string              `json:"actor"`
	Items         []common.IngestItem `json:"items"`
}

// QueueIngestReply reports the outcome of a queued batch on ReplyQueue. The
// AMQP correlation id of the reply matches CorrelationID.
type QueueIngestReply struct {
	CorrelationID string                `json:"correlation_id"`
	Stored        int                   `json:"stored"`
	Duplicate     int                   `json:"duplicate"`
	Rejected      int                   `json:"rejected"`
	Results       []common.IngestResult `json:"results"`
}

// Replier delivers the reply of a processed batch.
type Replier func(ctx context.Context, reply QueueIngestReply) error

// Ingester is the part of the engine the queue feeds.
type Ingester interface {
	Ingest(ctx context.Context, actor string, items []common.IngestItem) ([]common.IngestResult, error)
}

// PublishIngest queues a batch for asynchronous ingestion and returns its
// correlation id.
func PublishIngest(ch *amqp091.Channel, actor string, items []common.IngestItem) (string, error) {
	msg := QueueIngestMsg{
		CorrelationID: util.NewID("batch"),
		Actor:         actor,
		Items:         items,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ingest batch: %w", err)
	}
	if err := PublishFIFO(ch, IngestQueue, data, nil); err != nil {
		return "", fmt.Errorf("failed to publish ingest batch: %w", err)
	}
	logger.Info("[Queue] Published ingest batch", "correlation_id", msg.CorrelationID, "items", len(items))
	return msg.CorrelationID, nil
}

// ProcessIngestMessage ingests one queued batch and hands the per-record
// results to reply. Rejected records are part of a successful result; only
// a batch that could not be processed at all is an error. A nil reply only
// logs the outcome. When the reply cannot be delivered the batch is retried,
// and the repeated ingest reports the stored records as duplicates with
// their record ids.
func ProcessIngestMessage(ctx context.Context, ing Ingester, reply Replier, body []byte) error {
	var msg QueueIngestMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(msg.Items) == 0 {
		return fmt.Errorf("%w: batch %s has no items", ErrMalformedMessage, msg.CorrelationID)
	}
	actor := msg.Actor
	if actor == "" {
		actor = "queue"
	}
	results, err := ing.Ingest(ctx, actor, msg.Items)
	if err != nil {
		return fmt.Errorf("batch %s: %w", msg.CorrelationID, err)
	}

	out := QueueIngestReply{CorrelationID: msg.CorrelationID, Results: results}
	for _, r := range results {
		switch r.Status {
		case common.IngestStored:
			out.Stored++
		case common.IngestDuplicate:
			out.Duplicate++
		case common.IngestRejected:
			out.Rejected++
			logger.Warn("[Queue] Record rejected", "correlation_id", msg.CorrelationID, "index", r.Index, "attachment", r.Attachment, "reason", r.Reason)
		}
	}
	logger.Info("[Queue] Ingested batch",
		"correlation_id", msg.CorrelationID,
		"stored", out.Stored,
		"duplicate", out.Duplicate,
		"rejected", out.Rejected,
	)
	if reply == nil || msg.CorrelationID == "" {
		return nil
	}
	if err := reply(ctx, out); err != nil {
		return fmt.Errorf("failed to reply to batch %s: %w", msg.CorrelationID, err)
	}
	return nil
}

// ChannelReplier publishes replies to ReplyQueue on ch.
func ChannelReplier(ch *amqp091.Channel) Replier {
	return func(ctx context.Context, reply QueueIngestReply) error {
		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", ReplyQueue, false, false, amqp091.Publishing{
			ContentType:   "application/json",
			CorrelationId: reply.CorrelationID,
			Body:          data,
			DeliveryMode:  amqp091.Persistent,
			Timestamp:     time.Now(),
		})
	}
}
