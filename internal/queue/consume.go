package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casetrace/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consume delivers messages of queueName to handle one at a time until ctx
// ends. Failed messages go to the retry queue and, after maxRetries, to the
// dead-letter queue.
func Consume(ctx context.Context, conn *amqp091.Connection, queueName string, handle Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := SetupQueues(ch, []string{queueName}); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		queueName,
		queueName+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}
	logger.Info("[Queue] Listening for messages", "queue", queueName)

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", queueName)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel of %s closed", queueName)
			}
			start := time.Now()
			if err := handle(ctx, msg.Body); err != nil {
				logger.Error("[Queue] Error processing message", "queue", queueName, "err", err)
				handleProcessingError(ch, msg, queueName, errors.Is(err, ErrMalformedMessage))
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("[Queue] Failed to ack message", "err", err)
			}
			logger.Debug("[Queue] Message processed", "queue", queueName, "duration", time.Since(start))
		}
	}
}

func retryCount(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func handleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery, queueName string, permanent bool) {
	retries := retryCount(msg.Headers)

	if permanent || retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		if err := PublishFIFO(ch, dlqName, msg.Body, msg.Headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	retryName := queueName + "_retry"
	if err := PublishFIFO(ch, retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
