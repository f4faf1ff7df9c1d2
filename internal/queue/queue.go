package queue

import (
	"fmt"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// IngestQueue carries ingest batches from publishers to the server.
const IngestQueue = "ingest_queue"

// ReplyQueue carries the results of queued batches back to publishers.
const ReplyQueue = "ingest_reply_queue"

// maxRetries is how often a message is redelivered before it is moved to
// the dead-letter queue.
const maxRetries = 10

func Init() (*amqp091.Connection, error) {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnvString("RABBITMQ_PORT", "5672")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares each queue together with its dead-letter queue and a
// retry queue that hands messages back after a delay.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s: %w", retryName, err)
		}
		logger.Debug("[Queue] Declared queue", "queue", name)
	}
	return nil
}

// SetupReplyQueue declares ReplyQueue. Replies are never retried.
func SetupReplyQueue(ch *amqp091.Channel) error {
	if _, err := ch.QueueDeclare(ReplyQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare %s: %w", ReplyQueue, err)
	}
	return nil
}

func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte, headers amqp091.Table) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		queueName,
		false,
		false,
		publishing,
	)
}
