// Package queue delivers triggers over AMQP as an alternative to the HTTP
// front door.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/pipeline"
	"github.com/jonathan/video-publisher/internal/types"
)

// Runner executes the pipeline for one source object.
type Runner interface {
	Run(ctx context.Context, obj types.SourceObject, opts pipeline.RunOptions) (*types.ProcessingRecord, error)
}

// Decision is what happens to a delivery after it is handled.
type Decision int

// Decision constants
const (
	// Ack removes the delivery.
	Ack Decision = iota
	// Requeue returns the delivery for another attempt.
	Requeue
	// DeadLetter rejects the delivery without requeueing.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	return conn, nil
}

// declare makes sure the durable trigger queue exists.
func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue: %w", err)
	}
	return q, nil
}

// Consumer runs the pipeline for each trigger on a queue.
type Consumer struct {
	conn      *amqp.Connection
	queueName string
	policy    string
	runner    Runner
	logger    *zap.Logger
}

// NewConsumer creates a Consumer. policy follows the HTTP failure
// response policy: under "ok" failed runs are acknowledged.
func NewConsumer(conn *amqp.Connection, queueName, policy string, runner Runner, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{conn: conn, queueName: queueName, policy: policy, runner: runner, logger: logger}
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := declare(ch, c.queueName)
	if err != nil {
		return err
	}

	// Runs are long and sequential; take one at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("started consumer", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping consumer", zap.String("queue", q.Name))
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("consumer channel closed")
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle runs one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, msg amqp.Delivery) Decision {
	decision := c.decide(ctx, msg)
	var err error
	switch decision {
	case Ack:
		err = msg.Ack(false)
	case Requeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Nack(false, false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery",
			zap.String("message_id", msg.MessageId),
			zap.String("decision", decision.String()),
			zap.Error(err))
	}
	return decision
}

func (c *Consumer) decide(ctx context.Context, msg amqp.Delivery) Decision {
	obj, err := pipeline.ParseTrigger(msg.Body)
	if err != nil {
		c.logger.Warn("rejected trigger", zap.String("message_id", msg.MessageId), zap.Error(err))
		return DeadLetter
	}

	rec, err := c.runner.Run(ctx, obj, pipeline.RunOptions{})
	if err == nil || failure.IsKind(err, failure.KindPartialSuccess) {
		return Ack
	}

	fields := []zap.Field{
		zap.String("source_key", obj.Key()),
		zap.String("message_id", msg.MessageId),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Error(err),
	}
	if rec != nil {
		fields = append(fields, zap.String("status", string(rec.Status)))
	}
	c.logger.Error("pipeline run failed", fields...)

	if c.policy == config.FailureResponseOK {
		return Ack
	}
	// One redelivery for transient failures, then dead-letter.
	if failure.Retryable(err) && !msg.Redelivered {
		return Requeue
	}
	return DeadLetter
}

// Publisher enqueues triggers.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
}

// NewPublisher creates a Publisher.
func NewPublisher(conn *amqp.Connection, queueName string) *Publisher {
	return &Publisher{conn: conn, queueName: queueName}
}

// Publish enqueues a trigger for obj.
func (p *Publisher) Publish(ctx context.Context, obj types.SourceObject) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := declare(ch, p.queueName)
	if err != nil {
		return err
	}

	msg, err := newPublishing(obj, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ch.PublishWithContext(
		ctx,
		"",     // default exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func newPublishing(obj types.SourceObject, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(types.TriggerPayload{Bucket: obj.Bucket, Name: obj.Name})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		MessageId:    obj.Key(),
	}, nil
}
