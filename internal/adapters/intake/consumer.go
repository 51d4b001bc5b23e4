// Package intake consumes tile job commands from RabbitMQ and applies them to the tiling queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

// Action names the operation a message asks for.
type Action string

const (
	ActionEnqueue          Action = "enqueue"
	ActionRemove           Action = "remove"
	ActionRemoveCollection Action = "remove_collection"
)

// Message is the JSON body published to the intake queue.
type Message struct {
	Action       Action `json:"action"`
	CollectionID string `json:"collection_id"`
	Path         string `json:"path,omitempty"`
}

// Disposition says how a delivery is settled with the broker.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Reject drops the message (or dead-letters it when the queue has a DLX).
	Reject
	// Requeue returns the message to the queue for another attempt.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// ErrMalformedMessage is returned for bodies that cannot be decoded into a Message.
var ErrMalformedMessage = errors.New("malformed intake message")

// errQueueStopped reports an enqueue that the queue ignored because it was shut down.
var errQueueStopped = errors.New("tiling queue is not running")

const (
	defaultReconnectDelay = 5 * time.Second
	metricMessages        = "intake.messages"
)

// Acknowledger is the part of amqp.Delivery used to settle a message.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Enqueuer       core.TileJobEnqueuer // Required
	URL            string
	Queue          string
	Prefetch       int
	ConsumerTag    string
	ReconnectDelay time.Duration
	Logger         *slog.Logger
	Metrics        statsd.Sink
}

// Consumer reads intake messages from a durable queue with manual acknowledgement.
type Consumer struct {
	enqueuer       core.TileJobEnqueuer
	url            string
	queue          string
	prefetch       int
	consumerTag    string
	reconnectDelay time.Duration
	logger         *slog.Logger
	metrics        statsd.Sink
}

// NewConsumer constructs a Consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Enqueuer == nil {
		return nil, errors.New("tile job enqueuer is required")
	}
	if strings.TrimSpace(opts.Queue) == "" {
		return nil, errors.New("intake queue name is required")
	}
	prefetch := opts.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		enqueuer:       opts.Enqueuer,
		url:            opts.URL,
		queue:          opts.Queue,
		prefetch:       prefetch,
		consumerTag:    opts.ConsumerTag,
		reconnectDelay: delay,
		logger:         logger.With("component", "intake_consumer"),
		metrics:        opts.Metrics,
	}, nil
}

// Run consumes until ctx is cancelled, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "intake consumer starting", "queue", c.queue, "prefetch", c.prefetch)
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "intake consumer stopped")
			return nil
		}
		c.logger.WarnContext(ctx, "intake connection lost; reconnecting",
			"error", err,
			"retry_in", c.reconnectDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			c.logger.Warn("failed to close broker connection", "error", cerr)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.InfoContext(ctx, "intake consumer connected", "queue", c.queue, "consumer_tag", c.consumerTag)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("broker connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Process(ctx, d.Body, &d)
		}
	}
}

// Process handles one delivery body and settles it through ack.
func (c *Consumer) Process(ctx context.Context, body []byte, ack Acknowledger) Disposition {
	disp, err := c.Handle(ctx, body)
	logger := c.logger.With("disposition", disp.String())
	switch disp {
	case Ack:
		if err := ack.Ack(false); err != nil {
			logger.ErrorContext(ctx, "failed to ack intake message", "error", err)
		}
	case Reject:
		logger.WarnContext(ctx, "rejecting intake message", "error", err, "body", truncate(body, 256))
		if err := ack.Nack(false, false); err != nil {
			logger.ErrorContext(ctx, "failed to reject intake message", "error", err)
		}
	case Requeue:
		logger.WarnContext(ctx, "requeueing intake message", "error", err)
		if err := ack.Nack(false, true); err != nil {
			logger.ErrorContext(ctx, "failed to requeue intake message", "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.Count(metricMessages, 1, map[string]string{"disposition": disp.String()})
	}
	return disp
}

// Handle decodes body, applies it and decides how the message should be settled.
// Malformed or invalid messages are rejected; other failures are requeued.
func (c *Consumer) Handle(ctx context.Context, body []byte) (Disposition, error) {
	msg, err := DecodeMessage(body)
	if err != nil {
		return Reject, err
	}
	if err := c.apply(ctx, msg); err != nil {
		return classify(err), err
	}
	return Ack, nil
}

func (c *Consumer) apply(ctx context.Context, msg Message) error {
	switch msg.Action {
	case ActionEnqueue:
		ok, err := c.enqueuer.Enqueue(ctx, model.NewTileJobKey(msg.CollectionID, msg.Path))
		if err != nil {
			return err
		}
		if !ok {
			return errQueueStopped
		}
		return nil
	case ActionRemove:
		n, err := c.enqueuer.RemoveJob(ctx, model.NewTileJobKey(msg.CollectionID, msg.Path))
		if err != nil {
			return err
		}
		c.logger.DebugContext(ctx, "intake removed tile job", "collection_id", msg.CollectionID, "path", msg.Path, "count", n)
		return nil
	case ActionRemoveCollection:
		n, err := c.enqueuer.RemoveAllJobsForCollection(ctx, msg.CollectionID)
		if err != nil {
			return err
		}
		c.logger.DebugContext(ctx, "intake removed collection", "collection_id", msg.CollectionID, "count", n)
		return nil
	default:
		return apperrors.Validationf("unknown action %q", msg.Action)
	}
}

// DecodeMessage parses and validates an intake message body.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	msg.Action = Action(strings.ToLower(strings.TrimSpace(string(msg.Action))))
	switch msg.Action {
	case ActionEnqueue, ActionRemove:
		// Validate the raw key so traversal attempts are rejected rather than cleaned.
		if err := (model.TileJobKey{CollectionID: msg.CollectionID, Path: msg.Path}).Validate(); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	case ActionRemoveCollection:
		if err := model.ValidateCollectionID(msg.CollectionID); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, msg.Action)
	}
	return msg, nil
}

// classify requeues only failures that can succeed on redelivery. Anything else
// would loop through the broker forever, so it is rejected.
func classify(err error) Disposition {
	switch {
	case errors.Is(err, model.ErrInvalidTileJobKey), apperrors.IsValidation(err):
		return Reject
	case errors.Is(err, errQueueStopped),
		apperrors.IsRetryable(err),
		apperrors.IsTimeout(err),
		apperrors.IsCanceled(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Requeue
	default:
		return Reject
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
