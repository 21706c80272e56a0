package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// Metadata keys stamped on every event consumed from SQS
const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

// EventHandler consumes events delivered through the queue
type EventHandler interface {
	HandlerID() string
	Handle(ctx context.Context, event *events.Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface
type EventHandlerFunc struct {
	id string
	fn func(ctx context.Context, event *events.Event) error
}

func NewEventHandlerFunc(id string, fn func(ctx context.Context, event *events.Event) error) *EventHandlerFunc {
	return &EventHandlerFunc{id: id, fn: fn}
}

func (h *EventHandlerFunc) HandlerID() string { return h.id }

func (h *EventHandlerFunc) Handle(ctx context.Context, event *events.Event) error {
	return h.fn(ctx, event)
}

type sqsSubscriberOptions struct {
	workers           int
	maxMessages       int32
	waitTimeSeconds   int32
	visibilityTimeout int32
	maxBackoffTimeout int32
	emptyReceiveDelay time.Duration
	receiveErrorDelay time.Duration
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

// WithWorkers sets how many messages are handled concurrently
func WithWorkers(workers int) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

// WithVisibilityTimeout sets the base visibility timeout in seconds
func WithVisibilityTimeout(seconds int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = seconds
	}
}

// SQSEventSubscriber long-polls one SQS queue and feeds decoded events to a
// handler. Handled messages are deleted; failed ones get their visibility
// timeout stretched with each redelivery so a poisoned message backs off
// instead of hot-looping.
type SQSEventSubscriber struct {
	client   *sqs.Client
	queueURL string
	handler  EventHandler
	logger   *logging.Logger
	opts     sqsSubscriberOptions

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSQSEventSubscriber creates a subscriber for the given queue
func NewSQSEventSubscriber(
	client *sqs.Client,
	queueURL string,
	handler EventHandler,
	logger *logging.Logger,
	opts ...SQSSubscriberOption,
) *SQSEventSubscriber {
	options := sqsSubscriberOptions{
		workers:           8,
		maxMessages:       10,
		waitTimeSeconds:   15,
		visibilityTimeout: 30,
		maxBackoffTimeout: 900,
		emptyReceiveDelay: 5 * time.Second,
		receiveErrorDelay: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		logger:   logger.WithField("handler_id", handler.HandlerID()),
		opts:     options,
	}
}

// Start launches the receive loop and the worker pool. Calling Start on a
// running subscriber is a no-op.
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	inbox := make(chan types.Message)

	for i := 0; i < s.opts.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for message := range inbox {
				s.process(ctx, message)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(inbox)
		s.receiveLoop(ctx, inbox)
	}()

	return nil
}

// Stop cancels the loops and waits for in-flight handlers to return
func (s *SQSEventSubscriber) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQSEventSubscriber) receiveLoop(ctx context.Context, inbox chan<- types.Message) {
	for ctx.Err() == nil {
		output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueURL),
			MaxNumberOfMessages: s.opts.maxMessages,
			WaitTimeSeconds:     s.opts.waitTimeSeconds,
			VisibilityTimeout:   s.opts.visibilityTimeout,
			AttributeNames: []types.QueueAttributeName{
				"ApproximateReceiveCount",
			},
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("failed to receive from SQS")
			s.sleep(ctx, s.opts.receiveErrorDelay)
			continue
		}

		if len(output.Messages) == 0 {
			s.sleep(ctx, s.opts.emptyReceiveDelay)
			continue
		}

		for _, message := range output.Messages {
			select {
			case inbox <- message:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SQSEventSubscriber) process(ctx context.Context, message types.Message) {
	event, err := s.decode(message)
	if err != nil {
		// A message that never decodes will never decode; drop it
		s.logger.WithError(err).WithField("message_id", aws.ToString(message.MessageId)).
			Warn("dropping undecodable message")
		s.ack(ctx, message)
		return
	}

	if err := s.handler.Handle(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).
			Warn("event handler failed, message will redeliver")
		s.backoff(ctx, message)
		return
	}

	s.ack(ctx, message)
}

// decode unpacks the publisher's envelope back into an event. The payload
// stays raw JSON; handlers unmarshal it into whatever shape they expect.
func (s *SQSEventSubscriber) decode(message types.Message) (*events.Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(aws.ToString(message.Body)), &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode event body")
	}

	id, err := models.NewID(env.ID)
	if err != nil {
		return nil, errors.Wrap(err, "event carries an invalid id")
	}
	aggregateID, err := models.NewID(env.AggregateID)
	if err != nil {
		return nil, errors.Wrap(err, "event carries an invalid aggregate id")
	}

	event := events.Event{
		ID:          id,
		AggregateID: aggregateID,
		Topic:       events.Topic(env.Topic),
		EventType:   env.EventType,
		Data:        env.Payload,
		Metadata:    env.Metadata,
		Timestamp:   env.Timestamp,
	}
	if env.CorrelationID != "" {
		correlationID, err := models.NewID(env.CorrelationID)
		if err != nil {
			return nil, errors.Wrap(err, "event carries an invalid correlation id")
		}
		event.CorrelationID = correlationID
	}

	if event.Metadata == nil {
		event.Metadata = make(events.Metadata)
	}
	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}
	for key, attr := range message.MessageAttributes {
		if attr.StringValue != nil {
			event.Metadata.Set(key, *attr.StringValue)
		}
	}
	return &event, nil
}

func (s *SQSEventSubscriber) ack(ctx context.Context, message types.Message) {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &s.queueURL,
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("failed to delete message from SQS")
	}
}

// backoff stretches the visibility timeout in proportion to how many times
// the message has already been delivered
func (s *SQSEventSubscriber) backoff(ctx context.Context, message types.Message) {
	receiveCount, err := strconv.Atoi(message.Attributes["ApproximateReceiveCount"])
	if err != nil {
		receiveCount = 1
	}

	timeout := s.opts.visibilityTimeout * int32(receiveCount)
	if timeout > s.opts.maxBackoffTimeout {
		timeout = s.opts.maxBackoffTimeout
	}

	_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &s.queueURL,
		ReceiptHandle:     message.ReceiptHandle,
		VisibilityTimeout: timeout,
	})
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("failed to extend message visibility")
	}
}

func (s *SQSEventSubscriber) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
