package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/pkg/errors"
)

// SQSSubscriberAdapter exposes the SQS subscriber behind the
// events.Subscriber interface. The underlying subscriber is created lazily
// on the first Subscribe call, once a handler is known.
type SQSSubscriberAdapter struct {
	queueURL   string
	logger     *logging.Logger
	subscriber *SQSEventSubscriber
}

// NewSQSSubscriberAdapter creates an adapter for the given queue
func NewSQSSubscriberAdapter(queueURL string, logger *logging.Logger) (*SQSSubscriberAdapter, error) {
	return &SQSSubscriberAdapter{
		queueURL: queueURL,
		logger:   logger,
	}, nil
}

func handlerID(handler events.EventHandler) string {
	if identified, ok := handler.(interface{ HandlerID() string }); ok {
		return identified.HandlerID()
	}
	return "saga-event-handler"
}

// Subscribe implements events.Subscriber. The eventType argument is
// ignored: topic routing happens in the SNS subscription filter, so every
// message on the queue goes to the handler.
func (a *SQSSubscriberAdapter) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if a.subscriber != nil {
		return errors.New("subscriber is already running")
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return errors.Wrap(err, "failed to load AWS config")
	}

	a.subscriber = NewSQSEventSubscriber(
		sqs.NewFromConfig(cfg),
		a.queueURL,
		NewEventHandlerFunc(handlerID(handler), handler.Handle),
		a.logger,
	)
	return a.subscriber.Start(ctx)
}

// Close stops the subscriber and waits for in-flight handlers
func (a *SQSSubscriberAdapter) Close() error {
	if a.subscriber == nil {
		return nil
	}
	if err := a.subscriber.Stop(context.Background()); err != nil {
		return errors.Wrap(err, "failed to stop SQS subscriber")
	}
	a.subscriber = nil
	return nil
}
